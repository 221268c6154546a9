// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dnselect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/discoverynet/dnselect/health"
	"github.com/discoverynet/dnselect/internal"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultUnhealthyTTL   = time.Hour
	defaultBackupsTTL     = 2 * time.Minute
)

// Option is an option used to customize the behavior of a Selector.
type Option interface {
	apply(*selectorOptions)
}

// WithHealthCheckThresholds configures how strictly nodes are judged. If no
// such option is provided, [health.DefaultThresholds] is used. Invalid
// thresholds cause NewSelector to fail.
func WithHealthCheckThresholds(thresholds health.Thresholds) Option {
	return optionFunc(func(opts *selectorOptions) {
		opts.thresholds = thresholds
	})
}

// WithAllowlist restricts selection to the given endpoints. When an
// allowlist is configured, nodes outside of it are never selected, even if
// they are healthier.
func WithAllowlist(endpoints ...string) Option {
	return optionFunc(func(opts *selectorOptions) {
		opts.allowlist = append([]string{}, endpoints...)
	})
}

// WithBlocklist excludes the given endpoints from selection. The blocklist
// overrides everything else, including WithInitialSelectedNode.
func WithBlocklist(endpoints ...string) Option {
	return optionFunc(func(opts *selectorOptions) {
		opts.blocklist = append(opts.blocklist, endpoints...)
	})
}

// WithInitialSelectedNode seeds the selection with the given endpoint. As
// long as the endpoint is not blocklisted (and is allowlisted, if an
// allowlist is configured), the first call to GetSelectedEndpoint returns
// it without probing anything. It is replaced as soon as a response proves
// it unfit.
func WithInitialSelectedNode(endpoint string) Option {
	return optionFunc(func(opts *selectorOptions) {
		opts.initialSelectedNode = endpoint
	})
}

// WithRequestTimeout bounds each health check. If no such option is
// provided, a default of 30 seconds is used.
func WithRequestTimeout(duration time.Duration) Option {
	return optionFunc(func(opts *selectorOptions) {
		opts.requestTimeout = duration
	})
}

// WithUnhealthyTTL configures how long an unhealthy node is excluded from
// selection. If no such option is provided, a default of one hour is used.
// A zero TTL disables the exclusion.
func WithUnhealthyTTL(duration time.Duration) Option {
	return optionFunc(func(opts *selectorOptions) {
		opts.unhealthyTTL = duration
	})
}

// WithBackupsTTL configures how long a behind node is remembered as a
// backup. If no such option is provided, a default of two minutes is used.
func WithBackupsTTL(duration time.Duration) Option {
	return optionFunc(func(opts *selectorOptions) {
		opts.backupsTTL = duration
	})
}

// WithMaxConcurrentProbes limits how many health checks a selection round
// may have in flight at once. If zero or no such option is provided, every
// candidate is probed at the same time.
func WithMaxConcurrentProbes(limit int) Option {
	return optionFunc(func(opts *selectorOptions) {
		opts.maxConcurrentProbes = limit
	})
}

// WithHTTPClient configures the HTTP client used for health checks and for
// replaying failed requests. If no such option is provided, a client with
// HTTP/2 support and reasonable timeouts is used.
func WithHTTPClient(client *http.Client) Option {
	return optionFunc(func(opts *selectorOptions) {
		opts.client = client
	})
}

// WithProber configures how nodes are health checked. If no such option is
// provided, a prober is created with [health.NewHTTPProber] using the
// configured HTTP client and request timeout.
func WithProber(prober health.Prober) Option {
	return optionFunc(func(opts *selectorOptions) {
		opts.prober = prober
	})
}

// WithLogger configures the logger. If no such option is provided, nothing
// is logged.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *selectorOptions) {
		opts.logger = logger
	})
}

// WithMetrics registers the selector's metrics with the given registerer.
// If no such option is provided, metrics are still tracked but not
// registered anywhere. To register several selectors with the same
// registry, wrap it with [prometheus.WrapRegistererWith] to tell them apart.
func WithMetrics(registerer prometheus.Registerer) Option {
	return optionFunc(func(opts *selectorOptions) {
		opts.registerer = registerer
	})
}

// WithRootContext configures the context used for selection rounds. If
// not specified, [context.Background] is used.
//
// Selection rounds are shared by all callers and cannot be aborted by any
// one of them. Cancelling this context aborts them all; it should only be
// cancelled when the selector is no longer in use.
func WithRootContext(ctx context.Context) Option {
	return optionFunc(func(opts *selectorOptions) {
		opts.rootCtx = ctx
	})
}

func withClock(clock internal.Clock) Option {
	return optionFunc(func(opts *selectorOptions) {
		opts.clock = clock
	})
}

type optionFunc func(*selectorOptions)

func (f optionFunc) apply(opts *selectorOptions) {
	f(opts)
}

type selectorOptions struct {
	rootCtx             context.Context //nolint:containedctx
	thresholds          health.Thresholds
	allowlist           []string
	blocklist           []string
	initialSelectedNode string
	requestTimeout      time.Duration
	unhealthyTTL        time.Duration
	backupsTTL          time.Duration
	maxConcurrentProbes int
	client              *http.Client
	prober              health.Prober
	logger              *zap.Logger
	registerer          prometheus.Registerer
	clock               internal.Clock
}

func newSelectorOptions(options []Option) *selectorOptions {
	// TTLs are defaulted up front since zero is a meaningful setting.
	opts := &selectorOptions{
		thresholds:   health.DefaultThresholds(),
		unhealthyTTL: defaultUnhealthyTTL,
		backupsTTL:   defaultBackupsTTL,
	}
	for _, opt := range options {
		opt.apply(opts)
	}
	return opts
}

func (opts *selectorOptions) validate() error {
	var errs []error
	if err := opts.thresholds.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("health check thresholds: %w", err))
	}
	if opts.requestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request timeout must not be negative: %v", opts.requestTimeout))
	}
	if opts.unhealthyTTL < 0 {
		errs = append(errs, fmt.Errorf("unhealthy TTL must not be negative: %v", opts.unhealthyTTL))
	}
	if opts.backupsTTL < 0 {
		errs = append(errs, fmt.Errorf("backups TTL must not be negative: %v", opts.backupsTTL))
	}
	if opts.maxConcurrentProbes < 0 {
		errs = append(errs, fmt.Errorf("max concurrent probes must not be negative: %d", opts.maxConcurrentProbes))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (opts *selectorOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.requestTimeout == 0 {
		opts.requestTimeout = defaultRequestTimeout
	}
	if opts.client == nil {
		opts.client = newDefaultClient()
	}
	if opts.prober == nil {
		opts.prober = health.NewHTTPProber(opts.client, opts.requestTimeout)
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}
