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
	"sync"
	"time"

	"github.com/discoverynet/dnselect/health"
	"github.com/discoverynet/dnselect/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrInvalidConfig is returned when options or a config update are not
	// valid. The returned error wraps the individual problems.
	ErrInvalidConfig = errors.New("invalid selector config")
	// ErrSelectorClosed is returned by operations on a closed Selector.
	ErrSelectorClosed = errors.New("selector is closed")
	// ErrNotEnoughHealthyNodes is returned by GetUniquelyOwnedEndpoints when
	// fewer healthy nodes than requested could be found.
	ErrNotEnoughHealthyNodes = errors.New("not enough healthy nodes")
	// ErrNotEnoughUniqueOwners is returned by GetUniquelyOwnedEndpoints when
	// there are enough healthy nodes, but too few distinct owners among them.
	ErrNotEnoughUniqueOwners = errors.New("not enough healthy nodes with unique owners")
)

const roundKey = "select"

// Selector chooses a discovery node to send requests to.
//
// The selected endpoint is kept until something proves it unfit: a
// response reporting that the node is behind, a server error confirmed by a
// health check, a transport failure, or a config change excluding it. When
// that happens a selection round health checks every eligible node and
// settles on the fastest healthy one, falling back to the best behind node
// when no node is healthy. Concurrent callers share a single round.
type Selector struct {
	ctx      context.Context //nolint:containedctx
	cancel   context.CancelFunc
	logger   *zap.Logger
	registry *registry.Registry
	prober   health.Prober
	client   *http.Client
	metrics  *metrics
	events   *emitter

	requestTimeout      time.Duration
	unhealthyTTL        time.Duration
	backupsTTL          time.Duration
	maxConcurrentProbes int

	rounds   singleflight.Group
	roundsWG sync.WaitGroup

	mu sync.Mutex
	// +checklocks:mu
	thresholds health.Thresholds
	// +checklocks:mu
	current string
	// +checklocks:mu
	behind bool
	// +checklocks:mu
	inFlight bool
	// +checklocks:mu
	configGen uint64
	// +checklocks:mu
	closed bool
}

// NewSelector creates a Selector that starts out knowing only the given
// bootstrap nodes. More nodes are learned from the health checks of the
// nodes it probes.
func NewSelector(bootstrap []registry.Node, options ...Option) (*Selector, error) {
	opts := newSelectorOptions(options)
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()

	regOpts := []registry.Option{
		registry.WithClock(opts.clock),
		registry.WithBlocklist(opts.blocklist...),
	}
	if opts.allowlist != nil {
		regOpts = append(regOpts, registry.WithAllowlist(opts.allowlist...))
	}
	ctx, cancel := context.WithCancel(opts.rootCtx)
	logger := opts.logger.Named("dnselect")
	sel := &Selector{
		ctx:                 ctx,
		cancel:              cancel,
		logger:              logger,
		registry:            registry.New(bootstrap, regOpts...),
		prober:              opts.prober,
		client:              opts.client,
		metrics:             newMetrics(opts.registerer),
		events:              &emitter{logger: logger},
		requestTimeout:      opts.requestTimeout,
		unhealthyTTL:        opts.unhealthyTTL,
		backupsTTL:          opts.backupsTTL,
		maxConcurrentProbes: opts.maxConcurrentProbes,
		thresholds:          opts.thresholds,
	}
	if opts.initialSelectedNode != "" {
		if sel.registry.IsUsable(opts.initialSelectedNode) {
			sel.current = opts.initialSelectedNode
		} else {
			logger.Info("ignoring initial selected node excluded by config",
				zap.String("endpoint", opts.initialSelectedNode))
		}
	}
	return sel, nil
}

// GetSelectedEndpoint returns the endpoint requests should be sent to.
//
// If a selection round is in progress, it waits for its outcome. Otherwise
// the current selection is returned as long as the config still permits it,
// without checking its health. A round is only run when there is no usable
// selection. An empty string with a nil error means that no node could be
// selected.
//
// Cancelling ctx stops the wait, not the round: other callers still get its
// outcome.
func (s *Selector) GetSelectedEndpoint(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSelectorClosed
	}
	if !s.inFlight && s.current != "" && s.registry.IsUsable(s.current) {
		current := s.current
		s.mu.Unlock()
		return current, nil
	}
	round := s.joinRoundLocked()
	s.mu.Unlock()
	return s.await(ctx, round)
}

// IsBehind reports whether the selected endpoint is a backup that was known
// to be behind when it was selected.
func (s *Selector) IsBehind() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.behind
}

// Thresholds returns the health check thresholds currently in effect.
func (s *Selector) Thresholds() health.Thresholds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thresholds
}

// Backups returns the unexpired behind nodes found by recent rounds.
func (s *Selector) Backups() []registry.Backup {
	return s.registry.Backups()
}

// Nodes returns every node the selector knows about, whether bootstrapped
// or learned.
func (s *Selector) Nodes() []registry.Node {
	return s.registry.Nodes()
}

// Subscribe registers a handler for the given event and returns a function
// that unregisters it. Handlers run synchronously on the goroutine that
// settled the selection; they should not block.
func (s *Selector) Subscribe(event Event, handler Handler) (unsubscribe func()) {
	return s.events.subscribe(event, handler)
}

// ConfigUpdate describes a change to a running selector's config. Zero
// fields leave the corresponding setting unchanged.
type ConfigUpdate struct {
	// Allowlist replaces the allowlist when non-nil. A non-nil empty
	// allowlist permits nothing.
	Allowlist []string
	// ClearAllowlist removes the allowlist, permitting every node again.
	ClearAllowlist bool
	// Blocklist replaces the blocklist when non-nil.
	Blocklist []string
	// HealthCheckThresholds replaces the thresholds when non-nil.
	HealthCheckThresholds *health.Thresholds
}

// UpdateConfig applies the given changes and immediately starts a new
// selection round, since the current selection may no longer be permitted
// or may no longer be the best. Callers of GetSelectedEndpoint wait for it.
func (s *Selector) UpdateConfig(update ConfigUpdate) error {
	if update.HealthCheckThresholds != nil {
		if err := update.HealthCheckThresholds.Validate(); err != nil {
			return fmt.Errorf("%w: health check thresholds: %w", ErrInvalidConfig, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSelectorClosed
	}
	s.registry.UpdateConfig(registry.Update{
		Allowlist:      update.Allowlist,
		ClearAllowlist: update.ClearAllowlist,
		Blocklist:      update.Blocklist,
	})
	if update.HealthCheckThresholds != nil {
		s.thresholds = *update.HealthCheckThresholds
	}
	s.configGen++
	s.metrics.reselections.WithLabelValues(triggerConfig).Inc()
	// A round already in progress selects again before settling. Either way
	// the outcome is observed through GetSelectedEndpoint.
	_ = s.joinRoundLocked()
	return nil
}

// Close aborts any selection round in progress and waits for it to finish.
// Further calls to the selector fail with ErrSelectorClosed.
func (s *Selector) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.roundsWG.Wait()
	return nil
}

// joinRoundLocked returns the outcome of the selection round in progress,
// starting one if there is none.
//
// +checklocks:s.mu
func (s *Selector) joinRoundLocked() <-chan singleflight.Result {
	if !s.inFlight {
		s.inFlight = true
		s.roundsWG.Add(1)
	}
	return s.rounds.DoChan(roundKey, s.runRound)
}

func (s *Selector) await(ctx context.Context, round <-chan singleflight.Result) (string, error) {
	select {
	case res := <-round:
		if res.Err != nil {
			return "", res.Err
		}
		endpoint, _ := res.Val.(string)
		return endpoint, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// reselectLocked records the reason for a forced round and joins it.
//
// +checklocks:s.mu
func (s *Selector) reselectLocked(trigger string) <-chan singleflight.Result {
	if !s.inFlight {
		s.metrics.reselections.WithLabelValues(trigger).Inc()
	}
	return s.joinRoundLocked()
}

func (s *Selector) runRound() (any, error) {
	defer s.roundsWG.Done()

	for {
		s.mu.Lock()
		thresholds := s.thresholds
		gen := s.configGen
		s.mu.Unlock()

		endpoint, behind := s.selectOnce(thresholds)
		if s.ctx.Err() != nil {
			s.settle("", false, gen, true)
			return "", ErrSelectorClosed
		}
		if selected, ok := s.settle(endpoint, behind, gen, false); ok {
			return selected, nil
		}
		s.logger.Debug("config changed during selection round, selecting again")
	}
}

// selectOnce probes every eligible node, records what it learns in the
// registry and returns the best endpoint found.
func (s *Selector) selectOnce(thresholds health.Thresholds) (endpoint string, behind bool) {
	s.metrics.rounds.Inc()
	candidates := s.registry.EligibleCandidates()
	s.logger.Debug("starting selection round", zap.Int("candidates", len(candidates)))
	results := s.probeAll(s.ctx, candidates, thresholds)
	if s.ctx.Err() != nil {
		return "", false
	}

	var healthyResults, behindResults []health.Result
	for _, result := range results {
		switch result.Verdict.State {
		case health.StateHealthy:
			healthyResults = append(healthyResults, result)
		case health.StateBehind:
			behindResults = append(behindResults, result)
			s.registry.MarkBackup(result.Endpoint, result.Verdict, s.backupsTTL)
		default:
			s.registry.MarkUnhealthy(result.Endpoint, s.unhealthyTTL)
		}
		if result.Verdict.State == health.StateHealthy || result.Verdict.State == health.StateBehind {
			if added := s.registry.RecordPeers(peerNodes(result.Payload)); added > 0 {
				s.logger.Debug("learned discovery nodes",
					zap.String("from", result.Endpoint), zap.Int("added", added))
			}
		}
	}

	if best, ok := pickHealthy(healthyResults); ok {
		return best.Endpoint, false
	}
	if best, ok := pickBackup(behindResults); ok {
		s.logger.Warn("no healthy discovery node found, using a backup",
			zap.String("endpoint", best.Endpoint), zap.Stringer("verdict", best.Verdict))
		return best.Endpoint, true
	}
	s.logger.Error("no usable discovery node found", zap.Int("candidates", len(candidates)))
	return "", false
}

// settle installs the outcome of a round and notifies subscribers if the
// selection changed. An outcome computed under a config that has since
// been replaced is discarded and settle reports false; the round must then
// select again, keeping its waiters.
func (s *Selector) settle(endpoint string, behind bool, gen uint64, aborted bool) (string, bool) {
	s.mu.Lock()
	if !aborted && gen != s.configGen {
		s.mu.Unlock()
		return "", false
	}
	previous := s.current
	if !aborted {
		s.current = endpoint
		s.behind = behind
	}
	s.inFlight = false
	// Anything calling in from here on, including change handlers, gets a
	// fresh round rather than this one.
	s.rounds.Forget(roundKey)
	s.mu.Unlock()

	if aborted {
		return "", true
	}
	s.metrics.setBehind(behind)
	if endpoint != "" && endpoint != previous {
		s.logger.Info("selected discovery node",
			zap.String("endpoint", endpoint),
			zap.String("previous", previous),
			zap.Bool("behind", behind),
		)
		s.events.emit(EventChange, endpoint)
	}
	return endpoint, true
}

// probeAll health checks every candidate concurrently. The results are in
// candidate order.
func (s *Selector) probeAll(ctx context.Context, candidates []registry.Node, thresholds health.Thresholds) []health.Result {
	results := make([]health.Result, len(candidates))
	var grp errgroup.Group
	if s.maxConcurrentProbes > 0 {
		grp.SetLimit(s.maxConcurrentProbes)
	}
	for i, node := range candidates {
		i, node := i, node
		grp.Go(func() error {
			results[i] = s.probe(ctx, node.Endpoint, thresholds)
			return nil
		})
	}
	_ = grp.Wait()
	return results
}

func (s *Selector) probe(ctx context.Context, endpoint string, thresholds health.Thresholds) health.Result {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	result := s.prober.Probe(ctx, endpoint, thresholds)
	result.Endpoint = endpoint
	s.metrics.observeProbe(result)
	if ce := s.logger.Check(zap.DebugLevel, "probed discovery node"); ce != nil {
		ce.Write(
			zap.String("endpoint", endpoint),
			zap.Stringer("verdict", result.Verdict),
			zap.Duration("latency", result.Latency),
		)
	}
	return result
}

// reconcile acts on a fresh verdict about the endpoint that served a
// request. A verdict about the selected endpoint that shows it healthy
// clears the behind flag; one that shows it behind or unhealthy forces a
// new round, unless a behind node was knowingly selected and is still just
// behind. Verdicts about other endpoints are only recorded. It returns the
// endpoint selected afterwards.
func (s *Selector) reconcile(ctx context.Context, served string, verdict health.Verdict, trigger string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSelectorClosed
	}
	selected := served == s.current
	switch verdict.State {
	case health.StateHealthy:
		if selected && s.behind {
			s.behind = false
			s.metrics.setBehind(false)
			s.logger.Info("selected discovery node caught up", zap.String("endpoint", served))
		}
		current := s.current
		s.mu.Unlock()
		return current, nil
	case health.StateBehind:
		if selected && s.behind {
			current := s.current
			s.mu.Unlock()
			return current, nil
		}
		s.registry.MarkBackup(served, verdict, s.backupsTTL)
	default:
		s.registry.MarkUnhealthy(served, s.unhealthyTTL)
	}
	if !selected {
		current := s.current
		s.mu.Unlock()
		return current, nil
	}
	s.logger.Info("selected discovery node is unfit, reselecting",
		zap.String("endpoint", served),
		zap.Stringer("verdict", verdict),
		zap.String("trigger", trigger),
	)
	round := s.reselectLocked(trigger)
	s.mu.Unlock()
	return s.await(ctx, round)
}

// reportFailure handles a request to served that failed outright. The
// endpoint is excluded for the unhealthy TTL and, if it was selected (or
// nothing was), a new round is forced.
func (s *Selector) reportFailure(ctx context.Context, served string, cause error) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSelectorClosed
	}
	if served != "" {
		s.registry.MarkUnhealthy(served, s.unhealthyTTL)
	}
	if s.current != "" && served != s.current {
		current := s.current
		s.mu.Unlock()
		return current, nil
	}
	s.logger.Info("request to selected discovery node failed, reselecting",
		zap.String("endpoint", served),
		zap.Error(cause),
	)
	round := s.reselectLocked(triggerError)
	s.mu.Unlock()
	return s.await(ctx, round)
}

func peerNodes(resp *health.CheckResponse) []registry.Node {
	peers := resp.Peers()
	if len(peers) == 0 {
		return nil
	}
	nodes := make([]registry.Node, 0, len(peers))
	for _, peer := range peers {
		nodes = append(nodes, registry.Node{
			Endpoint:   peer.Endpoint,
			OperatorID: peer.DelegateOwnerWallet,
			OwnerID:    peer.OwnerWallet,
		})
	}
	return nodes
}
