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

package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/discoverynet/dnselect/internal"
)

// CheckPath is the path of the dedicated health-check endpoint.
const CheckPath = "/health_check"

// maxCheckBodyBytes bounds how much of a health-check body is read.
const maxCheckBodyBytes = 4 << 20

// Result is the outcome of probing one endpoint.
type Result struct {
	Endpoint string
	Verdict  Verdict
	// Payload is the decoded health-check body. It is nil if the request
	// failed or the body could not be decoded.
	Payload *CheckResponse
	// Latency is how long the probe took.
	Latency time.Duration
}

// Prober issues a health check against a single endpoint.
type Prober interface {
	// Probe checks the given endpoint and evaluates the result against the
	// given thresholds. It must not panic and must honor cancellation of the
	// given context. Failures are reported as unhealthy verdicts.
	Probe(ctx context.Context, endpoint string, thresholds Thresholds) Result
}

// ProberFunc is a function that implements Prober.
type ProberFunc func(ctx context.Context, endpoint string, thresholds Thresholds) Result

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, endpoint string, thresholds Thresholds) Result {
	return f(ctx, endpoint, thresholds)
}

// NewHTTPProber returns a prober that sends a GET request to the endpoint's
// health-check path using the given client. Each probe is bounded by the
// given timeout; when it elapses, the in-flight request is aborted. A
// non-positive timeout means probes are bounded only by the context.
func NewHTTPProber(client *http.Client, timeout time.Duration) Prober {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpProber{
		client:  client,
		timeout: timeout,
		clock:   internal.NewRealClock(),
	}
}

type httpProber struct {
	client  *http.Client
	timeout time.Duration
	clock   internal.Clock
}

func (p *httpProber) Probe(ctx context.Context, endpoint string, thresholds Thresholds) Result {
	start := p.clock.Now()
	payload, err := p.fetch(ctx, endpoint)
	result := Result{
		Endpoint: endpoint,
		Payload:  payload,
		Latency:  p.clock.Since(start),
	}
	var decodeErr *decodeError
	switch {
	case errors.As(err, &decodeErr):
		result.Verdict = unhealthy(ReasonData, decodeErr.Error())
	case err != nil:
		result.Verdict = unhealthy(ReasonRequest, err.Error())
	default:
		result.Verdict = EvaluateCheck(payload, thresholds)
	}
	return result
}

func (p *httpProber) fetch(ctx context.Context, endpoint string) (*CheckResponse, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	url := strings.TrimSuffix(endpoint, "/") + CheckPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxCheckBodyBytes))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	var payload CheckResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCheckBodyBytes)).Decode(&payload); err != nil {
		return nil, &decodeError{err: err}
	}
	return &payload, nil
}

type decodeError struct {
	err error
}

func (e *decodeError) Error() string {
	return "malformed health check body: " + e.err.Error()
}

func (e *decodeError) Unwrap() error {
	return e.err
}
