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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/discoverynet/dnselect/health"
	"github.com/discoverynet/dnselect/registry"
	"go.uber.org/zap"
)

// maxTelemetryBodyBytes bounds how much of a response body is buffered to
// look for telemetry. Larger bodies are passed through unexamined.
const maxTelemetryBodyBytes = 8 << 20

// RequestContext is passed to Middleware.Pre.
type RequestContext struct {
	// Fetch performs requests on behalf of the middleware. If nil, the
	// selector's HTTP client is used.
	Fetch   http.RoundTripper
	Request *http.Request
}

// ResponseContext is passed to Middleware.Post.
type ResponseContext struct {
	Fetch    http.RoundTripper
	Request  *http.Request
	Response *http.Response
}

// ErrorContext is passed to Middleware.OnError.
type ErrorContext struct {
	Fetch   http.RoundTripper
	Request *http.Request
	Err     error
}

// Middleware routes requests to the selected discovery node and watches
// their outcomes to keep the selection fit. It never fails a request
// itself: when it cannot help, the request or outcome is passed through
// unchanged.
type Middleware struct {
	selector *Selector
}

// Middleware returns the request middleware backed by s.
func (s *Selector) Middleware() *Middleware {
	return &Middleware{selector: s}
}

// NewHTTPClient returns an HTTP client whose requests go through the
// middleware. Requests with a relative URL, such as "/v1/users", are sent
// to the selected discovery node.
func (s *Selector) NewHTTPClient() *http.Client {
	return &http.Client{Transport: s.Middleware().RoundTripper(s.client.Transport)}
}

// RoundTripper wraps next so that every request goes through Pre and every
// outcome through Post or OnError. If next is nil, http.DefaultTransport is
// used.
func (m *Middleware) RoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &middlewareTransport{middleware: m, next: next}
}

// Pre resolves a request with a relative URL against the selected endpoint.
// Requests with an absolute URL, and requests made while no endpoint can be
// selected, are returned unchanged.
func (m *Middleware) Pre(rc RequestContext) *http.Request {
	req := rc.Request
	if req == nil || req.URL == nil || req.URL.IsAbs() {
		return req
	}
	endpoint, err := m.selector.GetSelectedEndpoint(req.Context())
	if err != nil || endpoint == "" {
		if err != nil {
			m.selector.logger.Debug("sending request without a discovery node", zap.Error(err))
		}
		return req
	}
	target, err := resolve(endpoint, req.URL)
	if err != nil {
		m.selector.logger.Warn("cannot resolve request against discovery node",
			zap.String("endpoint", endpoint), zap.Error(err))
		return req
	}
	out := req.Clone(req.Context())
	out.URL = target
	out.Host = ""
	return out
}

// Post inspects a response from a discovery node.
//
// Client errors (4xx) are returned untouched. A successful response that
// carries telemetry is judged like a health check, and a selected node
// found behind or unhealthy is replaced; the response itself is returned
// either way. Any other response prompts a fresh health check of the node
// that served it. If that shows the node unfit and a replacement can be
// selected, idempotent requests are replayed against the replacement.
func (m *Middleware) Post(rc ResponseContext) *http.Response {
	resp := rc.Response
	if resp == nil || rc.Request == nil {
		return resp
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return resp
	}
	sel := m.selector
	ctx := rc.Request.Context()
	served := sel.servedBy(rc.Request.URL)
	if served == "" {
		return resp
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		telemetry, ok := readTelemetry(resp)
		if !ok {
			return resp
		}
		verdict := health.EvaluateAPI(telemetry, sel.Thresholds())
		if _, err := sel.reconcile(ctx, served, verdict, triggerTelemetry); err != nil {
			sel.logger.Debug("cannot reselect after telemetry", zap.Error(err))
		}
		return resp
	}

	result := sel.probe(ctx, served, sel.Thresholds())
	endpoint, err := sel.reconcile(ctx, served, result.Verdict, triggerStatus)
	if err != nil || endpoint == "" || endpoint == served || !isReplayable(rc.Request) {
		return resp
	}
	replayed, err := m.replay(rc.Fetch, rc.Request, served, endpoint)
	if err != nil {
		sel.logger.Info("replay against new discovery node failed",
			zap.String("endpoint", endpoint), zap.Error(err))
		return resp
	}
	discard(resp)
	return replayed
}

// OnError handles a request that failed outright. The node it was sent to
// is excluded and a new round is forced. Idempotent requests are then
// replayed against the new selection. If nothing works, the original error
// is returned. Requests abandoned by their caller are passed through
// without blaming the node.
func (m *Middleware) OnError(ec ErrorContext) (*http.Response, error) {
	req := ec.Request
	if req == nil || req.URL == nil {
		return nil, ec.Err
	}
	if errors.Is(ec.Err, context.Canceled) || req.Context().Err() != nil {
		return nil, ec.Err
	}
	sel := m.selector
	served := sel.servedBy(req.URL)
	if served == "" {
		return nil, ec.Err
	}
	endpoint, err := sel.reportFailure(req.Context(), served, ec.Err)
	if err != nil || endpoint == "" || endpoint == served || !isReplayable(req) {
		return nil, ec.Err
	}
	replayed, err := m.replay(ec.Fetch, req, served, endpoint)
	if err != nil {
		sel.logger.Info("replay against new discovery node failed",
			zap.String("endpoint", endpoint), zap.Error(err))
		return nil, ec.Err
	}
	return replayed, nil
}

func (m *Middleware) replay(fetch http.RoundTripper, req *http.Request, served, endpoint string) (*http.Response, error) {
	if fetch == nil {
		fetch = roundTripperFunc(m.selector.client.Do)
	}
	target, err := rebase(req.URL, served, endpoint)
	if err != nil {
		return nil, err
	}
	out := req.Clone(req.Context())
	out.URL = target
	out.Host = ""
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	return fetch.RoundTrip(out)
}

// servedBy returns the known endpoint that u points into. If u matches no
// known endpoint, its origin is returned.
func (s *Selector) servedBy(u *url.URL) string {
	if u == nil {
		return ""
	}
	raw := u.String()
	best := ""
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	for _, endpoint := range append([]string{current}, nodeEndpoints(s.registry.Nodes())...) {
		if endpoint == "" || len(endpoint) <= len(best) {
			continue
		}
		if hasEndpointPrefix(raw, endpoint) {
			best = endpoint
		}
	}
	if best != "" {
		return best
	}
	if u.Host == "" {
		return ""
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host}).String()
}

func hasEndpointPrefix(raw, endpoint string) bool {
	endpoint = strings.TrimSuffix(endpoint, "/")
	if !strings.HasPrefix(raw, endpoint) {
		return false
	}
	rest := raw[len(endpoint):]
	return rest == "" || rest[0] == '/' || rest[0] == '?' || rest[0] == '#'
}

// resolve appends a relative request URL to an endpoint, which may itself
// carry a path prefix.
func resolve(endpoint string, rel *url.URL) (*url.URL, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	target := *base
	target.Path = strings.TrimSuffix(base.Path, "/") + "/" + strings.TrimPrefix(rel.Path, "/")
	target.RawPath = ""
	target.RawQuery = rel.RawQuery
	target.Fragment = rel.Fragment
	return &target, nil
}

// rebase moves an absolute URL from one endpoint to another.
func rebase(u *url.URL, from, to string) (*url.URL, error) {
	raw := u.String()
	rest := u.RequestURI()
	if hasEndpointPrefix(raw, from) {
		rest = raw[len(strings.TrimSuffix(from, "/")):]
	}
	return url.Parse(strings.TrimSuffix(to, "/") + rest)
}

// readTelemetry buffers the response body and decodes any telemetry it
// carries. The body is restored so that callers can still read it.
func readTelemetry(resp *http.Response) (*health.APIResponse, bool) {
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, false
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxTelemetryBodyBytes+1))
	if err != nil || len(buf) > maxTelemetryBodyBytes {
		resp.Body = &readCloser{Reader: io.MultiReader(bytes.NewReader(buf), resp.Body), Closer: resp.Body}
		return nil, false
	}
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(buf))

	var telemetry health.APIResponse
	if err := json.Unmarshal(buf, &telemetry); err != nil || !telemetry.HasTelemetry() {
		return nil, false
	}
	return &telemetry, true
}

// isReplayable reports whether req can safely be sent again.
func isReplayable(req *http.Request) bool {
	switch req.Method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
	default:
		return false
	}
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func discard(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func nodeEndpoints(nodes []registry.Node) []string {
	endpoints := make([]string, 0, len(nodes))
	for _, node := range nodes {
		endpoints = append(endpoints, node.Endpoint)
	}
	return endpoints
}

type readCloser struct {
	io.Reader
	io.Closer
}

type middlewareTransport struct {
	middleware *Middleware
	next       http.RoundTripper
}

func (t *middlewareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = t.middleware.Pre(RequestContext{Fetch: t.next, Request: req})
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return t.middleware.OnError(ErrorContext{Fetch: t.next, Request: req, Err: err})
	}
	return t.middleware.Post(ResponseContext{Fetch: t.next, Request: req, Response: resp}), nil
}
