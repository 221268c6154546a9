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

package dnselect_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/discoverynet/dnselect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewarePre(t *testing.T) {
	t.Parallel()
	healthy := newFakeNode(t, healthyReply())
	sel := newTestSelector(t, bootstrapNodes(healthy.URL))
	mw := sel.Middleware()

	req := newRequest(t, http.MethodGet, "/v1/full/tracks?limit=1")
	out := mw.Pre(dnselect.RequestContext{Request: req})
	assert.Equal(t, healthy.URL+"/v1/full/tracks?limit=1", out.URL.String())
	assert.Equal(t, "/v1/full/tracks?limit=1", req.URL.String(), "original request must not be modified")

	abs := newRequest(t, http.MethodGet, "https://elsewhere.example/v1/users")
	assert.Same(t, abs, mw.Pre(dnselect.RequestContext{Request: abs}))

	empty := newTestSelector(t, nil)
	req = newRequest(t, http.MethodGet, "/v1/full/tracks")
	assert.Same(t, req, empty.Middleware().Pre(dnselect.RequestContext{Request: req}))
}

func TestMiddlewarePreWithPathPrefix(t *testing.T) {
	t.Parallel()
	prober := newStaticProber()
	sel := newTestSelector(t, bootstrapNodes("https://gateway.example/discovery/"),
		dnselect.WithProber(prober),
		dnselect.WithInitialSelectedNode("https://gateway.example/discovery/"),
	)
	req := newRequest(t, http.MethodGet, "/v1/users")
	out := sel.Middleware().Pre(dnselect.RequestContext{Request: req})
	assert.Equal(t, "https://gateway.example/discovery/v1/users", out.URL.String())
}

func TestMiddlewareTelemetryBehind(t *testing.T) {
	t.Parallel()
	healthy := newFakeNode(t, healthyReply())
	behind := newFakeNode(t, behindReply(50))
	sel := newTestSelector(t, bootstrapNodes(behind.URL, healthy.URL),
		dnselect.WithInitialSelectedNode(behind.URL),
	)
	changes := recordChanges(sel)

	req := newRequest(t, http.MethodGet, behind.URL+"/v1/full/tracks")
	resp := jsonResponse(t, req, http.StatusOK, telemetry("1.2.3", 98))
	got := sel.Middleware().Post(dnselect.ResponseContext{Request: req, Response: resp})
	require.Same(t, resp, got)
	body, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "latest_chain_block")

	assert.Equal(t, []string{healthy.URL}, changes.get())
	selected, err := sel.GetSelectedEndpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, healthy.URL, selected)
	assert.False(t, sel.IsBehind())
	assert.InDelta(t, 1, dnselect.ReselectionsTotal(sel, "telemetry"), 0)
}

func TestMiddlewareTelemetryAlreadyBehind(t *testing.T) {
	t.Parallel()
	behind := newFakeNode(t, behindReply(50))
	sel := newTestSelector(t, bootstrapNodes(behind.URL))
	changes := recordChanges(sel)

	selected, err := sel.GetSelectedEndpoint(context.Background())
	require.NoError(t, err)
	require.Equal(t, behind.URL, selected)
	require.True(t, sel.IsBehind())

	req := newRequest(t, http.MethodGet, behind.URL+"/v1/full/tracks")
	sel.Middleware().Post(dnselect.ResponseContext{
		Request:  req,
		Response: jsonResponse(t, req, http.StatusOK, telemetry("1.2.3", 98)),
	})
	assert.Equal(t, []string{behind.URL}, changes.get())
	assert.Equal(t, int64(1), behind.healthChecks.Load())
	assert.InDelta(t, 1, dnselect.RoundsTotal(sel), 0)
	assert.True(t, sel.IsBehind())
}

func TestMiddlewareTelemetryCaughtUp(t *testing.T) {
	t.Parallel()
	behind := newFakeNode(t, behindReply(50))
	sel := newTestSelector(t, bootstrapNodes(behind.URL))

	_, err := sel.GetSelectedEndpoint(context.Background())
	require.NoError(t, err)
	require.True(t, sel.IsBehind())

	req := newRequest(t, http.MethodGet, behind.URL+"/v1/full/tracks")
	sel.Middleware().Post(dnselect.ResponseContext{
		Request:  req,
		Response: jsonResponse(t, req, http.StatusOK, telemetry("1.2.3", 0)),
	})
	assert.False(t, sel.IsBehind())
	assert.InDelta(t, 0, dnselect.BehindGauge(sel), 0)
	assert.InDelta(t, 1, dnselect.RoundsTotal(sel), 0)
}

func TestMiddlewareIgnoresResponsesWithoutTelemetry(t *testing.T) {
	t.Parallel()
	behind := newFakeNode(t, behindReply(50))
	sel := newTestSelector(t, bootstrapNodes(behind.URL),
		dnselect.WithInitialSelectedNode(behind.URL),
	)
	mw := sel.Middleware()

	for _, body := range []any{
		map[string]any{"data": []any{}},
		[]any{1, 2, 3},
	} {
		req := newRequest(t, http.MethodGet, behind.URL+"/v1/full/tracks")
		resp := jsonResponse(t, req, http.StatusOK, body)
		assert.Same(t, resp, mw.Post(dnselect.ResponseContext{Request: req, Response: resp}))
	}
	req := newRequest(t, http.MethodGet, behind.URL+"/v1/full/tracks")
	resp := jsonResponse(t, req, http.StatusNotFound, telemetry("1.2.3", 500))
	assert.Same(t, resp, mw.Post(dnselect.ResponseContext{Request: req, Response: resp}))

	assert.Zero(t, dnselect.RoundsTotal(sel))
	assert.Zero(t, behind.healthChecks.Load())
}

func TestMiddlewareServerError(t *testing.T) {
	t.Parallel()

	t.Run("behind node is replaced and request replayed", func(t *testing.T) {
		t.Parallel()
		healthy := newFakeNode(t, healthyReply())
		behind := newFakeNode(t, behindReply(50))
		behind.setAPI(reply{status: http.StatusInternalServerError, body: map[string]any{"error": "boom"}})
		sel := newTestSelector(t, bootstrapNodes(behind.URL, healthy.URL),
			dnselect.WithInitialSelectedNode(behind.URL),
		)
		changes := recordChanges(sel)

		resp, err := sel.NewHTTPClient().Get("/v1/full/tracks")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int64(1), behind.apiRequests.Load())
		assert.Equal(t, int64(1), healthy.apiRequests.Load())
		assert.Equal(t, []string{healthy.URL}, changes.get())
		assert.InDelta(t, 1, dnselect.ReselectionsTotal(sel, "status"), 0)
		require.Len(t, sel.Backups(), 1)
		assert.Equal(t, behind.URL, sel.Backups()[0].Endpoint)
	})

	t.Run("unhealthy node is replaced and request replayed", func(t *testing.T) {
		t.Parallel()
		healthy := newFakeNode(t, healthyReply())
		broken := newFakeNode(t, reply{status: http.StatusServiceUnavailable})
		broken.setAPI(reply{status: http.StatusBadGateway})
		sel := newTestSelector(t, bootstrapNodes(broken.URL, healthy.URL),
			dnselect.WithInitialSelectedNode(broken.URL),
		)
		changes := recordChanges(sel)

		req := newRequest(t, http.MethodGet, "/v1/full/tracks")
		resp, err := sel.Middleware().RoundTripper(nil).RoundTrip(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []string{healthy.URL}, changes.get())
		// Excluded by the unhealthy cache, so only probed once.
		assert.Equal(t, int64(1), broken.healthChecks.Load())
	})

	t.Run("healthy node is kept", func(t *testing.T) {
		t.Parallel()
		healthy := newFakeNode(t, healthyReply())
		flaky := newFakeNode(t, healthyReply())
		flaky.setAPI(reply{status: http.StatusInternalServerError})
		sel := newTestSelector(t, bootstrapNodes(flaky.URL, healthy.URL),
			dnselect.WithInitialSelectedNode(flaky.URL),
		)
		changes := recordChanges(sel)

		req := newRequest(t, http.MethodGet, "/v1/full/tracks")
		resp, err := sel.Middleware().RoundTripper(nil).RoundTrip(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Empty(t, changes.get())
		assert.Zero(t, dnselect.RoundsTotal(sel))
		assert.Equal(t, int64(1), flaky.healthChecks.Load())
		selected, err := sel.GetSelectedEndpoint(context.Background())
		require.NoError(t, err)
		assert.Equal(t, flaky.URL, selected)
	})
}

func TestMiddlewareNetworkError(t *testing.T) {
	t.Parallel()

	t.Run("request replayed against new node", func(t *testing.T) {
		t.Parallel()
		healthy := newFakeNode(t, healthyReply())
		gone := unreachableEndpoint(t)
		sel := newTestSelector(t, bootstrapNodes(gone, healthy.URL),
			dnselect.WithInitialSelectedNode(gone),
		)
		changes := recordChanges(sel)

		req := newRequest(t, http.MethodGet, "/v1/full/tracks")
		resp, err := sel.Middleware().RoundTripper(nil).RoundTrip(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int64(1), healthy.apiRequests.Load())
		assert.Equal(t, []string{healthy.URL}, changes.get())
		assert.InDelta(t, 1, dnselect.ReselectionsTotal(sel, "error"), 0)
	})

	t.Run("non-idempotent request not replayed", func(t *testing.T) {
		t.Parallel()
		healthy := newFakeNode(t, healthyReply())
		gone := unreachableEndpoint(t)
		sel := newTestSelector(t, bootstrapNodes(gone, healthy.URL),
			dnselect.WithInitialSelectedNode(gone),
		)

		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, "/v1/plays", strings.NewReader("{}"))
		require.NoError(t, err)
		_, err = sel.Middleware().RoundTripper(nil).RoundTrip(req) //nolint:bodyclose
		require.Error(t, err)
		assert.Zero(t, healthy.apiRequests.Load())
		selected, err := sel.GetSelectedEndpoint(context.Background())
		require.NoError(t, err)
		assert.Equal(t, healthy.URL, selected)
	})

	t.Run("abandoned request does not blame node", func(t *testing.T) {
		t.Parallel()
		healthy := newFakeNode(t, healthyReply())
		sel := newTestSelector(t, bootstrapNodes(healthy.URL),
			dnselect.WithInitialSelectedNode(healthy.URL),
		)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthy.URL+"/v1/full/tracks", nil)
		require.NoError(t, err)
		cause := errors.New("request canceled")

		resp, err := sel.Middleware().OnError(dnselect.ErrorContext{Request: req, Err: cause}) //nolint:bodyclose
		assert.Nil(t, resp)
		require.ErrorIs(t, err, cause)
		assert.Zero(t, dnselect.RoundsTotal(sel))
		assert.Zero(t, healthy.healthChecks.Load())
	})
}

func newRequest(t *testing.T, method, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, nil)
	require.NoError(t, err)
	return req
}

func jsonResponse(t *testing.T, req *http.Request, status int, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(buf)),
		Request:    req,
	}
}
