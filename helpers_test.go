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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/discoverynet/dnselect"
	"github.com/discoverynet/dnselect/health"
	"github.com/discoverynet/dnselect/registry"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// reply is a canned HTTP response.
type reply struct {
	status int
	body   any
	delay  time.Duration
	// hang blocks until the client gives up.
	hang bool
}

// fakeNode is a discovery node backed by an httptest server. Health checks
// and API requests are answered with configurable replies and counted.
type fakeNode struct {
	URL          string
	healthChecks atomic.Int64
	apiRequests  atomic.Int64

	mu    sync.Mutex
	check reply
	api   reply
}

func newFakeNode(t *testing.T, check reply) *fakeNode {
	t.Helper()
	node := &fakeNode{
		check: check,
		api:   reply{status: http.StatusOK, body: map[string]any{"data": []any{}}},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rep reply
		node.mu.Lock()
		if r.URL.Path == health.CheckPath {
			node.healthChecks.Add(1)
			rep = node.check
		} else {
			node.apiRequests.Add(1)
			rep = node.api
		}
		node.mu.Unlock()
		if rep.hang {
			<-r.Context().Done()
			return
		}
		if rep.delay > 0 {
			select {
			case <-time.After(rep.delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rep.status)
		_ = json.NewEncoder(w).Encode(rep.body)
	}))
	t.Cleanup(server.Close)
	node.URL = server.URL
	return node
}

func (n *fakeNode) setCheck(check reply) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.check = check
}

func (n *fakeNode) setAPI(api reply) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.api = api
}

// unreachableEndpoint returns the URL of a server that is no longer
// listening.
func unreachableEndpoint(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()
	return url
}

func checkReply(version string, blockDiff int64, peers ...health.Peer) reply {
	data := &health.CheckData{
		Service:         health.ServiceName,
		Version:         version,
		BlockDifference: blockDiff,
	}
	if len(peers) > 0 {
		data.Network = &health.NetworkInfo{DiscoveryNodesWithOwner: peers}
	}
	return reply{
		status: http.StatusOK,
		body: &health.CheckResponse{
			Data:  data,
			Comms: &health.CommsStatus{Healthy: true},
		},
	}
}

func healthyReply(peers ...health.Peer) reply {
	return checkReply("1.2.3", 0, peers...)
}

func behindReply(blockDiff int64) reply {
	return checkReply("1.2.3", blockDiff)
}

// telemetry returns an API response body carrying the given block lag.
func telemetry(version string, blockLag int64) map[string]any {
	return map[string]any{
		"data":                      []any{},
		"latest_chain_block":        100 + blockLag,
		"latest_indexed_block":      100,
		"latest_chain_slot_plays":   100,
		"latest_indexed_slot_plays": 100,
		"version": map[string]any{
			"service": health.ServiceName,
			"version": version,
		},
	}
}

func minVersion(version string) dnselect.Option {
	return dnselect.WithHealthCheckThresholds(health.Thresholds{MinVersion: version})
}

func bootstrapNodes(endpoints ...string) []registry.Node {
	nodes := make([]registry.Node, 0, len(endpoints))
	for _, endpoint := range endpoints {
		nodes = append(nodes, registry.Node{Endpoint: endpoint})
	}
	return nodes
}

func newTestSelector(t *testing.T, bootstrap []registry.Node, opts ...dnselect.Option) *dnselect.Selector {
	t.Helper()
	opts = append([]dnselect.Option{dnselect.WithLogger(zaptest.NewLogger(t))}, opts...)
	sel, err := dnselect.NewSelector(bootstrap, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, sel.Close())
	})
	return sel
}

// staticProber answers probes from a fixed table, counting calls. Unknown
// endpoints are unhealthy.
type staticProber struct {
	mu      sync.Mutex
	results map[string]health.Result
	calls   map[string]int
}

func newStaticProber() *staticProber {
	return &staticProber{
		results: map[string]health.Result{},
		calls:   map[string]int{},
	}
}

func (p *staticProber) set(endpoint string, state health.State, latency time.Duration) {
	p.setVerdict(endpoint, health.Verdict{State: state}, latency)
}

func (p *staticProber) setVerdict(endpoint string, verdict health.Verdict, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[endpoint] = health.Result{Endpoint: endpoint, Verdict: verdict, Latency: latency}
}

func (p *staticProber) callsTo(endpoint string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[endpoint]
}

func (p *staticProber) Probe(_ context.Context, endpoint string, _ health.Thresholds) health.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[endpoint]++
	result, ok := p.results[endpoint]
	if !ok {
		return health.Result{
			Endpoint: endpoint,
			Verdict:  health.Verdict{State: health.StateUnhealthy, Reason: health.ReasonRequest},
		}
	}
	return result
}

// changeRecorder collects change events.
type changeRecorder struct {
	mu      sync.Mutex
	changes []string
}

func recordChanges(sel *dnselect.Selector) *changeRecorder {
	rec := &changeRecorder{}
	sel.Subscribe(dnselect.EventChange, func(endpoint string) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.changes = append(rec.changes, endpoint)
	})
	return rec
}

func (r *changeRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.changes...)
}
