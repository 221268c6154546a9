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

package registry

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/discoverynet/dnselect/health"
	"github.com/discoverynet/dnselect/internal"
)

// Node identifies a discovery node and who runs it. The owner and operator
// are only used to select nodes run by distinct parties.
type Node struct {
	Endpoint   string `json:"endpoint"`
	OperatorID string `json:"delegateOwnerWallet"`
	OwnerID    string `json:"ownerWallet"`
}

// Backup is a node that was found to be behind but is still usable.
type Backup struct {
	Endpoint  string
	Verdict   health.Verdict
	ExpiresAt time.Time
}

// Update replaces the allowlist and/or the blocklist of a registry. Nil
// fields are left unchanged. Note that a non-nil, empty Allowlist makes no
// node eligible; use ClearAllowlist to remove the allowlist.
type Update struct {
	Allowlist      []string
	ClearAllowlist bool
	Blocklist      []string
}

// Option customizes a Registry.
type Option interface {
	apply(*Registry)
}

// WithClock configures the clock used to compute cache expiry.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(r *Registry) {
		r.clock = clock
	})
}

// WithAllowlist restricts eligible nodes to the given endpoints.
func WithAllowlist(endpoints ...string) Option {
	return optionFunc(func(r *Registry) {
		r.allowlist = toSet(endpoints)
	})
}

// WithBlocklist excludes the given endpoints.
func WithBlocklist(endpoints ...string) Option {
	return optionFunc(func(r *Registry) {
		r.blocklist = toSet(endpoints)
	})
}

// Registry holds the set of known discovery nodes and the exclusion caches.
// It is safe for concurrent use.
type Registry struct {
	clock internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	bootstrap []Node
	// +checklocks:mu
	learned []Node
	// +checklocks:mu
	known map[string]struct{}
	// +checklocks:mu
	allowlist map[string]struct{}
	// +checklocks:mu
	blocklist map[string]struct{}
	// +checklocks:mu
	unhealthy map[string]time.Time
	// +checklocks:mu
	backups map[string]Backup
}

// New returns a registry seeded with the given bootstrap nodes. Duplicate
// endpoints are ignored after their first occurrence.
func New(bootstrap []Node, opts ...Option) *Registry {
	reg := &Registry{
		clock:     internal.NewRealClock(),
		known:     map[string]struct{}{},
		blocklist: map[string]struct{}{},
		unhealthy: map[string]time.Time{},
		backups:   map[string]Backup{},
	}
	for _, opt := range opts {
		opt.apply(reg)
	}
	for _, node := range bootstrap {
		if _, ok := reg.known[node.Endpoint]; ok || node.Endpoint == "" {
			continue
		}
		reg.known[node.Endpoint] = struct{}{}
		reg.bootstrap = append(reg.bootstrap, node)
	}
	return reg
}

// EligibleCandidates returns the nodes that may currently be probed, in
// bootstrap order followed by the order peers were learned. A node is
// eligible if it is known, not blocklisted, not cached as unhealthy, and
// allowlisted when an allowlist is configured.
//
// Expired cache entries are evicted as a side effect.
func (r *Registry) EligibleCandidates() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictExpiredLocked()
	candidates := make([]Node, 0, len(r.bootstrap)+len(r.learned))
	for _, nodes := range [][]Node{r.bootstrap, r.learned} {
		for _, node := range nodes {
			if !r.isUsableLocked(node.Endpoint) {
				continue
			}
			if _, ok := r.unhealthy[node.Endpoint]; ok {
				continue
			}
			candidates = append(candidates, node)
		}
	}
	return candidates
}

// IsUsable reports whether the given endpoint passes the allowlist and the
// blocklist. It does not consult the health caches, so it can be used to
// vet an endpoint that was never probed.
func (r *Registry) IsUsable(endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isUsableLocked(endpoint)
}

// IsBlocked reports whether the given endpoint is blocklisted.
func (r *Registry) IsBlocked(endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, blocked := r.blocklist[endpoint]
	return blocked
}

// RecordPeers merges nodes learned from other nodes. Endpoints that are
// already known are ignored, so recording the same peers twice is a no-op.
// It returns the number of newly learned nodes.
func (r *Registry) RecordPeers(nodes []Node) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var added int
	for _, node := range nodes {
		if node.Endpoint == "" {
			continue
		}
		if _, ok := r.known[node.Endpoint]; ok {
			continue
		}
		r.known[node.Endpoint] = struct{}{}
		r.learned = append(r.learned, node)
		added++
	}
	return added
}

// MarkUnhealthy excludes the given endpoint until ttl has elapsed. Marking
// an endpoint that is already excluded refreshes its expiry. A non-positive
// ttl excludes nothing.
func (r *Registry) MarkUnhealthy(endpoint string, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ttl <= 0 {
		delete(r.unhealthy, endpoint)
		return
	}
	r.unhealthy[endpoint] = r.clock.Now().Add(ttl)
}

// MarkBackup remembers the given endpoint as behind, with the verdict that
// said so, until ttl has elapsed.
func (r *Registry) MarkBackup(endpoint string, verdict health.Verdict, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ttl <= 0 {
		delete(r.backups, endpoint)
		return
	}
	r.backups[endpoint] = Backup{
		Endpoint:  endpoint,
		Verdict:   verdict,
		ExpiresAt: r.clock.Now().Add(ttl),
	}
}

// Backups returns the unexpired backups that are still usable per the
// allowlist and blocklist. Expired cache entries are evicted as a side
// effect.
func (r *Registry) Backups() []Backup {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictExpiredLocked()
	backups := make([]Backup, 0, len(r.backups))
	for _, backup := range r.backups {
		if r.isUsableLocked(backup.Endpoint) {
			backups = append(backups, backup)
		}
	}
	slices.SortFunc(backups, func(a, b Backup) int {
		return strings.Compare(a.Endpoint, b.Endpoint)
	})
	return backups
}

// Nodes returns every known node, eligible or not.
func (r *Registry) Nodes() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes := make([]Node, 0, len(r.bootstrap)+len(r.learned))
	nodes = append(nodes, r.bootstrap...)
	return append(nodes, r.learned...)
}

// UpdateConfig replaces the allowlist and/or blocklist. It has no other
// effect: callers decide whether the change warrants a new selection.
func (r *Registry) UpdateConfig(update Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case update.ClearAllowlist:
		r.allowlist = nil
	case update.Allowlist != nil:
		r.allowlist = toSet(update.Allowlist)
	}
	if update.Blocklist != nil {
		r.blocklist = toSet(update.Blocklist)
	}
}

// +checklocks:r.mu
func (r *Registry) isUsableLocked(endpoint string) bool {
	if _, blocked := r.blocklist[endpoint]; blocked {
		return false
	}
	if r.allowlist != nil {
		_, allowed := r.allowlist[endpoint]
		return allowed
	}
	return true
}

// +checklocks:r.mu
func (r *Registry) evictExpiredLocked() {
	now := r.clock.Now()
	for endpoint, expiresAt := range r.unhealthy {
		if !now.Before(expiresAt) {
			delete(r.unhealthy, endpoint)
		}
	}
	for endpoint, backup := range r.backups {
		if !now.Before(backup.ExpiresAt) {
			delete(r.backups, endpoint)
		}
	}
}

func toSet(endpoints []string) map[string]struct{} {
	set := make(map[string]struct{}, len(endpoints))
	for _, endpoint := range endpoints {
		set[endpoint] = struct{}{}
	}
	return set
}

type optionFunc func(*Registry)

func (f optionFunc) apply(r *Registry) {
	f(r)
}
