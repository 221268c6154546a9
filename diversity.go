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
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/discoverynet/dnselect/health"
	"go.uber.org/zap"
)

// GetUniquelyOwnedEndpoints returns n healthy endpoints, no two of which
// share an owner, fastest first. Every eligible node is probed; the
// outcome does not affect the current selection.
//
// If fewer than n nodes are healthy, the error wraps
// ErrNotEnoughHealthyNodes. If enough are healthy but they have fewer than n
// distinct owners, it wraps ErrNotEnoughUniqueOwners. Nodes whose owner is
// unknown count as sharing a single owner.
func (s *Selector) GetUniquelyOwnedEndpoints(ctx context.Context, n int) ([]string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSelectorClosed
	}
	thresholds := s.thresholds
	s.mu.Unlock()
	if n <= 0 {
		return []string{}, nil
	}

	candidates := s.registry.EligibleCandidates()
	results := s.probeAll(ctx, candidates, thresholds)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	healthy := make([]ownedResult, 0, len(results))
	for i, result := range results {
		if result.Verdict.State == health.StateHealthy {
			healthy = append(healthy, ownedResult{owner: candidates[i].OwnerID, result: result})
		}
	}
	if len(healthy) < n {
		return nil, fmt.Errorf("%w: found %d of %d", ErrNotEnoughHealthyNodes, len(healthy), n)
	}
	picked := pickUniquelyOwned(healthy, n)
	if len(picked) < n {
		return nil, fmt.Errorf("%w: found %d of %d", ErrNotEnoughUniqueOwners, len(picked), n)
	}
	s.logger.Debug("selected uniquely owned discovery nodes", zap.Strings("endpoints", picked))
	return picked, nil
}

type ownedResult struct {
	owner  string
	result health.Result
}

// pickUniquelyOwned returns up to n endpoints, fastest first, taking at
// most one per owner.
func pickUniquelyOwned(healthy []ownedResult, n int) []string {
	ranked := slices.Clone(healthy)
	slices.SortStableFunc(ranked, func(a, b ownedResult) int {
		return cmp.Compare(a.result.Latency, b.result.Latency)
	})
	owners := make(map[string]struct{}, n)
	picked := make([]string, 0, n)
	for _, candidate := range ranked {
		if len(picked) == n {
			break
		}
		if _, ok := owners[candidate.owner]; ok {
			continue
		}
		owners[candidate.owner] = struct{}{}
		picked = append(picked, candidate.result.Endpoint)
	}
	return picked
}
