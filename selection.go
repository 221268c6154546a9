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
	"slices"

	"github.com/discoverynet/dnselect/health"
)

// pickHealthy returns the healthy result with the lowest latency. Ties go
// to the earliest result.
func pickHealthy(results []health.Result) (health.Result, bool) {
	if len(results) == 0 {
		return health.Result{}, false
	}
	best := results[0]
	for _, result := range results[1:] {
		if result.Latency < best.Latency {
			best = result
		}
	}
	return best, true
}

// pickBackup returns the least behind of the given behind results.
func pickBackup(results []health.Result) (health.Result, bool) {
	if len(results) == 0 {
		return health.Result{}, false
	}
	ranked := slices.Clone(results)
	slices.SortStableFunc(ranked, func(a, b health.Result) int {
		return compareBehind(a.Verdict, b.Verdict)
	})
	return ranked[0], true
}

// compareBehind orders behind verdicts from least to most behind. An
// outdated version is the mildest problem, then block lag, then slot lag.
// Among outdated versions the newest wins, then the smallest block lag.
// Otherwise the smallest lag wins.
func compareBehind(a, b health.Verdict) int {
	if c := cmp.Compare(behindRank(a.Reason), behindRank(b.Reason)); c != 0 {
		return c
	}
	if a.Reason == health.ReasonVersion {
		if c := health.CompareVersions(b.Version, a.Version); c != 0 {
			return c
		}
		return cmp.Compare(a.BlockDiff, b.BlockDiff)
	}
	return cmp.Compare(a.Lag(), b.Lag())
}

func behindRank(reason health.Reason) int {
	switch reason {
	case health.ReasonVersion:
		return 0
	case health.ReasonBlockDiff:
		return 1
	case health.ReasonSlotDiff:
		return 2
	default:
		return 3
	}
}
