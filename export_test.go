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
	"github.com/discoverynet/dnselect/internal"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// WithClock sets the clock used to expire cached health results.
func WithClock(clock internal.Clock) Option {
	return withClock(clock)
}

// RoundsTotal returns how many selection rounds s has run.
func RoundsTotal(s *Selector) float64 {
	return testutil.ToFloat64(s.metrics.rounds)
}

// ReselectionsTotal returns how many rounds were forced by the given trigger.
func ReselectionsTotal(s *Selector, trigger string) float64 {
	return testutil.ToFloat64(s.metrics.reselections.WithLabelValues(trigger))
}

// BehindGauge returns the value of the selection_behind gauge.
func BehindGauge(s *Selector) float64 {
	return testutil.ToFloat64(s.metrics.behind)
}
