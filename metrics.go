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
	"github.com/discoverynet/dnselect/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "dnselect"

// Reselection triggers, used as the "trigger" label.
const (
	triggerConfig    = "config"
	triggerTelemetry = "telemetry"
	triggerStatus    = "status"
	triggerError     = "error"
)

type metrics struct {
	rounds        prometheus.Counter
	probes        *prometheus.CounterVec
	probeDuration prometheus.Histogram
	reselections  *prometheus.CounterVec
	behind        prometheus.Gauge
}

// newMetrics creates the selector's collectors and registers them with the
// given registerer. A nil registerer leaves them unregistered.
func newMetrics(registerer prometheus.Registerer) *metrics {
	factory := promauto.With(registerer)
	return &metrics{
		rounds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "selection_rounds_total",
			Help:      "Number of selection rounds run.",
		}),
		probes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "probes_total",
			Help:      "Number of health checks performed, by verdict.",
		}, []string{"verdict"}),
		probeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "probe_duration_seconds",
			Help:      "Latency of health checks.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		reselections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reselections_total",
			Help:      "Number of selection rounds forced by something other than a missing selection, by trigger.",
		}, []string{"trigger"}),
		behind: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "selection_behind",
			Help:      "Whether the selected endpoint is a behind backup (1) or healthy (0).",
		}),
	}
}

func (m *metrics) observeProbe(result health.Result) {
	m.probes.WithLabelValues(result.Verdict.State.String()).Inc()
	m.probeDuration.Observe(result.Latency.Seconds())
}

func (m *metrics) setBehind(behind bool) {
	if behind {
		m.behind.Set(1)
		return
	}
	m.behind.Set(0)
}
