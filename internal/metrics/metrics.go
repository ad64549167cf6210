// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus metrics for the run manager.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records run manager metrics.
type Collector struct {
	registry *prometheus.Registry

	runsSubmitted prometheus.Counter
	runsCompleted *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	runningRuns   prometheus.Gauge
}

// New creates a new collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		runsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sprocket_runs_submitted_total",
			Help: "Total number of runs accepted for execution.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sprocket_runs_completed_total",
			Help: "Total number of runs that reached a terminal state, by status.",
		}, []string{"status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sprocket_queue_depth",
			Help: "Number of runs waiting for a concurrency permit.",
		}),
		runningRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sprocket_running_runs",
			Help: "Number of runs currently executing.",
		}),
	}

	c.registry.MustRegister(c.runsSubmitted, c.runsCompleted, c.queueDepth, c.runningRuns)
	return c
}

// RecordSubmitted records an accepted submission.
func (c *Collector) RecordSubmitted() {
	c.runsSubmitted.Inc()
	c.queueDepth.Inc()
}

// RecordStarted records a run's promotion to running.
func (c *Collector) RecordStarted() {
	c.queueDepth.Dec()
	c.runningRuns.Inc()
}

// RecordFinished records a run reaching a terminal state. started
// reports whether the run was ever promoted to running.
func (c *Collector) RecordFinished(status string, started bool) {
	if started {
		c.runningRuns.Dec()
	} else {
		c.queueDepth.Dec()
	}
	c.runsCompleted.WithLabelValues(status).Inc()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
