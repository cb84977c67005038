// Copyright Project Mailsieve Authors
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

// Package metrics provides Prometheus metrics for the scan engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailsieve/mailsieve/internal/build"
)

// Metrics provide Prometheus metrics for the app.
type Metrics struct {
	buildInfoGauge *prometheus.GaugeVec

	tasksProcessedTotal   *prometheus.CounterVec
	taskDurationSummary   prometheus.Summary
	symbolDurationSummary *prometheus.SummaryVec
	symbolsRegistered     prometheus.Gauge
	cacheSaveGauge        prometheus.Gauge
	cacheOrderGeneration  prometheus.Gauge
}

const (
	BuildInfoGauge = "mailsieve_build_info"

	TasksProcessedTotal    = "mailsieve_tasks_processed_total"
	taskDurationSummary    = "mailsieve_task_duration_seconds"
	symbolDurationSummary  = "mailsieve_symbol_duration_seconds"
	SymbolsRegisteredGauge = "mailsieve_symbols_registered"
	CacheSaveGauge         = "mailsieve_cache_save_timestamp"
	CacheOrderGeneration   = "mailsieve_cache_order_generation"
)

// NewMetrics creates a new set of metrics and registers them with
// the supplied registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := Metrics{
		buildInfoGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: BuildInfoGauge,
				Help: "Build information for mailsieve. Labels include the branch and git SHA that mailsieve was built from, and the mailsieve version.",
			},
			[]string{"branch", "revision", "version"},
		),
		tasksProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: TasksProcessedTotal,
				Help: "Total number of tasks processed by terminal action.",
			},
			[]string{"action"},
		),
		taskDurationSummary: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       taskDurationSummary,
			Help:       "Summary of the runtime of one task through the pipeline.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
		symbolDurationSummary: prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Name:       symbolDurationSummary,
				Help:       "Summary of the runtime of individual symbol callbacks.",
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			},
			[]string{"symbol"},
		),
		symbolsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: SymbolsRegisteredGauge,
			Help: "Number of symbols registered in the cache.",
		}),
		cacheSaveGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: CacheSaveGauge,
			Help: "Timestamp of the last symbol statistics snapshot.",
		}),
		cacheOrderGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: CacheOrderGeneration,
			Help: "Generation counter of the symbol execution order.",
		}),
	}
	m.buildInfoGauge.WithLabelValues(build.Branch, build.Sha, build.Version).Set(1)
	m.register(registry)
	return &m
}

// register registers the Metrics with the supplied registry.
func (m *Metrics) register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.buildInfoGauge,
		m.tasksProcessedTotal,
		m.taskDurationSummary,
		m.symbolDurationSummary,
		m.symbolsRegistered,
		m.cacheSaveGauge,
		m.cacheOrderGeneration,
	)
}

// ObserveTask records one completed task with its terminal action and
// total duration.
func (m *Metrics) ObserveTask(action string, d time.Duration) {
	m.tasksProcessedTotal.WithLabelValues(action).Inc()
	m.taskDurationSummary.Observe(d.Seconds())
}

// ObserveSymbol records the runtime of one symbol callback.
func (m *Metrics) ObserveSymbol(symbol string, d time.Duration) {
	m.symbolDurationSummary.WithLabelValues(symbol).Observe(d.Seconds())
}

// SetSymbolsRegistered records the size of the symbol cache.
func (m *Metrics) SetSymbolsRegistered(n int) {
	m.symbolsRegistered.Set(float64(n))
}

// SetCacheLastSaved records the last time symbol statistics were
// snapshotted.
func (m *Metrics) SetCacheLastSaved(ts time.Time) {
	m.cacheSaveGauge.Set(float64(ts.Unix()))
}

// SetCacheOrderGeneration records the current execution order
// generation.
func (m *Metrics) SetCacheOrderGeneration(gen uint64) {
	m.cacheOrderGeneration.Set(float64(gen))
}

// Handler returns a http Handler for a metrics endpoint.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
