/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every hotload collector. The CLI serves it with promhttp.
var Registry = prometheus.NewRegistry()

var (
	// Compile cache metrics
	compileCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hotload_compile_cache_total",
		Help: "Compile requests by cache outcome",
	}, []string{"outcome"}) // hit, pending, miss

	compileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hotload_compile_duration_seconds",
		Help:    "Duration of fetch and compile for one module",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	}, []string{"status"})

	compileCancelledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hotload_compile_cancelled_total",
		Help: "Compile jobs cancelled by invalidation",
	})

	lateResultsDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hotload_late_results_discarded_total",
		Help: "Results that completed after their job was cancelled",
	}, []string{"stage"}) // compile, execute

	// Source metrics
	sourceFetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hotload_source_fetch_duration_seconds",
		Help:    "Duration of source fetch operations",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~8s
	}, []string{"transport", "status"})

	sourceCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hotload_source_cache_total",
		Help: "Disk cache lookups by outcome",
	}, []string{"outcome"}) // hit, miss, eviction

	// Execution metrics
	executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hotload_executions_total",
		Help: "Module executions by environment and result",
	}, []string{"environment", "result"}) // ok, failed, cancelled

	liveInstances = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hotload_live_instances",
		Help: "Module instances currently registered in an environment",
	}, []string{"environment"})

	unloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hotload_unloads_total",
		Help: "Modules unloaded, including transitive dependents",
	}, []string{"environment"})

	invalidationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hotload_invalidations_total",
		Help: "Invalidation requests by origin",
	}, []string{"origin"}) // registry, environment, watch

	archetypes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hotload_archetypes",
		Help: "Archetypes created in an environment's dependency graph",
	}, []string{"environment"})

	importsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hotload_imports_total",
		Help: "Imports resolved by kind and result",
	}, []string{"kind", "result"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		compileCacheTotal,
		compileDuration,
		compileCancelledTotal,
		lateResultsDiscarded,
		sourceFetchDuration,
		sourceCacheTotal,
		executionsTotal,
		liveInstances,
		unloadsTotal,
		invalidationsTotal,
		archetypes,
		importsTotal,
	)
}

// RecordCompileLookup records how a compile request was served
// outcome: "hit", "pending", or "miss"
func RecordCompileLookup(outcome string) {
	compileCacheTotal.WithLabelValues(outcome).Inc()
}

// RecordCompile records a finished compile job
func RecordCompile(status string, durationSeconds float64) {
	compileDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordCompileCancelled records a compile job cancelled while pending
func RecordCompileCancelled() {
	compileCancelledTotal.Inc()
}

// RecordLateResult records a result dropped because its job was cancelled
func RecordLateResult(stage string) {
	lateResultsDiscarded.WithLabelValues(stage).Inc()
}

// RecordSourceFetch records a transport fetch
func RecordSourceFetch(transport, status string, durationSeconds float64) {
	sourceFetchDuration.WithLabelValues(transport, status).Observe(durationSeconds)
}

// RecordSourceCache records a disk cache lookup
// outcome: "hit", "miss", or "eviction"
func RecordSourceCache(outcome string) {
	sourceCacheTotal.WithLabelValues(outcome).Inc()
}

// RecordExecution records a settled execution job
func RecordExecution(environment, result string) {
	executionsTotal.WithLabelValues(environment, result).Inc()
}

// SetLiveInstances sets the instance gauge for an environment
func SetLiveInstances(environment string, count int) {
	liveInstances.WithLabelValues(environment).Set(float64(count))
}

// RecordUnload records modules removed by an unload batch
func RecordUnload(environment string, count int) {
	unloadsTotal.WithLabelValues(environment).Add(float64(count))
}

// RecordInvalidation records an invalidation request
func RecordInvalidation(origin string) {
	invalidationsTotal.WithLabelValues(origin).Inc()
}

// SetArchetypes sets the archetype gauge for an environment
func SetArchetypes(environment string, count int) {
	archetypes.WithLabelValues(environment).Set(float64(count))
}

// RecordImport records a resolved import
func RecordImport(kind, result string) {
	importsTotal.WithLabelValues(kind, result).Inc()
}
