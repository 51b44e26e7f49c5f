// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "execbox"

// 10ms -> 5min
var durationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of execution requests by language and result kind",
		},
		[]string{"language", "result"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Execution duration in seconds",
			Buckets:   durationBuckets,
		},
		[]string{"language", "phase"}, // phase: "image", "run", "total"
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_cache_lookups_total",
			Help:      "Image cache lookups by outcome (hit, built, awaited, failed)",
		},
		[]string{"outcome"},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "image_cache_entries",
			Help:      "Number of images tracked by the cache",
		},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_cache_evictions_total",
			Help:      "Total number of images evicted from the cache",
		},
	)

	ImageBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "image_build_duration_seconds",
			Help:      "Image build duration in seconds",
			Buckets:   durationBuckets,
		},
	)

	ContainerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "container_runs_total",
			Help:      "Container runs by termination (exited, timeout, oom, error)",
		},
		[]string{"termination"},
	)

	ActiveContainers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_containers",
			Help:      "Number of containers currently running",
		},
	)
)
