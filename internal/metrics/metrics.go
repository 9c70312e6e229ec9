// Package metrics holds the process-wide Prometheus collectors. Tenant ids
// are deliberately absent from label sets.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_admissions_total",
		Help: "Rate limiter decisions by mode and result (allowed, denied, fail_open).",
	}, []string{"mode", "result"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_cache_lookups_total",
		Help: "Answer cache lookups by mode and result (exact, fuzzy, miss, corrupt).",
	}, []string{"mode", "result"})

	CacheSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "governor_cache_swept_total",
		Help: "Cache entries removed by the expiry sweep.",
	})

	PredictedCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_predicted_cost_total",
		Help: "Sum of predicted cost for admitted queries.",
	}, []string{"mode"})

	ModeSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_mode_selections_total",
		Help: "Mode selector outcomes by chosen mode and source (override, complexity, history, default).",
	}, []string{"mode", "source"})

	QualityOverall = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "governor_quality_overall",
		Help:    "Overall quality score of graded answers.",
		Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
	}, []string{"mode"})

	CompletionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "governor_completion_latency_seconds",
		Help:    "Latency reported with recorded outcomes.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"mode", "from_cache"})
)
