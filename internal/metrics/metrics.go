// Package metrics declares the Prometheus instruments exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AvatarCacheResults counts avatar cache lookups by outcome
	// (fresh, fetched, refreshed, stale_fallback, miss_failed).
	AvatarCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifybridge_avatar_cache_results_total",
			Help: "Avatar cache lookups by outcome",
		},
		[]string{"result"},
	)

	AvatarDownloadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notifybridge_avatar_download_bytes",
			Help:    "Size of avatar images downloaded from the CDN",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	// StrategyOutcomes counts strategy evaluations per chain.
	StrategyOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifybridge_strategy_outcomes_total",
			Help: "Resolution strategy evaluations by chain, strategy and outcome",
		},
		[]string{"chain", "strategy", "outcome"},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifybridge_provider_requests_total",
			Help: "Identity provider requests by operation and result",
		},
		[]string{"operation", "result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifybridge_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	PreferenceWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifybridge_preference_writes_total",
			Help: "User record writes by reason",
		},
		[]string{"reason"},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notifybridge_pipeline_duration_seconds",
			Help:    "Wall-clock duration of notification processing",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PipelineResults counts processed notifications by completeness (complete, partial).
	PipelineResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifybridge_pipeline_results_total",
			Help: "Processed notifications by completeness",
		},
		[]string{"result"},
	)
)
