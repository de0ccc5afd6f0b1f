// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_runs_completed_total",
			Help: "Total number of pipeline runs by terminal outcome",
		},
		[]string{"outcome"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voice_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 12},
		},
		[]string{"stage"},
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_provider_calls_total",
			Help: "Outbound provider calls by provider, service and outcome",
		},
		[]string{"provider", "service", "outcome"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voice_provider_call_duration_seconds",
			Help:    "Duration of provider calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		},
		[]string{"provider", "service"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_rate_limit_denials_total",
			Help: "Rate limiter denials by scope (provider budget vs tenant ceiling)",
		},
		[]string{"scope"},
	)

	OfflineQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voice_offline_queue_depth",
			Help: "Pending offline queue entries per tenant",
		},
		[]string{"tenant"},
	)

	QualitySamplesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voice_quality_samples_dropped_total",
			Help: "Quality samples dropped because the monitor buffer was full",
		},
	)
)
