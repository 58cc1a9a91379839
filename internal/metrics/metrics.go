// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Inbound client actions
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorchat_actions_total",
			Help: "Client actions handled by the session router",
		},
		[]string{"action", "outcome"}, // outcome: "ok" | "rejected" | "error"
	)

	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tutorchat_connections_active",
			Help: "WebSocket connections held by this instance",
		},
	)

	// Push fan-out
	PushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorchat_pushes_total",
			Help: "Pushes to connections by outcome",
		},
		[]string{"outcome"}, // "delivered" | "failed" | "gone"
	)

	EvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tutorchat_evictions_total",
			Help: "Connections evicted after the push channel reported them gone",
		},
	)

	// Processing queue
	EnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tutorchat_queue_enqueued_total",
			Help: "Messages enqueued for processing",
		},
	)

	RequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tutorchat_queue_requeued_total",
			Help: "Messages republished after a processing failure",
		},
	)

	DeadLetteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tutorchat_queue_dead_lettered_total",
			Help: "Messages moved to the dead-letter sink",
		},
	)

	ProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorchat_queue_processed_total",
			Help: "Messages handled by the worker",
		},
		[]string{"outcome"}, // "ok" | "duplicate" | "failed"
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tutorchat_processing_duration_seconds",
			Help:    "Time from receive to delivery for one message",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// Response quality filter
	FilterReasonsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorchat_filter_reasons_total",
			Help: "Filter stages that modified a response",
		},
		[]string{"reason"},
	)

	// Rate limiting
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorchat_rate_limit_hits_total",
			Help: "Actions rejected by the rate limiter",
		},
		[]string{"scope"},
	)
)
