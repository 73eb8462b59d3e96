// Package telemetry provides observability primitives for Courier.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the queue engine and its
// HTTP surface.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	CommandsSubmitted prometheus.Counter
	ClaimsTotal       *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec
	CommandOutcomes   *prometheus.CounterVec
	ReclaimsTotal     *prometheus.CounterVec
	RunningTasks      prometheus.Gauge
	FeedReconnects    prometheus.Counter
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "courier",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),

		CommandsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "commands_submitted_total",
			Help:      "Total commands accepted by the submission interface.",
		}),

		ClaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "claims_total",
			Help:      "Claim attempts by outcome (won, lost).",
		}, []string{"outcome"}),

		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "courier",
			Name:                            "handler_duration_seconds",
			Help:                            "Handler execution duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"namespace", "name"}),

		CommandOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "command_outcomes_total",
			Help:      "Execution outcomes (completed, retried, failed, discarded).",
		}, []string{"outcome"}),

		ReclaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "reclaims_total",
			Help:      "Stale-command reclaims by outcome (requeued, failed).",
		}, []string{"outcome"}),

		RunningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier",
			Name:      "running_tasks",
			Help:      "Number of commands currently executing in this worker.",
		}),

		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "feed_reconnects_total",
			Help:      "Total change feed resubscriptions.",
		}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "status_cache_hits_total",
			Help:      "Total status cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "status_cache_misses_total",
			Help:      "Total status cache misses.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.CommandsSubmitted,
		m.ClaimsTotal,
		m.HandlerDuration,
		m.CommandOutcomes,
		m.ReclaimsTotal,
		m.RunningTasks,
		m.FeedReconnects,
		m.CacheHits,
		m.CacheMisses,
	)

	return m
}
