// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tontine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	ResponseTimeHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tontine_http_response_time_seconds",
			Help:    "Histogram of response times",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// SettlementsTotal counts settlement notifications by outcome:
	// settled, duplicate, ignored, flagged, rejected, not_found, invalid.
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tontine_settlements_total",
			Help: "Settlement notifications processed, by outcome",
		},
		[]string{"outcome"},
	)

	CyclesCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tontine_cycles_completed_total",
			Help: "Cycles that reached completion and produced a payout",
		},
	)

	CyclesFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tontine_cycles_failed_total",
			Help: "Cycles that failed an integrity check during completion",
		},
	)

	PayoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tontine_payouts_total",
			Help: "Payout disbursement results, by status",
		},
		[]string{"status"},
	)

	// PayoutAlerts is the operator alert signal: a payout needs manual attention.
	PayoutAlerts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tontine_payout_alerts_total",
			Help: "Payouts left in failed state awaiting operator action",
		},
	)

	LockWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tontine_group_lock_wait_seconds",
			Help:    "Time spent waiting for the per-group completion lock",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tontine_events_dropped_total",
			Help: "Domain events dropped because the outbound queue was full",
		},
		[]string{"type"},
	)

	AuditFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tontine_audit_write_failures_total",
			Help: "Audit entries that could not be persisted",
		},
	)
)
