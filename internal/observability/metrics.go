package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "carpool"

var (
	ExpirySweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "expiry_sweeps_total", Help: "Expiry sweeps run, by outcome"},
		[]string{"outcome"},
	)
	ExpiryExamined       = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "expiry_examined_total", Help: "Pending confirmations examined by expiry sweeps"})
	ConfirmationsExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "confirmations_expired_total", Help: "Pending confirmations force-rejected by expiry"})
	ExpirySweepDuration  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "expiry_sweep_duration_seconds", Help: "Expiry sweep latency seconds"})
	RecordsDeactivated   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "records_deactivated_total", Help: "Requests and preferences deactivated by cleanup"},
		[]string{"table"},
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "status_transitions_total", Help: "Confirmation status transitions applied"},
		[]string{"from", "to", "source"},
	)
	LostRaces = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cas_conflicts_total", Help: "Conditional writes that matched no row"},
		[]string{"source"},
	)

	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total number of matches"},
		[]string{"kind"},
	)
	MatchesDeduplicated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_deduplicated_total", Help: "Matches skipped because the ledger already held them"})
	MatchLatency        = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds"})

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notifications persisted, by action"},
		[]string{"action"},
	)
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "deliveries_total", Help: "Notification delivery attempts, by outcome"},
		[]string{"outcome"},
	)
	DispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "dispatch_queue_depth", Help: "Notifications waiting for delivery"})

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "retries_total", Help: "Retried operations"},
		[]string{"op"},
	)
	RetriesExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "retries_exhausted_total", Help: "Operations that failed after the full retry budget"},
		[]string{"op"},
	)

	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_consumed_total", Help: "Ingest events consumed, by outcome"},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
