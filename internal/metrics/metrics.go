// Package metrics holds the Prometheus instruments exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reconciler
	FactsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bbb_monitor_facts_applied_total",
			Help: "Facts applied to the session registry by kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: created, mutated, noop
	)

	FactErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bbb_monitor_fact_errors_total",
			Help: "Facts rejected or failed by kind and error class",
		},
		[]string{"kind", "class"}, // class: validation, storage
	)

	// Webhook intake
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bbb_monitor_webhook_requests_total",
			Help: "Inbound webhook deliveries by result",
		},
		[]string{"result"}, // processed, duplicate, dropped, forbidden, unauthorized, bad_request, unavailable
	)

	EventsReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bbb_monitor_events_replayed_total",
			Help: "Unprocessed webhook events re-applied by result",
		},
		[]string{"result"},
	)

	// Poller
	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bbb_monitor_poll_cycles_total",
			Help: "Poll cycles by result",
		},
		[]string{"result"}, // completed, skipped, failed
	)

	PollSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bbb_monitor_poll_sessions_total",
			Help: "Per-session poll results",
		},
		[]string{"result"}, // updated, ended, unchanged, failed
	)

	PollCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bbb_monitor_poll_cycle_duration_seconds",
			Help:    "Duration of a full poll cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bbb_monitor_active_sessions",
			Help: "Active sessions seen at the start of the last poll cycle",
		},
	)

	// BBB API client
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bbb_monitor_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bbb_monitor_upstream_requests_total",
			Help: "BBB API calls by result",
		},
		[]string{"call", "result"},
	)

	// Housekeeping
	RetentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bbb_monitor_retention_deleted_total",
			Help: "Rows removed by retention cleanup",
		},
		[]string{"kind"}, // sessions, webhook_events
	)

	AlertsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bbb_monitor_alerts_enqueued_total",
			Help: "Participant threshold alerts enqueued for delivery",
		},
	)

	LiveClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bbb_monitor_live_clients",
			Help: "Connected dashboard WebSocket clients",
		},
	)
)
