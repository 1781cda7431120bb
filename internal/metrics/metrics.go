package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meterd"

var (
	// LedgerWritesTotal counts ledger writes by operation and outcome
	// (applied, replayed, insufficient, error).
	LedgerWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "writes_total",
		Help:      "Total ledger writes by operation and outcome.",
	}, []string{"op", "outcome"})

	// LedgerWriteDuration tracks lock wait plus transaction time per write.
	LedgerWriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "write_duration_seconds",
		Help:      "Ledger write duration in seconds, including per-license lock wait.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	// HoursTotal sums hours moved through the ledger by direction and reason.
	HoursTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "hours_total",
		Help:      "Hours credited or debited by reason.",
	}, []string{"direction", "reason"})

	// GatewayDecisionsTotal counts access decisions.
	GatewayDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "decisions_total",
		Help:      "Access control decisions by outcome.",
	}, []string{"decision"})

	// CacheRequestsTotal counts balance cache lookups by result (hit, miss, error).
	CacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Balance cache lookups by result.",
	}, []string{"result"})

	// CacheInvalidationsTotal counts write-driven invalidations.
	CacheInvalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Balance cache entries invalidated by ledger writes.",
	})

	// SessionsActive tracks live usage sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "active",
		Help:      "Number of active usage sessions.",
	})

	// SessionEventsTotal counts session lifecycle transitions.
	SessionEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "events_total",
		Help:      "Usage session lifecycle events (started, closed, expired, superseded, exhausted).",
	}, []string{"event"})

	// SessionFlushesTotal counts flush attempts by outcome (ok, exhausted, error).
	SessionFlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "flushes_total",
		Help:      "Usage flushes into the ledger by outcome.",
	}, []string{"outcome"})

	// WebhookRequestsTotal counts payment webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payments",
		Name:      "webhook_requests_total",
		Help:      "Total payment webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks payment webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "payments",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// PaymentEventsTotal counts reconciliation outcomes.
	PaymentEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payments",
		Name:      "events_total",
		Help:      "Payment events by outcome (applied, duplicate, rejected, invalid_signature, ignored).",
	}, []string{"outcome"})

	// PushSubscribers tracks open balance stream connections.
	PushSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "subscribers",
		Help:      "Open balance stream connections.",
	})

	// HTTPRequestsTotal counts requests by route pattern, method and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})

	// HTTPRequestDuration tracks request latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)
