package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "x402"

var (
	// Evidence ingestion
	EvidenceIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evidence",
		Name:      "ingested_total",
		Help:      "Evidence snapshots accepted, by stage",
	}, []string{"stage"})

	EvidenceDeduplicatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evidence",
		Name:      "deduplicated_total",
		Help:      "Evidence snapshots dropped as duplicates of an existing idempotency key",
	}, []string{"stage"})

	EvidenceRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evidence",
		Name:      "rejected_total",
		Help:      "Evidence snapshots rejected before persistence",
	}, []string{"reason"})

	// Records
	RecordTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "record",
		Name:      "transitions_total",
		Help:      "Lifecycle transitions applied to canonical records",
	}, []string{"from", "to"})

	// Verification
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "verifier",
		Name:      "verifications_total",
		Help:      "Verification attempts, by mode and outcome",
	}, []string{"mode", "outcome"})

	VerificationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "verifier",
		Name:      "duration_seconds",
		Help:      "Verification duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"mode"})

	VerificationCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "verifier",
		Name:      "cache_hits_total",
		Help:      "Verification results served from cache",
	})

	ConfidenceScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "verifier",
		Name:      "confidence",
		Help:      "Final confidence after scoring",
		Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "verifier",
		Name:      "queue_depth",
		Help:      "Verification tasks by state",
	}, []string{"state"})

	// RPC pool
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "RPC calls by endpoint, method and status class",
	}, []string{"endpoint", "method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Times a call waited on the endpoint rate limiter",
	}, []string{"endpoint"})

	RPCEndpointFailureRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "endpoint_failure_rate",
		Help:      "Trailing failure rate per endpoint",
	}, []string{"endpoint"})

	RPCEndpointEnabled = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "endpoint_enabled",
		Help:      "1 when the endpoint is eligible for selection",
	}, []string{"endpoint"})

	RPCBreakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "breaker_trips_total",
		Help:      "Times an endpoint was disabled",
	}, []string{"endpoint"})

	RPCExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "exhausted_total",
		Help:      "Calls that failed because no endpoint was available",
	})

	RPCProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "probes_total",
		Help:      "Health probes of disabled endpoints",
	}, []string{"endpoint", "result"})

	// Audit
	AuditAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "audit",
		Name:      "appends_total",
		Help:      "Audit entries written, by operation",
	}, []string{"operation"})

	AuditFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "audit",
		Name:      "failures_total",
		Help:      "Audit writes that failed",
	})

	// Gap analysis
	GapRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gap",
		Name:      "rate",
		Help:      "Share of on-chain transfers without a captured record",
	}, []string{"wallet"})

	GapSuspiciousTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gap",
		Name:      "suspicious_expenses_total",
		Help:      "Suspicious expenses found",
	}, []string{"wallet"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alerts delivered, by channel",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by cooldown, by channel",
	}, []string{"channel", "type"})

	// Admin API
	AdminThrottledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admin",
		Name:      "throttled_total",
		Help:      "Admin API requests rejected by the rate limiter, by route",
	}, []string{"route"})

	// Database pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "pool_open_connections",
		Help:      "Open database connections",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "pool_in_use",
		Help:      "Database connections in use",
	})

	DBPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "pool_wait_count",
		Help:      "Total connections waited for",
	})
)
