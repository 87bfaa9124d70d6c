package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VerificationsTotal tracks verification outcomes by channel and reason
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardgate_verifications_total",
		Help: "Total number of credential verifications processed",
	}, []string{"channel", "result", "reason"})

	// VerifyDuration tracks end-to-end verification time
	VerifyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cardgate_verify_duration_seconds",
		Help:    "Histogram of verification processing duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})

	// LockWaitDuration tracks time spent waiting for a per-card lock
	LockWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cardgate_lock_wait_seconds",
		Help:    "Histogram of time spent acquiring the per-card lock",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 3},
	})

	// AttestationsTotal tracks challenge issuance and attestation outcomes
	AttestationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardgate_attestations_total",
		Help: "Total number of reader attestation operations",
	}, []string{"operation", "result"})

	// AuditFailures counts audit events that could not be persisted
	AuditFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cardgate_audit_failures_total",
		Help: "Total number of audit events that failed to persist",
	})

	// CardsIssued tracks issued cards by role
	CardsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardgate_cards_issued_total",
		Help: "Total number of cards issued",
	}, []string{"role"})

	// StoreRetries counts retried credential store calls
	StoreRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardgate_store_retries_total",
		Help: "Total number of retried credential store operations",
	}, []string{"operation"})

	// DBConnectionsActive tracks open database connections
	DBConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cardgate_db_connections_active",
		Help: "Number of active database connections",
	})

	// RateLimited counts requests rejected by the per-IP limiter
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardgate_rate_limited_total",
		Help: "Total number of requests rejected by rate limiting",
	}, []string{"route"})

	// DependencyUp reports the last check result per backend dependency
	DependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cardgate_dependency_up",
		Help: "Whether the last health check of a backend dependency succeeded",
	}, []string{"dependency"})

	// Ready reports whether the node is in rotation
	Ready = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cardgate_ready",
		Help: "Whether all backend dependencies passed their last health check",
	})
)
