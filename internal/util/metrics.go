package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created by the order writer",
	})

	DuplicateFinalizeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_finalize_total",
		Help: "Finalize calls answered with an already existing order",
	})

	SideEffectFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_side_effect_failures_total",
		Help: "Swallowed failures of order side effects",
	}, []string{"effect"})

	GatewayVerifyAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_verify_attempts_total",
		Help: "Gateway verification calls by outcome",
	}, []string{"outcome"})

	GatewayVerifyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_verify_latency_seconds",
		Help:    "Latency of gateway verification calls",
		Buckets: prometheus.DefBuckets,
	})

	VerificationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_verification_failures_total",
		Help: "Payment verifications that did not produce an order",
	}, []string{"reason"})

	AmountMismatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_amount_mismatch_total",
		Help: "Verified payments whose amount disagreed with the order total",
	})

	ReconciliationRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciliation_runs_total",
		Help: "Total number of reconciliation sweeps",
	})

	ReconciliationIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliation_issues_total",
		Help: "Issues found by the reconciliation sweep",
	}, []string{"kind"})

	ReconciliationRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliation_repairs_total",
		Help: "Repairs applied by the reconciliation sweep",
	}, []string{"action"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
