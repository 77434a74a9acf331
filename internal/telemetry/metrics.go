package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentsInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_initiated_total",
		Help: "Payment initiations by immediate outcome",
	}, []string{"outcome"})

	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_state_transitions_total",
		Help: "Committed transaction status transitions",
	}, []string{"from", "to"})

	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_webhooks_total",
		Help: "Gateway notifications by reconciliation outcome",
	}, []string{"outcome"})

	EntitlementPending = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_entitlement_pending_total",
		Help: "Successful transactions whose entitlement write failed and awaits repair",
	})

	EntitlementRepaired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_entitlement_repaired_total",
		Help: "Entitlements applied by repair after an earlier failure",
	})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payments_gateway_request_duration_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "result"})

	SweepResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_sweep_transactions_total",
		Help: "Transactions handled by the background sweep",
	}, []string{"result"})

	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
