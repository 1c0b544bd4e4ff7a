// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rent_http_requests_total",
		Help: "HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rent_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	GatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rent_gateway_calls_total",
		Help: "Outbound gateway calls by provider, operation and outcome.",
	}, []string{"provider", "operation", "outcome"})

	GatewayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rent_gateway_call_duration_seconds",
		Help:    "Outbound gateway call latency.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider", "operation"})

	Webhooks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rent_webhooks_total",
		Help: "Inbound gateway callbacks by provider and result.",
	}, []string{"provider", "result"})

	PaymentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rent_payment_transitions_total",
		Help: "Payment status transitions by target status and source.",
	}, []string{"status", "source"})

	WalletOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rent_wallet_operations_total",
		Help: "Wallet ledger operations by type and result.",
	}, []string{"type", "result"})

	WorkerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rent_worker_runs_total",
		Help: "Background reconciliation passes by task and result.",
	}, []string{"task", "result"})
)

// ObserveGatewayCall records one outbound call.
func ObserveGatewayCall(provider, op, outcome string, took time.Duration) {
	GatewayCalls.WithLabelValues(provider, op, outcome).Inc()
	GatewayDuration.WithLabelValues(provider, op).Observe(took.Seconds())
}

// Middleware records request counts and latency per matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}
