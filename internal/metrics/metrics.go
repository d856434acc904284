// Package metrics provides Prometheus instrumentation for the escrow service.
package metrics

import (
	"database/sql"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradehold"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrdersCreatedTotal counts orders created at checkout.
	OrdersCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_created_total",
		Help:      "Total orders created at checkout.",
	})

	// EscrowOperationsTotal counts engine operations by action and result.
	EscrowOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "operations_total",
			Help:      "Escrow operations by action and result.",
		},
		[]string{"action", "result"},
	)

	// EscrowReleasedAmount sums net funds released to sellers.
	EscrowReleasedAmount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "released_amount_total",
		Help:      "Net funds released to sellers, in major currency units.",
	})

	// EscrowRefundedAmount sums funds refunded to buyers.
	EscrowRefundedAmount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "refunded_amount_total",
		Help:      "Funds refunded to buyers, in major currency units.",
	})

	// EscrowHoldDuration observes time from payment to release or refund.
	EscrowHoldDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "hold_duration_seconds",
		Help:      "Time from payment to release or refund in seconds.",
		Buckets:   []float64{60, 600, 3600, 21600, 86400, 259200, 604800, 1209600},
	})

	// WebhookEventsTotal counts inbound processor events by type and outcome.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "events_total",
			Help:      "Inbound payment processor events by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	// NotificationsTotal counts outbound notifications by channel and result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Outbound notifications by channel and result.",
		},
		[]string{"channel", "result"},
	)

	// GatewayCallDuration observes payment processor latency by operation and result.
	GatewayCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "call_duration_seconds",
			Help:      "Payment processor call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op", "result"},
	)

	// AutoReleaseRunsTotal counts scheduler sweeps.
	AutoReleaseRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "autorelease",
		Name:      "runs_total",
		Help:      "Auto-release sweeps executed.",
	})

	// AutoReleaseOrdersTotal counts orders visited by the scheduler by result.
	AutoReleaseOrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "autorelease",
			Name:      "orders_total",
			Help:      "Orders processed by auto-release sweeps by result.",
		},
		[]string{"result"},
	)

	// RateLimitedTotal counts requests rejected with 429 by endpoint class.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter by endpoint class.",
		},
		[]string{"class"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrdersCreatedTotal,
		EscrowOperationsTotal,
		EscrowReleasedAmount,
		EscrowRefundedAmount,
		EscrowHoldDuration,
		WebhookEventsTotal,
		NotificationsTotal,
		GatewayCallDuration,
		AutoReleaseRunsTotal,
		AutoReleaseOrdersTotal,
		RateLimitedTotal,
		ActiveWebSocketClients,
	)
}

// ObserveGatewayCall records the latency of one processor call.
func ObserveGatewayCall(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	GatewayCallDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

// RegisterDB exposes db's connection pool statistics. Registering the same
// pool name twice is a no-op, so tests can build several servers.
func RegisterDB(db *sql.DB, name string) {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, name))
	var are prometheus.AlreadyRegisteredError
	if err != nil && !errors.As(err, &are) {
		panic(err)
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath() // route pattern keeps label cardinality bounded
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
