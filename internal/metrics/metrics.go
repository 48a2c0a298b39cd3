// Package metrics provides Prometheus instrumentation for the marketplace front end.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "accountmarket"

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

	// APIRequestsTotal counts calls to the remote marketplace API by operation and result.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Remote marketplace API calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// APIRequestDuration observes remote API latency by operation.
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Remote marketplace API call duration in seconds.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
		[]string{"op"},
	)

	// APIRetriesTotal counts repeated read attempts against the remote API.
	APIRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "retries_total",
			Help:      "Read calls to the remote marketplace API that were retried, by operation.",
		},
		[]string{"op"},
	)

	// RateLimitedTotal counts requests rejected by the rate limiter by class.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by class (read, action).",
		},
		[]string{"class"},
	)

	// CheckoutInitiationsTotal counts payment path starts by path and result.
	CheckoutInitiationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_initiations_total",
			Help:      "Checkout initiations by payment path (redirect, hosted) and result.",
		},
		[]string{"path", "result"},
	)

	// CheckoutOutcomesTotal counts hosted checkout outcomes.
	CheckoutOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_outcomes_total",
			Help:      "Hosted checkout verification outcomes.",
		},
		[]string{"outcome"},
	)

	// DisputesTotal counts dispute actions by action and result.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_total",
			Help:      "Dispute create/cancel attempts by result.",
		},
		[]string{"action", "result"},
	)

	// OrderConfirmationsTotal counts receipt confirmations by result.
	OrderConfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_confirmations_total",
			Help:      "Buyer receipt confirmations by result.",
		},
		[]string{"result"},
	)

	// ActiveCountdownStreams tracks open countdown WebSocket streams.
	ActiveCountdownStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_countdown_streams",
			Help:      "Number of currently open escrow countdown streams.",
		},
	)

	// ActiveOrderWatchers tracks running order refetch loops.
	ActiveOrderWatchers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_order_watchers",
			Help:      "Number of orders currently being polled while in escrow.",
		},
	)

	// IncoherentSnapshotsTotal counts refetched orders rejected as incoherent.
	IncoherentSnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incoherent_snapshots_total",
			Help:      "Order snapshots from the remote API that failed validation, by reason.",
		},
		[]string{"reason"},
	)

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		APIRequestsTotal,
		APIRequestDuration,
		APIRetriesTotal,
		RateLimitedTotal,
		CheckoutInitiationsTotal,
		CheckoutOutcomesTotal,
		DisputesTotal,
		OrderConfirmationsTotal,
		ActiveCountdownStreams,
		ActiveOrderWatchers,
		IncoherentSnapshotsTotal,
		GoroutineCount,
	)
}

// StartRuntimeCollector samples runtime gauges until ctx is cancelled.
func StartRuntimeCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
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
