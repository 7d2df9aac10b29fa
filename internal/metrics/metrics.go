// Package metrics provides Prometheus instrumentation for the marketplace.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixmarket",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fixmarket",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrdersCreatedTotal counts posted orders.
	OrdersCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fixmarket",
		Name:      "orders_created_total",
		Help:      "Total orders posted by clients.",
	})

	// OffersAcceptedTotal counts accepted offers.
	OffersAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fixmarket",
		Name:      "offers_accepted_total",
		Help:      "Total offers accepted by clients.",
	})

	// PaymentsTotal counts payment operations by resulting status.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixmarket",
			Name:      "payments_total",
			Help:      "Total payment operations by resulting status.",
		},
		[]string{"status"},
	)

	// DisputesOpenedTotal counts opened disputes.
	DisputesOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fixmarket",
		Name:      "disputes_opened_total",
		Help:      "Total disputes opened.",
	})

	// DisputesResolvedTotal counts resolved disputes by decision.
	DisputesResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixmarket",
			Name:      "disputes_resolved_total",
			Help:      "Total disputes resolved by decision.",
		},
		[]string{"decision"},
	)

	// SweepProcessedTotal counts reconciliation sweep items by sweep and result.
	SweepProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixmarket",
			Name:      "sweep_processed_total",
			Help:      "Total reconciliation sweep items by sweep name and result.",
		},
		[]string{"sweep", "result"},
	)

	// EscrowHoldDuration observes time from escrow to release/refund.
	EscrowHoldDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fixmarket",
		Name:      "escrow_hold_duration_seconds",
		Help:      "Time from payment escrow to settlement in seconds.",
		Buckets:   []float64{3600, 21600, 86400, 172800, 345600, 604800, 1209600},
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fixmarket", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fixmarket", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fixmarket", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fixmarket", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrdersCreatedTotal,
		OffersAcceptedTotal,
		PaymentsTotal,
		DisputesOpenedTotal,
		DisputesResolvedTotal,
		SweepProcessedTotal,
		EscrowHoldDuration,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
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
