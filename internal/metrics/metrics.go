// Package metrics provides Prometheus instrumentation for the payments core.
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
			Namespace: "paycore",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paycore",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// WebhookEventsTotal counts inbound webhook events by provider and result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Name:      "webhook_events_total",
			Help:      "Total inbound webhook events by provider and processing result.",
		},
		[]string{"provider", "result"},
	)

	// WebhookDuplicatesTotal counts deduplicated webhook redeliveries.
	WebhookDuplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Name:      "webhook_duplicates_total",
			Help:      "Total webhook deliveries ignored as duplicates.",
		},
		[]string{"provider"},
	)

	// SignatureFailuresTotal counts rejected inbound signatures by code.
	SignatureFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Name:      "signature_failures_total",
			Help:      "Total signature verification failures by failure code.",
		},
		[]string{"code"},
	)

	// IdempotencyAcquiresTotal counts lock acquisitions by scope and outcome.
	IdempotencyAcquiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Name:      "idempotency_acquires_total",
			Help:      "Total idempotency lock acquisition attempts by scope and outcome.",
		},
		[]string{"scope", "outcome"},
	)

	// TransferTransitionsTotal counts intent state transitions.
	TransferTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Name:      "transfer_transitions_total",
			Help:      "Total transfer intent state transitions by destination state.",
		},
		[]string{"to_state"},
	)

	// TransferPollAttemptsTotal counts provider poll attempts.
	TransferPollAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paycore",
		Name:      "transfer_poll_attempts_total",
		Help:      "Total transfer status poll attempts.",
	})

	// TransferPollTimeoutsTotal counts polls exhausted without a terminal state.
	TransferPollTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paycore",
		Name:      "transfer_poll_timeouts_total",
		Help:      "Total polling loops exhausted without reaching a terminal state.",
	})

	// ProviderRequestDuration observes outbound provider call latency.
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paycore",
			Name:      "provider_request_duration_seconds",
			Help:      "Outbound provider request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "outcome"},
	)

	// ReconciliationRunsTotal counts reconciliation runs.
	ReconciliationRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paycore",
		Name:      "reconciliation_runs_total",
		Help:      "Total reconciliation runs executed.",
	})

	// ReconciliationDiscrepancies tracks discrepancies found in the latest run.
	ReconciliationDiscrepancies = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "paycore",
			Name:      "reconciliation_discrepancies",
			Help:      "Discrepancies found in the most recent reconciliation run, by severity.",
		},
		[]string{"severity"},
	)

	// SLOEvaluationsTotal counts SLO evaluations by resulting status.
	SLOEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Name:      "slo_evaluations_total",
			Help:      "Total SLO target evaluations by resulting status.",
		},
		[]string{"status"},
	)

	// SLOPagingTriggersTotal counts paging triggers by target name.
	SLOPagingTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Name:      "slo_paging_triggers_total",
			Help:      "Total SLO paging triggers fired, by target name.",
		},
		[]string{"target"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WebhookEventsTotal,
		WebhookDuplicatesTotal,
		SignatureFailuresTotal,
		IdempotencyAcquiresTotal,
		TransferTransitionsTotal,
		TransferPollAttemptsTotal,
		TransferPollTimeoutsTotal,
		ProviderRequestDuration,
		ReconciliationRunsTotal,
		ReconciliationDiscrepancies,
		SLOEvaluationsTotal,
		SLOPagingTriggersTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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

// ObserveReconciliation records the outcome of a reconciliation run.
func ObserveReconciliation(countsBySeverity map[string]int) {
	ReconciliationRunsTotal.Inc()
	for _, severity := range []string{"INFO", "WARNING", "CRITICAL"} {
		ReconciliationDiscrepancies.WithLabelValues(severity).Set(float64(countsBySeverity[severity]))
	}
}

// ObserveSLOResults records evaluation statuses and paging triggers.
func ObserveSLOResults(statuses map[string]string, paging []string) {
	for _, status := range statuses {
		SLOEvaluationsTotal.WithLabelValues(status).Inc()
	}
	for _, target := range paging {
		SLOPagingTriggersTotal.WithLabelValues(target).Inc()
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
