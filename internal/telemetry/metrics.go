// Package telemetry provides application-level observability for recordkeeper.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by cmd/server:
//
//	GET http(s)://<host>:<RK_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Audit capture pipeline: enqueued, dropped, persisted and failed records, queue depth
//   - Critical alerts created and notification emails sent
//   - CSV archive exports and scheduled job runs
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/audit/logs/:id)
// rather than the raw request URL to prevent unbounded label cardinality.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics - labelled by method, route template, and status code.
//
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}.
// The path label holds the Gin route template (e.g. /api/v1/audit/logs/:id),
// NOT the raw URL, to prevent unbounded cardinality.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - Requests by route:                 sum by (path) (rate(http_requests_total[5m]))
//
// HTTPRequestDuration is a HistogramVec with labels {method, path} and exponential-ish
// buckets from 5 ms to 30 s.  Use histogram_quantile to compute latency percentiles.
//
// Example PromQL queries:
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
//   - Average latency:                   rate(http_request_duration_seconds_sum[5m]) / rate(http_request_duration_seconds_count[5m])
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Audit capture pipeline metrics - recorded by audit.Recorder and audit.Dispatcher.
//
// AuditRecordsEnqueuedTotal counts captures accepted by the bounded dispatcher.
// AuditRecordsDroppedTotal counts captures that never reached the store, by reason:
// "queue_full" (backpressure), "closed" (shutdown in progress).
// AuditRecordsPersistedTotal and AuditWriteFailuresTotal count the outcome of each
// append. Since auditing is best-effort, a non-zero drop or failure rate is the only
// place a missing audit trail becomes visible.
//
// Example PromQL queries:
//   - Drop ratio (%):       sum(rate(audit_records_dropped_total[5m])) / sum(rate(audit_records_enqueued_total[5m])) * 100
//   - Alert expression:     increase(audit_write_failures_total[10m]) > 0
//   - p95 write latency:    histogram_quantile(0.95, rate(audit_write_duration_seconds_bucket[5m]))
//
// AuditQueueDepth is a Gauge sampled on every submit and dequeue.
//
// Example PromQL queries:
//   - Saturation:           max_over_time(audit_queue_depth[5m]) / <RK_AUDIT_QUEUE_SIZE>
var (
	AuditRecordsEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_records_enqueued_total",
			Help: "Total number of captured requests accepted for persistence.",
		},
	)

	AuditRecordsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_dropped_total",
			Help: "Total number of captured requests dropped before persistence, by reason.",
		},
		[]string{"reason"},
	)

	AuditRecordsPersistedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_records_persisted_total",
			Help: "Total number of audit records successfully appended to the store.",
		},
	)

	AuditWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Total number of audit record appends that failed and were abandoned.",
		},
	)

	AuditWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_write_duration_seconds",
			Help:    "Duration of a single audit record append, including alert derivation.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_queue_depth",
			Help: "Number of captured requests waiting to be persisted.",
		},
	)

	// AuditCaptureDecisionsTotal counts what the audit layer did with each routed
	// request. decision is one of captured, dropped, skipped or unreached; the last
	// covers requests answered before the audit layer ran (CORS preflight, rate
	// limiting, authentication failures, panics).
	AuditCaptureDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_capture_decisions_total",
			Help: "Total number of requests by audit capture decision.",
		},
		[]string{"method", "decision"},
	)
)

// Critical alert metrics - recorded by the alert engine and the notifier job.
//
// CriticalAlertsCreatedTotal is incremented once per alert row inserted.
// CriticalAlertNotificationsSentTotal is incremented once per digest email delivered.
//
// Example PromQL queries:
//   - Deletions per hour:   increase(critical_alerts_created_total[1h])
var (
	CriticalAlertsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "critical_alerts_created_total",
			Help: "Total number of critical alerts derived from audit records.",
		},
	)

	CriticalAlertNotificationsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "critical_alert_notifications_sent_total",
			Help: "Total number of critical alert digest emails successfully sent.",
		},
	)
)

// AuditExportsTotal is a CounterVec with label {target}: "http" for on-demand CSV
// downloads and "archive" for the scheduled object-storage export.
//
// Example PromQL queries:
//   - Downloads per day:    increase(audit_exports_total{target="http"}[1d])
var AuditExportsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_exports_total",
		Help: "Total number of CSV exports produced, by target.",
	},
	[]string{"target"},
)

// Scheduled job metrics - recorded by the jobs scheduler around every run.
//
// JobRunsTotal is a CounterVec with labels {job, outcome} where outcome is
// "success", "error" or "canceled". JobDuration observes the wall time of each run.
//
// Example PromQL queries:
//   - Failed archive runs:  increase(job_runs_total{job="audit-export-archiver",outcome="error"}[1d])
var (
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_runs_total",
			Help: "Total number of scheduled job runs, by job and outcome.",
		},
		[]string{"job", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Duration of scheduled job runs.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300},
		},
		[]string{"job"},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <RK_DATABASE_MAX_CONNECTIONS> * 100
//   - Alert on near-exhaustion: db_open_connections > 20  (for max_connections=25)
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(database)
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
