// metrics.go records Prometheus request metrics and the audit capture outcome
// for every routed request.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recordkeeper/recordkeeper/internal/telemetry"
)

const noRouteLabel = "<no-route>"

// MetricsMiddleware records, per request:
//   - http_requests_total{method, path, status}
//   - http_request_duration_seconds{method, path}
//   - audit_capture_decisions_total{method, decision}
//
// path is the matched route template, or "<no-route>" for 404/405.
//
// The decision is whatever AuditMiddleware left under AuditDecisionKey. A
// request that was answered before the audit layer ran (preflight, rate limit,
// auth failure, recovered panic) has no decision and counts as "unreached", so
// this middleware must sit outside AuditMiddleware, directly after RequestID.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRouteLabel
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		telemetry.AuditCaptureDecisionsTotal.WithLabelValues(method, auditDecision(c)).Inc()
	}
}

func auditDecision(c *gin.Context) string {
	switch d := c.GetString(AuditDecisionKey); d {
	case DecisionCaptured, DecisionDropped, DecisionSkipped:
		return d
	default:
		return DecisionUnreached
	}
}
