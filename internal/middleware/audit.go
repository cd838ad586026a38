// audit.go provides the Gin middleware that captures audit-worthy requests. It never
// changes the request or response: the body is restored for the handler, the handler
// runs unmodified, and the finished request is handed to the recorder without blocking.
package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recordkeeper/recordkeeper/internal/audit"
	"github.com/recordkeeper/recordkeeper/internal/db/models"
)

// PriorStateKey is the gin.Context key holding the pre-update snapshot a
// handler may supply for PUT/PATCH requests.
const PriorStateKey = "audit_prior_state"

// AuditDecisionKey is the gin.Context key under which AuditMiddleware leaves
// its decision for the request, read back by MetricsMiddleware.
const AuditDecisionKey = "audit_decision"

// Audit capture decisions.
const (
	DecisionCaptured  = "captured"
	DecisionDropped   = "dropped"
	DecisionSkipped   = "skipped"
	DecisionUnreached = "unreached"
)

// AuditRecorder accepts finished captures. Record must not block.
type AuditRecorder interface {
	Record(rules *audit.Rules, c *audit.Capture) bool
}

// SetPriorState records the entity state before an update so the audit
// record can carry before-values. Handlers call it before writing the change.
func SetPriorState(c *gin.Context, state models.Value) {
	c.Set(PriorStateKey, state)
}

// AuditMiddleware captures requests selected by the current rule snapshot and
// hands them to recorder after the handler has finished. Bodies larger than
// maxBodyBytes are passed to the handler intact but not retained.
func AuditMiddleware(recorder AuditRecorder, rules *audit.RuleSet, maxBodyBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		path := c.Request.URL.Path

		snapshot := rules.Load()
		if method == http.MethodOptions || snapshot.IsExcluded(path) || !snapshot.ShouldCapture(method, path) {
			c.Set(AuditDecisionKey, DecisionSkipped)
			c.Next()
			return
		}

		start := time.Now()
		body, truncated := bufferBody(c.Request, maxBodyBytes)

		c.Next()

		capture := &audit.Capture{
			Method:        method,
			Path:          path,
			RequestURI:    c.Request.URL.RequestURI(),
			RouteTemplate: c.FullPath(),
			RouteParams:   routeParams(c),
			Query:         c.Request.URL.Query(),
			StatusCode:    c.Writer.Status(),
			DurationMs:    time.Since(start).Milliseconds(),
			ClientIP:      c.ClientIP(),
			UserAgent:     c.Request.UserAgent(),
			RequestID:     c.GetString(RequestIDKey),
			ResponseBytes: max(c.Writer.Size(), 0),
			ContentType:   c.ContentType(),
			Body:          body,
			BodyTruncated: truncated,
			Actor:         actorFromContext(c),
			PriorState:    priorState(c),
		}
		if recorder.Record(snapshot, capture) {
			c.Set(AuditDecisionKey, DecisionCaptured)
		} else {
			c.Set(AuditDecisionKey, DecisionDropped)
		}
	}
}

// bufferBody reads up to limit bytes of the request body and re-attaches a reader that yields the complete original body.
func bufferBody(r *http.Request, limit int64) ([]byte, bool) {
	if r.Body == nil || r.Body == http.NoBody || limit <= 0 {
		return nil, false
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	rest := r.Body
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), rest), Closer: rest}
	if err != nil {
		return nil, true
	}

	if int64(len(buf)) > limit {
		return nil, true
	}
	return buf, false
}

type readCloser struct {
	io.Reader
	io.Closer
}

func routeParams(c *gin.Context) map[string]string {
	if len(c.Params) == 0 {
		return nil
	}
	params := make(map[string]string, len(c.Params))
	for _, p := range c.Params {
		params[p.Key] = p.Value
	}
	return params
}

// actorFromContext reads the acting user set by the session layer.
func actorFromContext(c *gin.Context) audit.Actor {
	var actor audit.Actor

	if v, ok := c.Get("user_id"); ok {
		switch id := v.(type) {
		case int64:
			actor.UserID = &id
		case int:
			n := int64(id)
			actor.UserID = &n
		case string:
			if n, err := strconv.ParseInt(id, 10, 64); err == nil {
				actor.UserID = &n
			}
		}
	}
	if name := c.GetString("user_name"); name != "" {
		actor.Name = &name
	}
	if email := c.GetString("user_email"); email != "" {
		actor.Email = &email
	}
	return actor
}

func priorState(c *gin.Context) models.Value {
	if v, ok := c.Get(PriorStateKey); ok {
		if state, ok := v.(models.Value); ok {
			return state
		}
	}
	return models.Null()
}
