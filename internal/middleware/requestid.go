// requestid.go tags every request with an identifier that ties together its log lines,
// its response and the metadata of the audit record captured for it.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request identifier in both directions.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key holding the request identifier.
	RequestIDKey = "request_id"
)

// RequestIDMiddleware stores a request identifier under RequestIDKey and echoes
// it in the X-Request-ID response header.
//
// An inbound X-Request-ID from a gateway or caller is kept only when it parses
// as a UUID, and is then rewritten in canonical lower-case form. Anything else
// is replaced by a fresh UUID v4: the value ends up in the append-only audit
// store, so its length and alphabet must stay fixed.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := inboundRequestID(c.GetHeader(RequestIDHeader))
		if id == "" {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}

// inboundRequestID returns the canonical form of v, or "" when v is not a UUID.
func inboundRequestID(v string) string {
	// uuid.Parse also accepts the 45-character urn:uuid: and 38-character braced forms.
	if v == "" || len(v) > 45 {
		return ""
	}
	parsed, err := uuid.Parse(v)
	if err != nil {
		return ""
	}
	return parsed.String()
}
