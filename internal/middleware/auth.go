// Package middleware provides Gin HTTP middleware for sessions, request ids, metrics,
// rate limiting, security headers, and audit capture.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Recovery → RequestID → Metrics → Logger → Security → Session → RateLimit → Audit → Handler
//
// Security headers run first so they appear on all responses including errors.
// Session runs before rate limiting so limits can be keyed by user rather than IP,
// and before audit capture so every record carries the acting user.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/recordkeeper/recordkeeper/internal/auth"
)

// Context keys populated by SessionMiddleware. A host application with its own
// session layer may set the same keys instead.
const (
	UserIDKey    = "user_id"
	UserNameKey  = "user_name"
	UserEmailKey = "user_email"
)

// SessionMiddleware reads an optional bearer session token and, when it is
// valid, stores the acting user in the context. Requests without a valid token
// continue anonymously; an acting user already set upstream is left alone.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(UserIDKey); exists {
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" {
			c.Next()
			return
		}

		claims, err := auth.ValidateJWT(token)
		if err != nil {
			c.Next()
			return
		}

		c.Set(UserIDKey, claims.UserID)
		if claims.Name != "" {
			c.Set(UserNameKey, claims.Name)
		}
		if claims.Email != "" {
			c.Set(UserEmailKey, claims.Email)
		}
		c.Set("auth_method", "jwt")

		c.Next()
	}
}

// RequireSession aborts with 401 unless an acting user is present.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(UserIDKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			return
		}
		c.Next()
	}
}

// ActingUserID returns the acting user id, if any.
func ActingUserID(c *gin.Context) *int64 {
	if actor := actorFromContext(c); actor.UserID != nil {
		return actor.UserID
	}
	return nil
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
