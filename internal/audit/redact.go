package audit

import "github.com/recordkeeper/recordkeeper/internal/db/models"

// RedactedValue replaces the value of every sensitive key.
const RedactedValue = "***REDACTED***"

var sensitiveKeys = []string{"password", "token", "secret", "api_key", "apiKey"}

// SensitiveKeys returns a copy of the top-level keys Redact masks.
func SensitiveKeys() []string {
	return append([]string(nil), sensitiveKeys...)
}

// Redact returns v with the value of each top-level sensitive key replaced by
// RedactedValue. Matching is exact and case-sensitive. Nested values and
// non-object inputs are returned unchanged; v itself is never modified.
func Redact(v models.Value) models.Value {
	if !v.IsObject() {
		return v
	}
	out := v
	for _, key := range sensitiveKeys {
		if _, ok := v.Field(key); ok {
			out = out.With(key, models.String(RedactedValue))
		}
	}
	return out
}
