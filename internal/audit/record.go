package audit

import (
	"mime"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/recordkeeper/recordkeeper/internal/db/models"
)

// Actor is the acting user supplied by the session layer. All fields nil
// means an anonymous or system request.
type Actor struct {
	UserID *int64
	Name   *string
	Email  *string
}

// Capture is the immutable snapshot of one finished request taken by the
// interceptor. It holds everything the detached job needs, so the job never
// touches the live request or connection.
type Capture struct {
	Method        string
	Path          string
	RequestURI    string
	RouteTemplate string
	RouteParams   map[string]string
	Query         url.Values
	StatusCode    int
	DurationMs    int64
	ClientIP      string
	UserAgent     string
	RequestID     string
	ResponseBytes int
	ContentType   string
	Body          []byte
	BodyTruncated bool
	Actor         Actor
	// PriorState is the caller-supplied pre-update snapshot; null when absent.
	PriorState models.Value
}

// BuildRecord derives an AuditRecord from a capture using one rules snapshot.
// It is pure: the returned record shares no mutable state with c.
func BuildRecord(rules *Rules, c *Capture) *models.AuditRecord {
	body := ParseBody(c.ContentType, c.Body)
	if c.BodyTruncated {
		body = models.Null()
	}

	action := rules.ResolveAction(c.Method, c.Path)
	entity := rules.ExtractEntity(c.Path, body)

	rec := &models.AuditRecord{
		UserID:     c.Actor.UserID,
		UserName:   c.Actor.Name,
		UserEmail:  c.Actor.Email,
		Action:     action,
		Module:     rules.ExtractModule(c.Path),
		EntityType: entity.Type,
		EntityID:   entity.ID,
		IPAddress:  optional(c.ClientIP),
		UserAgent:  optional(c.UserAgent),
		Method:     strings.ToUpper(c.Method),
		URL:        c.RequestURI,
		StatusCode: c.StatusCode,
		DurationMs: c.DurationMs,
		Metadata:   buildMetadata(c),
	}
	if rec.URL == "" {
		rec.URL = c.Path
	}
	if cut := clampColumns(rec); len(cut) > 0 {
		rec.Metadata = rec.Metadata.With("truncated_fields", models.FromAny(cut))
	}

	switch rec.Method {
	case "PUT", "PATCH":
		if !c.PriorState.IsNull() {
			rec.BeforeValues = Redact(c.PriorState)
		}
	}

	switch rec.Method {
	case "POST", "PUT", "PATCH":
		if !rules.IsSensitive(c.Path) {
			rec.AfterValues = Redact(body)
		}
	}

	return rec
}

// ParseBody decodes a JSON or form-urlencoded request body. Anything else,
// including malformed JSON, yields null.
func ParseBody(contentType string, body []byte) models.Value {
	if len(body) == 0 {
		return models.Null()
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "application/x-www-form-urlencoded":
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return models.Null()
		}
		return models.FromAny(map[string][]string(form))
	case mediaType == "application/json", strings.HasSuffix(mediaType, "+json"), mediaType == "":
		v, err := models.ParseJSON(body)
		if err != nil {
			return models.Null()
		}
		return v
	default:
		return models.Null()
	}
}

func buildMetadata(c *Capture) models.Value {
	fields := map[string]models.Value{
		"response_bytes": models.Int(int64(c.ResponseBytes)),
	}
	if c.RouteTemplate != "" {
		fields["route"] = models.String(c.RouteTemplate)
	}
	if c.RequestID != "" {
		fields["request_id"] = models.String(c.RequestID)
	}
	if len(c.Query) > 0 {
		fields["query"] = models.FromAny(map[string][]string(c.Query))
	}
	if len(c.RouteParams) > 0 {
		fields["params"] = models.FromAny(c.RouteParams)
	}
	if c.BodyTruncated {
		fields["body_truncated"] = models.Bool(true)
	}
	return models.Object(fields)
}

// clampColumns cuts the bounded columns of rec to their widths and returns
// the names of the fields it shortened, sorted.
func clampColumns(rec *models.AuditRecord) []string {
	var cut []string
	clamp := func(name string, s *string, n int) {
		if short, ok := truncate(*s, n); ok {
			*s = short
			cut = append(cut, name)
		}
	}

	action := string(rec.Action)
	clamp("action", &action, models.MaxActionLen)
	rec.Action = models.Action(action)
	clamp("module", &rec.Module, models.MaxModuleLen)
	clamp("method", &rec.Method, models.MaxMethodLen)
	if rec.EntityType != nil {
		clamp("entity_type", rec.EntityType, models.MaxEntityTypeLen)
	}
	if rec.EntityID != nil {
		clamp("entity_id", rec.EntityID, models.MaxEntityIDLen)
	}
	if rec.IPAddress != nil {
		clamp("ip_address", rec.IPAddress, models.MaxIPAddressLen)
	}
	sort.Strings(cut)
	return cut
}

// truncate returns the first n characters of s and whether anything was cut.
func truncate(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], true
		}
		i++
	}
	return s, false
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
