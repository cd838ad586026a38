package audit

import (
	"strings"

	"github.com/recordkeeper/recordkeeper/internal/db/models"
)

// Entity identifies the record a request acted on. Either field may be nil.
type Entity struct {
	Type *string
	ID   *string
}

// segments strips the first matching API prefix from path and splits the
// remainder into its non-empty segments.
func (r *Rules) segments(path string) []string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	for _, prefix := range r.stripPrefixes {
		if strings.HasPrefix(path, prefix) {
			path = path[len(prefix):]
			break
		}
	}
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ExtractModule derives the functional module from the first path segment,
// translated through the alias table.
func (r *Rules) ExtractModule(path string) string {
	segs := r.segments(path)
	if len(segs) == 0 {
		return r.defaultModule
	}
	if alias, ok := r.moduleAliases[segs[0]]; ok {
		return alias
	}
	return segs[0]
}

// ExtractEntity locates the entity id (first purely numeric segment, else
// body.id) and its type (the preceding segment without a trailing "s", else
// the module). When no id is found both fields are nil.
func (r *Rules) ExtractEntity(path string, body models.Value) Entity {
	segs := r.segments(path)

	var entityType, entityID string
	for i, seg := range segs {
		if !isNumeric(seg) {
			continue
		}
		entityID = seg
		if i > 0 {
			entityType = strings.TrimSuffix(segs[i-1], "s")
		}
		break
	}

	if entityID == "" {
		if id, ok := body.Field("id"); ok {
			switch id.Kind() {
			case models.KindString, models.KindNumber:
				entityID = id.Text()
			}
		}
	}
	if entityID == "" {
		return Entity{}
	}
	if entityType == "" {
		entityType = r.ExtractModule(path)
	}
	return Entity{Type: &entityType, ID: &entityID}
}

// MapActionFromMethod maps an HTTP verb to its base action. Unknown verbs
// pass through unchanged.
func (r *Rules) MapActionFromMethod(method string) models.Action {
	method = strings.ToUpper(method)
	if a, ok := r.methodActions[method]; ok {
		return a
	}
	return models.Action(method)
}

// ResolveAction applies the ordered path overrides, then the method table.
func (r *Rules) ResolveAction(method, path string) models.Action {
	for _, pa := range r.pathActions {
		if strings.Contains(path, pa.Marker) {
			return pa.Action
		}
	}
	return r.MapActionFromMethod(method)
}

// IsExcluded reports whether path matches an exclusion prefix.
func (r *Rules) IsExcluded(path string) bool {
	for _, prefix := range r.excludedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ShouldCapture reports whether a non-excluded request is audit-worthy:
// every non-GET request, and GETs on detail, edit, export or download paths.
func (r *Rules) ShouldCapture(method, path string) bool {
	if !strings.EqualFold(method, "GET") {
		return true
	}
	for _, marker := range r.captureGETMarkers {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

// IsSensitive reports whether the request body of path must never be stored.
func (r *Rules) IsSensitive(path string) bool {
	for _, p := range r.sensitivePaths {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
