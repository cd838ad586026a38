// Package models - audit_record.go defines AuditRecord, the append-only fact written for every
// audited request, together with the Action vocabulary and the critical-action predicate.
package models

import "time"

// Action is the kind of operation an audit record describes. Unknown HTTP verbs are
// carried through verbatim, so an Action is not restricted to the constants below.
type Action string

const (
	ActionCreate   Action = "CREATE"
	ActionUpdate   Action = "UPDATE"
	ActionDelete   Action = "DELETE"
	ActionView     Action = "VIEW"
	ActionLogin    Action = "LOGIN"
	ActionLogout   Action = "LOGOUT"
	ActionExport   Action = "EXPORT"
	ActionDownload Action = "DOWNLOAD"
	ActionImport   Action = "IMPORT"
)

// criticalActions is the set of actions that raise a CriticalAlert.
var criticalActions = []Action{ActionDelete}

// IsCritical reports whether records with this action require human review.
func (a Action) IsCritical() bool {
	for _, c := range criticalActions {
		if a == c {
			return true
		}
	}
	return false
}

// CriticalActions returns a copy of the critical action set.
func CriticalActions() []Action {
	out := make([]Action, len(criticalActions))
	copy(out, criticalActions)
	return out
}

// Column widths of the bounded audit_logs columns, in characters. Values
// derived from client input are cut to these lengths before insertion.
const (
	MaxActionLen     = 32
	MaxModuleLen     = 100
	MaxEntityTypeLen = 100
	MaxEntityIDLen   = 255
	MaxIPAddressLen  = 64
	MaxMethodLen     = 16
)

// AuditRecord is one immutable "who did what to which entity, when, with what outcome" fact.
type AuditRecord struct {
	ID int64 `db:"id" json:"id"`

	// Actor; all nil for anonymous or system-originated requests
	UserID    *int64  `db:"user_id" json:"userId"`
	UserName  *string `db:"user_name" json:"userName"`
	UserEmail *string `db:"user_email" json:"userEmail"`

	Action Action `db:"action" json:"action"`
	Module string `db:"module" json:"module"`

	EntityType *string `db:"entity_type" json:"entityType"`
	EntityID   *string `db:"entity_id" json:"entityId"`

	BeforeValues Value `db:"before_values" json:"beforeValues"`
	AfterValues  Value `db:"after_values" json:"afterValues"`

	IPAddress *string `db:"ip_address" json:"ipAddress"`
	UserAgent *string `db:"user_agent" json:"userAgent"`

	Method string `db:"method" json:"method"`
	URL    string `db:"url" json:"url"`

	StatusCode int   `db:"status_code" json:"statusCode"`
	DurationMs int64 `db:"duration_ms" json:"durationMs"`

	Metadata Value `db:"metadata" json:"metadata"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// IsCritical reports whether the record's action is critical.
func (r *AuditRecord) IsCritical() bool {
	return r.Action.IsCritical()
}

// HasActor reports whether any actor attribute is present.
func (r *AuditRecord) HasActor() bool {
	return r.UserID != nil || r.UserName != nil || r.UserEmail != nil
}
