package models

import "time"

// ActorActivity is one row of the most-active-actors ranking.
type ActorActivity struct {
	UserID       int64     `db:"user_id" json:"userId"`
	UserName     *string   `db:"user_name" json:"userName"`
	UserEmail    *string   `db:"user_email" json:"userEmail"`
	ActionCount  int64     `db:"action_count" json:"actionCount"`
	LastActivity time.Time `db:"last_activity" json:"lastActivity"`
}

// ModuleActivity counts records per module, action and calendar day (YYYY-MM-DD, UTC).
type ModuleActivity struct {
	Module string `db:"module" json:"module"`
	Action Action `db:"action" json:"action"`
	Count  int64  `db:"count" json:"count"`
	Date   string `db:"date" json:"date"`
}

// AuditSummary holds aggregate counts over a trailing window.
type AuditSummary struct {
	WindowDays           int     `db:"-" json:"windowDays"`
	TotalRecords         int64   `db:"total_records" json:"totalRecords"`
	UniqueActors         int64   `db:"unique_actors" json:"uniqueActors"`
	CriticalRecords      int64   `db:"critical_records" json:"criticalRecords"`
	FailedRequests       int64   `db:"failed_requests" json:"failedRequests"`
	AvgDurationMs        float64 `db:"avg_duration_ms" json:"avgDurationMs"`
	UnacknowledgedAlerts int64   `db:"-" json:"unacknowledgedAlerts"`
}
