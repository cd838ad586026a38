// Package models - critical_alert.go defines CriticalAlert, the pending-review flag raised for
// audit records whose action is critical, and AlertView, its display projection.
package models

import "time"

// CriticalAlert references the audit record that triggered it by id only.
// The sole permitted mutation is Acknowledged going from false to true.
type CriticalAlert struct {
	ID             int64      `db:"id" json:"id"`
	LogID          int64      `db:"log_id" json:"logId"`
	AlertType      string     `db:"alert_type" json:"alertType"`
	Acknowledged   bool       `db:"acknowledged" json:"acknowledged"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	AcknowledgedAt *time.Time `db:"acknowledged_at" json:"acknowledgedAt"`
	AcknowledgedBy *int64     `db:"acknowledged_by" json:"acknowledgedBy"`
	NotifiedAt     *time.Time `db:"notified_at" json:"notifiedAt"`
}

// AlertView is a CriticalAlert joined with the originating record's display fields.
// The joined fields are nil when the referenced record cannot be found.
type AlertView struct {
	CriticalAlert
	UserName     *string    `db:"user_name" json:"userName"`
	UserEmail    *string    `db:"user_email" json:"userEmail"`
	Module       *string    `db:"module" json:"module"`
	EntityType   *string    `db:"entity_type" json:"entityType"`
	EntityID     *string    `db:"entity_id" json:"entityId"`
	LogCreatedAt *time.Time `db:"log_created_at" json:"logCreatedAt"`
}
