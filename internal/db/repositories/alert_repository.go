// alert_repository.go implements AlertRepository, the storage for critical alerts raised
// against audit records. Alerts are created inside the audit append transaction and
// afterwards only ever acknowledged or stamped as notified.
package repositories

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/recordkeeper/recordkeeper/internal/db/models"
)

const alertViewQuery = `
	SELECT a.id, a.log_id, a.alert_type, a.acknowledged, a.created_at,
	       a.acknowledged_at, a.acknowledged_by, a.notified_at,
	       l.user_name, l.user_email, l.module, l.entity_type, l.entity_id,
	       l.created_at AS log_created_at
	FROM critical_alerts a
	LEFT JOIN audit_logs l ON l.id = a.log_id
`

// AlertRepository handles critical alert database operations
type AlertRepository struct {
	db *sqlx.DB
}

// NewAlertRepository creates a new AlertRepository
func NewAlertRepository(db *sqlx.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// CreateInTx inserts an unacknowledged alert for logID within tx. It reports
// false when an alert for that record already exists.
func (r *AlertRepository) CreateInTx(ctx context.Context, tx *sqlx.Tx, logID int64, alertType string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO critical_alerts (log_id, alert_type, acknowledged)
		VALUES ($1, $2, FALSE)
		ON CONFLICT (log_id) DO NOTHING
	`, logID, alertType)
	if err != nil {
		return false, fmt.Errorf("failed to create critical alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create critical alert: %w", err)
	}
	return n > 0, nil
}

// Acknowledge marks an alert acknowledged. The first acknowledgement's
// timestamp and actor are kept on repeats. It reports false when no alert has
// that id.
func (r *AlertRepository) Acknowledge(ctx context.Context, id int64, by *int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE critical_alerts
		SET acknowledged = TRUE,
		    acknowledged_at = COALESCE(acknowledged_at, NOW()),
		    acknowledged_by = COALESCE(acknowledged_by, $2)
		WHERE id = $1
	`, id, by)
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	return n > 0, nil
}

// ListUnacknowledged returns pending alerts, newest first.
func (r *AlertRepository) ListUnacknowledged(ctx context.Context) ([]models.AlertView, error) {
	alerts := make([]models.AlertView, 0)
	query := alertViewQuery + ` WHERE a.acknowledged = FALSE ORDER BY a.created_at DESC, a.id DESC`
	if err := r.db.SelectContext(ctx, &alerts, query); err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}

// CountUnacknowledged returns the number of pending alerts.
func (r *AlertRepository) CountUnacknowledged(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM critical_alerts WHERE acknowledged = FALSE`); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

// PendingNotification returns up to limit pending alerts that no notification
// has been sent for, oldest first.
func (r *AlertRepository) PendingNotification(ctx context.Context, limit int) ([]models.AlertView, error) {
	alerts := make([]models.AlertView, 0)
	query := alertViewQuery + `
		WHERE a.acknowledged = FALSE AND a.notified_at IS NULL
		ORDER BY a.created_at, a.id
		LIMIT $1
	`
	if err := r.db.SelectContext(ctx, &alerts, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list alerts pending notification: %w", err)
	}
	return alerts, nil
}

// MarkNotified stamps notified_at on the given alerts.
func (r *AlertRepository) MarkNotified(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE critical_alerts SET notified_at = NOW() WHERE id = ANY($1) AND notified_at IS NULL`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to mark alerts notified: %w", err)
	}
	return nil
}
