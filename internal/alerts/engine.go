// Package alerts raises and manages critical alerts: pending-review flags created for
// every persisted audit record whose action is critical.
package alerts

import (
	"context"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/recordkeeper/recordkeeper/internal/db/models"
	"github.com/recordkeeper/recordkeeper/internal/db/repositories"
	"github.com/recordkeeper/recordkeeper/internal/telemetry"
)

// Engine creates alerts inside the audit append transaction and serves the
// review workflow. It implements repositories.AppendObserver.
type Engine struct {
	alerts *repositories.AlertRepository
}

var _ repositories.AppendObserver = (*Engine)(nil)

// NewEngine creates an Engine over the alert repository.
func NewEngine(alerts *repositories.AlertRepository) *Engine {
	return &Engine{alerts: alerts}
}

// OnAppend inserts exactly one unacknowledged alert when rec is critical.
func (e *Engine) OnAppend(ctx context.Context, tx *sqlx.Tx, rec *models.AuditRecord) error {
	if !rec.IsCritical() {
		return nil
	}
	created, err := e.alerts.CreateInTx(ctx, tx, rec.ID, string(rec.Action))
	if err != nil {
		return err
	}
	if created {
		telemetry.CriticalAlertsCreatedTotal.Inc()
		slog.Info("critical alert raised",
			"log_id", rec.ID,
			"action", rec.Action,
			"module", rec.Module,
		)
	}
	return nil
}

// Acknowledge marks alertID reviewed. It is idempotent and reports false only
// when the alert does not exist.
func (e *Engine) Acknowledge(ctx context.Context, alertID int64, by *int64) (bool, error) {
	return e.alerts.Acknowledge(ctx, alertID, by)
}

// ListUnacknowledged returns pending alerts newest first.
func (e *Engine) ListUnacknowledged(ctx context.Context) ([]models.AlertView, error) {
	return e.alerts.ListUnacknowledged(ctx)
}

// CountUnacknowledged returns the number of pending alerts.
func (e *Engine) CountUnacknowledged(ctx context.Context) (int64, error) {
	return e.alerts.CountUnacknowledged(ctx)
}

// PendingNotification returns up to limit pending alerts not yet emailed.
func (e *Engine) PendingNotification(ctx context.Context, limit int) ([]models.AlertView, error) {
	if limit < 1 {
		limit = 50
	}
	return e.alerts.PendingNotification(ctx, limit)
}

// MarkNotified records that the given alerts have been emailed.
func (e *Engine) MarkNotified(ctx context.Context, ids []int64) error {
	return e.alerts.MarkNotified(ctx, ids)
}
