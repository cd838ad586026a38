package alerts

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordkeeper/recordkeeper/internal/db/models"
	"github.com/recordkeeper/recordkeeper/internal/db/repositories"
	"github.com/recordkeeper/recordkeeper/internal/telemetry"
)

func newEngine(t *testing.T) (*Engine, *repositories.AuditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	xdb := sqlx.NewDb(db, "sqlmock")
	engine := NewEngine(repositories.NewAlertRepository(xdb))
	return engine, repositories.NewAuditRepository(xdb, engine), mock
}

func insertReturning(mock sqlmock.Sqlmock, id int64) {
	mock.ExpectQuery("INSERT INTO audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(id, time.Now()))
}

// ---------------------------------------------------------------------------
// OnAppend via AuditRepository.Append
// ---------------------------------------------------------------------------

func TestAppend_DeleteRaisesOneAlert(t *testing.T) {
	_, store, mock := newEngine(t)
	before := testutil.ToFloat64(telemetry.CriticalAlertsCreatedTotal)

	mock.ExpectBegin()
	insertReturning(mock, 55)
	mock.ExpectExec("INSERT INTO critical_alerts").
		WithArgs(int64(55), "DELETE").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	id, err := store.Append(context.Background(), &models.AuditRecord{
		Action: models.ActionDelete, Module: "clientes", Method: "DELETE", URL: "/clientes/55", StatusCode: 204,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(55), id)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.CriticalAlertsCreatedTotal))
}

func TestAppend_NonCriticalRaisesNothing(t *testing.T) {
	_, store, mock := newEngine(t)

	for _, action := range []models.Action{models.ActionCreate, models.ActionUpdate, models.ActionView, models.ActionExport} {
		mock.ExpectBegin()
		insertReturning(mock, 1)
		mock.ExpectCommit()

		_, err := store.Append(context.Background(), &models.AuditRecord{Action: action, Module: "x", Method: "POST", URL: "/x"})
		require.NoError(t, err, "action %s", action)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_DuplicateAlertNotCounted(t *testing.T) {
	_, store, mock := newEngine(t)
	before := testutil.ToFloat64(telemetry.CriticalAlertsCreatedTotal)

	mock.ExpectBegin()
	insertReturning(mock, 9)
	mock.ExpectExec("INSERT INTO critical_alerts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	_, err := store.Append(context.Background(), &models.AuditRecord{Action: models.ActionDelete, Module: "x", Method: "DELETE", URL: "/x/9"})
	require.NoError(t, err)
	assert.Equal(t, before, testutil.ToFloat64(telemetry.CriticalAlertsCreatedTotal))
}

func TestAppend_AlertFailureRollsBackRecord(t *testing.T) {
	_, store, mock := newEngine(t)

	mock.ExpectBegin()
	insertReturning(mock, 12)
	mock.ExpectExec("INSERT INTO critical_alerts").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := store.Append(context.Background(), &models.AuditRecord{Action: models.ActionDelete, Module: "x", Method: "DELETE", URL: "/x/12"})
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Review workflow
// ---------------------------------------------------------------------------

func TestAcknowledge_Twice(t *testing.T) {
	engine, _, mock := newEngine(t)
	mock.ExpectExec("UPDATE critical_alerts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE critical_alerts").WillReturnResult(sqlmock.NewResult(0, 1))

	for i := 0; i < 2; i++ {
		ok, err := engine.Acknowledge(context.Background(), 4, nil)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestAcknowledge_Unknown(t *testing.T) {
	engine, _, mock := newEngine(t)
	mock.ExpectExec("UPDATE critical_alerts").WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := engine.Acknowledge(context.Background(), 404, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPendingNotification_DefaultLimit(t *testing.T) {
	engine, _, mock := newEngine(t)
	mock.ExpectQuery("notified_at IS NULL").
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "log_id", "alert_type", "acknowledged", "created_at"}))

	alerts, err := engine.PendingNotification(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestCountUnacknowledged(t *testing.T) {
	engine, _, mock := newEngine(t)
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))

	n, err := engine.CountUnacknowledged(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
