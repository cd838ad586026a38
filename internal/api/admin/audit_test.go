package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordkeeper/recordkeeper/internal/db/models"
	"github.com/recordkeeper/recordkeeper/internal/db/repositories"
	"github.com/recordkeeper/recordkeeper/internal/middleware"
	"github.com/recordkeeper/recordkeeper/internal/services"
)

// fakeReporting records the arguments of the last call and returns canned results.
type fakeReporting struct {
	filters    repositories.AuditFilters
	pagination repositories.Pagination
	entityType string
	entityID   string
	days       int
	limit      int
	ackID      int64
	ackBy      *int64
	target     string

	page    *repositories.AuditPage
	record  *models.AuditRecord
	alerts  []models.AlertView
	acked   bool
	exportN int
	err     error
}

func (f *fakeReporting) List(_ context.Context, filters repositories.AuditFilters, p repositories.Pagination) (*repositories.AuditPage, error) {
	f.filters, f.pagination = filters, p
	return f.page, f.err
}

func (f *fakeReporting) Detail(_ context.Context, id int64) (*models.AuditRecord, error) {
	return f.record, f.err
}

func (f *fakeReporting) Timeline(_ context.Context, entityType, entityID string, p repositories.Pagination) (*repositories.AuditPage, error) {
	f.entityType, f.entityID, f.pagination = entityType, entityID, p
	return f.page, f.err
}

func (f *fakeReporting) Stats(_ context.Context, windowDays, actorLimit int) (*services.AuditStats, error) {
	f.days, f.limit = windowDays, actorLimit
	if f.err != nil {
		return nil, f.err
	}
	return &services.AuditStats{Summary: &models.AuditSummary{WindowDays: windowDays, TotalRecords: 3}}, nil
}

func (f *fakeReporting) Facets(_ context.Context) (*services.Facets, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &services.Facets{Modules: []string{"clientes"}, Actions: []models.Action{models.ActionDelete}}, nil
}

func (f *fakeReporting) Alerts(_ context.Context) ([]models.AlertView, error) {
	return f.alerts, f.err
}

func (f *fakeReporting) Acknowledge(_ context.Context, alertID int64, by *int64) (bool, error) {
	f.ackID, f.ackBy = alertID, by
	return f.acked, f.err
}

func (f *fakeReporting) ExportCSV(_ context.Context, filters repositories.AuditFilters, target string, w io.Writer) (int, error) {
	f.filters, f.target = filters, target
	if f.err != nil {
		return 0, f.err
	}
	fmt.Fprint(w, "\ufeff\"id\"\n\"1\"\n")
	return f.exportN, nil
}

func newAuditRouter(f *fakeReporting) *gin.Engine {
	h := NewAuditHandler(f)
	h.now = func() time.Time { return time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC) }

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.UserIDKey, int64(42))
		c.Next()
	})
	g := r.Group("/api/v1/audit")
	g.GET("/logs", h.ListLogs)
	g.GET("/logs/:id", h.GetLog)
	g.GET("/entities/:type/:id/timeline", h.EntityTimeline)
	g.GET("/stats", h.Stats)
	g.GET("/facets", h.Facets)
	g.GET("/alerts/pending", h.PendingAlerts)
	g.POST("/alerts/:id/acknowledge", h.AcknowledgeAlert)
	g.GET("/export", h.Export)
	return r
}

func do(r *gin.Engine, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func getJSON(w *httptest.ResponseRecorder) map[string]interface{} {
	var m map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &m)
	return m
}

// ---------------------------------------------------------------------------
// ListLogs
// ---------------------------------------------------------------------------

func TestListLogs_ParsesFilters(t *testing.T) {
	f := &fakeReporting{page: &repositories.AuditPage{Records: []*models.AuditRecord{}, Total: 0, Page: 2, Limit: 10}}
	r := newAuditRouter(f)

	w := do(r, http.MethodGet, "/api/v1/audit/logs?userId=7&module=clientes&action=delete&entityType=cliente&entityId=15"+
		"&startDate=2024-03-01&endDate=2024-03-09&search=ana&isCritical=true&page=2&limit=10&sortBy=action&sortOrder=asc")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.NotNil(t, f.filters.UserID)
	assert.Equal(t, int64(7), *f.filters.UserID)
	assert.Equal(t, "clientes", f.filters.Module)
	assert.Equal(t, models.ActionDelete, f.filters.Action)
	assert.Equal(t, "cliente", f.filters.EntityType)
	assert.Equal(t, "15", f.filters.EntityID)
	assert.Equal(t, "ana", f.filters.Search)
	assert.True(t, f.filters.CriticalOnly)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), *f.filters.CreatedAfter)
	assert.Equal(t, time.Date(2024, 3, 9, 23, 59, 59, 999999000, time.UTC), *f.filters.CreatedBefore)
	assert.Equal(t, repositories.Pagination{Page: 2, Limit: 10, SortBy: "action", SortOrder: "asc"}, f.pagination)
	assert.Equal(t, float64(2), getJSON(w)["page"])
}

func TestListLogs_BadParams(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"bad user id", "userId=abc"},
		{"bad start date", "startDate=yesterday"},
		{"bad end date", "endDate=2024-13-01"},
		{"end before start", "startDate=2024-03-09&endDate=2024-03-01"},
		{"bad critical flag", "isCritical=maybe"},
		{"bad page", "page=x"},
		{"page past the cap", "page=1000001"},
		{"page overflowing int", "page=9223372036854775807"},
		{"bad limit", "limit=1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeReporting{}
			w := do(newAuditRouter(f), http.MethodGet, "/api/v1/audit/logs?"+tt.query)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, getJSON(w)["error"])
		})
	}
}

func TestListLogs_InvalidSortIs400(t *testing.T) {
	f := &fakeReporting{err: fmt.Errorf("%w: unknown sort column %q", repositories.ErrInvalidSort, "password")}
	w := do(newAuditRouter(f), http.MethodGet, "/api/v1/audit/logs?sortBy=password")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListLogs_StoreErrorIs500(t *testing.T) {
	f := &fakeReporting{err: errors.New("connection reset")}
	w := do(newAuditRouter(f), http.MethodGet, "/api/v1/audit/logs")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Failed to list audit logs", getJSON(w)["error"])
}

func TestParseDate(t *testing.T) {
	got, err := parseDate("2024-03-09T10:00:00-03:00", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 9, 13, 0, 0, 0, time.UTC), got)

	got, err = parseDate("2024-03-09", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), got)

	_, err = parseDate("09/03/2024", false)
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// GetLog / EntityTimeline
// ---------------------------------------------------------------------------

func TestGetLog(t *testing.T) {
	f := &fakeReporting{record: &models.AuditRecord{ID: 5, Action: models.ActionUpdate, Module: "clientes"}}
	w := do(newAuditRouter(f), http.MethodGet, "/api/v1/audit/logs/5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "UPDATE", getJSON(w)["action"])

	w = do(newAuditRouter(&fakeReporting{}), http.MethodGet, "/api/v1/audit/logs/6")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(newAuditRouter(&fakeReporting{}), http.MethodGet, "/api/v1/audit/logs/abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEntityTimeline(t *testing.T) {
	f := &fakeReporting{page: &repositories.AuditPage{Records: []*models.AuditRecord{}}}
	w := do(newAuditRouter(f), http.MethodGet, "/api/v1/audit/entities/cliente/15/timeline?limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cliente", f.entityType)
	assert.Equal(t, "15", f.entityID)
	assert.Equal(t, 5, f.pagination.Limit)
}

// ---------------------------------------------------------------------------
// Stats / Facets
// ---------------------------------------------------------------------------

func TestStats_Defaults(t *testing.T) {
	f := &fakeReporting{}
	w := do(newAuditRouter(f), http.MethodGet, "/api/v1/audit/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, repositories.DefaultWindowDays, f.days)
	assert.Equal(t, repositories.DefaultActorLimit, f.limit)

	w = do(newAuditRouter(f), http.MethodGet, "/api/v1/audit/stats?days=7&limit=3")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 7, f.days)
	assert.Equal(t, 3, f.limit)

	w = do(newAuditRouter(f), http.MethodGet, "/api/v1/audit/stats?days=week")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFacets(t *testing.T) {
	w := do(newAuditRouter(&fakeReporting{}), http.MethodGet, "/api/v1/audit/facets")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{"clientes"}, getJSON(w)["modules"])
}

// ---------------------------------------------------------------------------
// Alerts
// ---------------------------------------------------------------------------

func TestPendingAlerts_EmptyIsArray(t *testing.T) {
	w := do(newAuditRouter(&fakeReporting{}), http.MethodGet, "/api/v1/audit/alerts/pending")
	require.Equal(t, http.StatusOK, w.Code)
	resp := getJSON(w)
	assert.Equal(t, []interface{}{}, resp["alerts"])
	assert.Equal(t, float64(0), resp["total"])
}

func TestAcknowledgeAlert(t *testing.T) {
	f := &fakeReporting{acked: true}
	w := do(newAuditRouter(f), http.MethodPost, "/api/v1/audit/alerts/9/acknowledge")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, getJSON(w)["acknowledged"])
	assert.Equal(t, int64(9), f.ackID)
	require.NotNil(t, f.ackBy)
	assert.Equal(t, int64(42), *f.ackBy)

	w = do(newAuditRouter(&fakeReporting{acked: false}), http.MethodPost, "/api/v1/audit/alerts/9/acknowledge")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(newAuditRouter(&fakeReporting{}), http.MethodPost, "/api/v1/audit/alerts/0/acknowledge")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ---------------------------------------------------------------------------
// Export
// ---------------------------------------------------------------------------

func TestExport(t *testing.T) {
	f := &fakeReporting{exportN: 1}
	w := do(newAuditRouter(f), http.MethodGet, "/api/v1/audit/export?module=clientes")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="auditoria_2024-03-09.csv"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "1", w.Header().Get("X-Export-Rows"))
	assert.Equal(t, "http", f.target)
	assert.Equal(t, "clientes", f.filters.Module)
	assert.Equal(t, "\ufeff\"id\"\n\"1\"\n", w.Body.String())
}

func TestExport_StoreError(t *testing.T) {
	w := do(newAuditRouter(&fakeReporting{err: errors.New("timeout")}), http.MethodGet, "/api/v1/audit/export")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, w.Header().Get("Content-Disposition"))
}

func TestExport_TooLarge(t *testing.T) {
	err := fmt.Errorf("%w: more than 100000 records match", services.ErrExportTooLarge)
	w := do(newAuditRouter(&fakeReporting{err: err}), http.MethodGet, "/api/v1/audit/export")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Empty(t, w.Header().Get("Content-Disposition"))
	assert.Contains(t, getJSON(w)["error"], "narrow the filters")
}
