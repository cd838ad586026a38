// audit.go implements the read-side audit handlers: filtered log listing, record detail, entity
// timelines, dashboard statistics, filter facets, critical alert review and CSV export.
package admin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recordkeeper/recordkeeper/internal/db/models"
	"github.com/recordkeeper/recordkeeper/internal/db/repositories"
	"github.com/recordkeeper/recordkeeper/internal/middleware"
	"github.com/recordkeeper/recordkeeper/internal/services"
)

// AuditReporting is the reporting surface the handlers need.
type AuditReporting interface {
	List(ctx context.Context, filters repositories.AuditFilters, p repositories.Pagination) (*repositories.AuditPage, error)
	Detail(ctx context.Context, id int64) (*models.AuditRecord, error)
	Timeline(ctx context.Context, entityType, entityID string, p repositories.Pagination) (*repositories.AuditPage, error)
	Stats(ctx context.Context, windowDays, actorLimit int) (*services.AuditStats, error)
	Facets(ctx context.Context) (*services.Facets, error)
	Alerts(ctx context.Context) ([]models.AlertView, error)
	Acknowledge(ctx context.Context, alertID int64, by *int64) (bool, error)
	ExportCSV(ctx context.Context, filters repositories.AuditFilters, target string, w io.Writer) (int, error)
}

// AuditHandler handles /api/v1/audit requests
type AuditHandler struct {
	reporting AuditReporting
	now       func() time.Time
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(reporting AuditReporting) *AuditHandler {
	return &AuditHandler{reporting: reporting, now: time.Now}
}

// ListLogs handles GET /api/v1/audit/logs
func (h *AuditHandler) ListLogs(c *gin.Context) {
	filters, err := parseAuditFilters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := parsePagination(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	page, err := h.reporting.List(c.Request.Context(), filters, p)
	if err != nil {
		respondStoreError(c, "Failed to list audit logs", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetLog handles GET /api/v1/audit/logs/:id
func (h *AuditHandler) GetLog(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid audit log id"})
		return
	}

	rec, err := h.reporting.Detail(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, "Failed to get audit log", err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Audit log not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// EntityTimeline handles GET /api/v1/audit/entities/:type/:id/timeline
func (h *AuditHandler) EntityTimeline(c *gin.Context) {
	p, err := parsePagination(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	page, err := h.reporting.Timeline(c.Request.Context(), c.Param("type"), c.Param("id"), p)
	if err != nil {
		respondStoreError(c, "Failed to get entity timeline", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Stats handles GET /api/v1/audit/stats
func (h *AuditHandler) Stats(c *gin.Context) {
	days, err := optionalInt(c, "days", repositories.DefaultWindowDays)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := optionalInt(c, "limit", repositories.DefaultActorLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stats, err := h.reporting.Stats(c.Request.Context(), days, limit)
	if err != nil {
		respondStoreError(c, "Failed to compute audit statistics", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Facets handles GET /api/v1/audit/facets
func (h *AuditHandler) Facets(c *gin.Context) {
	facets, err := h.reporting.Facets(c.Request.Context())
	if err != nil {
		respondStoreError(c, "Failed to list audit facets", err)
		return
	}
	c.JSON(http.StatusOK, facets)
}

// PendingAlerts handles GET /api/v1/audit/alerts/pending
func (h *AuditHandler) PendingAlerts(c *gin.Context) {
	alerts, err := h.reporting.Alerts(c.Request.Context())
	if err != nil {
		respondStoreError(c, "Failed to list critical alerts", err)
		return
	}
	if alerts == nil {
		alerts = []models.AlertView{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "total": len(alerts)})
}

// AcknowledgeAlert handles POST /api/v1/audit/alerts/:id/acknowledge
func (h *AuditHandler) AcknowledgeAlert(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid alert id"})
		return
	}

	ok, err := h.reporting.Acknowledge(c.Request.Context(), id, middleware.ActingUserID(c))
	if err != nil {
		respondStoreError(c, "Failed to acknowledge alert", err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

// Export handles GET /api/v1/audit/export
func (h *AuditHandler) Export(c *gin.Context) {
	filters, err := parseAuditFilters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// buffered so a store failure can still be reported as JSON
	var buf bytes.Buffer
	rows, err := h.reporting.ExportCSV(c.Request.Context(), filters, "http", &buf)
	if err != nil {
		respondStoreError(c, "Failed to export audit logs", err)
		return
	}

	filename := services.ExportFilename(h.now())
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Header("X-Export-Rows", strconv.Itoa(rows))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

// respondStoreError maps a reporting error to 400 for rejected sort
// parameters, 422 for an export over the row limit and 500 otherwise.
func respondStoreError(c *gin.Context, msg string, err error) {
	if errors.Is(err, repositories.ErrInvalidSort) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, services.ErrExportTooLarge) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error() + "; narrow the filters"})
		return
	}
	slog.Error(msg, "error", err, "path", c.Request.URL.Path,
		"request_id", c.GetString(middleware.RequestIDKey))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func parseAuditFilters(c *gin.Context) (repositories.AuditFilters, error) {
	f := repositories.AuditFilters{
		Module:     strings.TrimSpace(c.Query("module")),
		Action:     models.Action(strings.ToUpper(strings.TrimSpace(c.Query("action")))),
		EntityType: strings.TrimSpace(c.Query("entityType")),
		EntityID:   strings.TrimSpace(c.Query("entityId")),
		Search:     strings.TrimSpace(c.Query("search")),
	}

	if v := c.Query("userId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid userId %q", v)
		}
		f.UserID = &id
	}
	if v := c.Query("startDate"); v != "" {
		t, err := parseDate(v, false)
		if err != nil {
			return f, fmt.Errorf("invalid startDate: %w", err)
		}
		f.CreatedAfter = &t
	}
	if v := c.Query("endDate"); v != "" {
		t, err := parseDate(v, true)
		if err != nil {
			return f, fmt.Errorf("invalid endDate: %w", err)
		}
		f.CreatedBefore = &t
	}
	if f.CreatedAfter != nil && f.CreatedBefore != nil && f.CreatedBefore.Before(*f.CreatedAfter) {
		return f, fmt.Errorf("endDate is before startDate")
	}
	if v := c.Query("isCritical"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("invalid isCritical %q", v)
		}
		f.CriticalOnly = b
	}
	return f, nil
}

// parseDate accepts RFC 3339 or YYYY-MM-DD. A bare end date covers the whole
// day, up to its last microsecond.
func parseDate(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Microsecond)
	}
	return t, nil
}

func parsePagination(c *gin.Context) (repositories.Pagination, error) {
	page, err := optionalInt(c, "page", 1)
	if err != nil {
		return repositories.Pagination{}, err
	}
	if page > repositories.MaxPage {
		return repositories.Pagination{}, fmt.Errorf("page must not exceed %d", repositories.MaxPage)
	}
	limit, err := optionalInt(c, "limit", repositories.DefaultPageLimit)
	if err != nil {
		return repositories.Pagination{}, err
	}
	return repositories.Pagination{
		Page:      page,
		Limit:     limit,
		SortBy:    c.Query("sortBy"),
		SortOrder: c.Query("sortOrder"),
	}, nil
}

func optionalInt(c *gin.Context, name string, def int) (int, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}
