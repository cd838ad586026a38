// Package services implements the read side of the audit pipeline. AuditReportingService
// coordinates the audit store and the critical alert engine to serve list, detail,
// timeline, statistics and CSV export views to handlers, jobs and the CLI.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/recordkeeper/recordkeeper/internal/db/models"
	"github.com/recordkeeper/recordkeeper/internal/db/repositories"
	"github.com/recordkeeper/recordkeeper/internal/telemetry"
)

// DefaultExportLimit bounds the rows read for one CSV export when none is configured.
const DefaultExportLimit = 100000

// ErrExportTooLarge is returned by ExportCSV when more records match than the
// export limit allows. Nothing is written in that case.
var ErrExportTooLarge = errors.New("export exceeds the row limit")

// AuditReader is the read surface of the audit store.
type AuditReader interface {
	Query(ctx context.Context, filters repositories.AuditFilters, p repositories.Pagination) (*repositories.AuditPage, error)
	QueryAll(ctx context.Context, filters repositories.AuditFilters, sortBy, sortOrder string, max int) ([]*models.AuditRecord, error)
	GetByID(ctx context.Context, id int64) (*models.AuditRecord, error)
	DistinctModules(ctx context.Context) ([]string, error)
	DistinctActions(ctx context.Context) ([]models.Action, error)
	MostActiveActors(ctx context.Context, windowDays, limit int) ([]models.ActorActivity, error)
	ActivityByModuleAndDay(ctx context.Context, windowDays int) ([]models.ModuleActivity, error)
	Summary(ctx context.Context, windowDays int) (*models.AuditSummary, error)
}

// AlertManager is the review surface of the critical alert engine.
type AlertManager interface {
	Acknowledge(ctx context.Context, alertID int64, by *int64) (bool, error)
	ListUnacknowledged(ctx context.Context) ([]models.AlertView, error)
	CountUnacknowledged(ctx context.Context) (int64, error)
}

// AuditStats combines the windowed aggregates shown on the audit dashboard.
type AuditStats struct {
	Summary                *models.AuditSummary    `json:"summary"`
	MostActiveActors       []models.ActorActivity  `json:"mostActiveActors"`
	ActivityByModuleAndDay []models.ModuleActivity `json:"activityByModuleAndDay"`
}

// Facets lists the distinct values available for the module and action filters.
type Facets struct {
	Modules []string        `json:"modules"`
	Actions []models.Action `json:"actions"`
}

// AuditReportingService serves read-side views over the audit store.
type AuditReportingService struct {
	store       AuditReader
	alerts      AlertManager
	exportLimit int
}

// NewAuditReportingService creates the reporting facade. A non-positive
// exportLimit falls back to DefaultExportLimit.
func NewAuditReportingService(store AuditReader, alerts AlertManager, exportLimit int) *AuditReportingService {
	if exportLimit < 1 {
		exportLimit = DefaultExportLimit
	}
	return &AuditReportingService{store: store, alerts: alerts, exportLimit: exportLimit}
}

// List returns one filtered, sorted page of records.
func (s *AuditReportingService) List(ctx context.Context, filters repositories.AuditFilters, p repositories.Pagination) (*repositories.AuditPage, error) {
	return s.store.Query(ctx, filters, p)
}

// Detail returns one record, or nil when it does not exist.
func (s *AuditReportingService) Detail(ctx context.Context, id int64) (*models.AuditRecord, error) {
	return s.store.GetByID(ctx, id)
}

// Timeline returns the history of one entity, newest first unless p says otherwise.
func (s *AuditReportingService) Timeline(ctx context.Context, entityType, entityID string, p repositories.Pagination) (*repositories.AuditPage, error) {
	if entityType == "" || entityID == "" {
		return nil, fmt.Errorf("entity type and id are required")
	}
	return s.store.Query(ctx, repositories.AuditFilters{EntityType: entityType, EntityID: entityID}, p)
}

// Stats returns the summary, actor ranking and per-module daily activity for
// the trailing window.
func (s *AuditReportingService) Stats(ctx context.Context, windowDays, actorLimit int) (*AuditStats, error) {
	summary, err := s.store.Summary(ctx, windowDays)
	if err != nil {
		return nil, err
	}
	pending, err := s.alerts.CountUnacknowledged(ctx)
	if err != nil {
		return nil, err
	}
	summary.UnacknowledgedAlerts = pending

	actors, err := s.store.MostActiveActors(ctx, summary.WindowDays, actorLimit)
	if err != nil {
		return nil, err
	}
	activity, err := s.store.ActivityByModuleAndDay(ctx, summary.WindowDays)
	if err != nil {
		return nil, err
	}

	return &AuditStats{
		Summary:                summary,
		MostActiveActors:       actors,
		ActivityByModuleAndDay: activity,
	}, nil
}

// Facets returns the distinct modules and actions in the store.
func (s *AuditReportingService) Facets(ctx context.Context) (*Facets, error) {
	modules, err := s.store.DistinctModules(ctx)
	if err != nil {
		return nil, err
	}
	actions, err := s.store.DistinctActions(ctx)
	if err != nil {
		return nil, err
	}
	return &Facets{Modules: modules, Actions: actions}, nil
}

// Alerts returns pending critical alerts, newest first.
func (s *AuditReportingService) Alerts(ctx context.Context) ([]models.AlertView, error) {
	return s.alerts.ListUnacknowledged(ctx)
}

// Acknowledge marks an alert reviewed; false means the alert does not exist.
func (s *AuditReportingService) Acknowledge(ctx context.Context, alertID int64, by *int64) (bool, error) {
	return s.alerts.Acknowledge(ctx, alertID, by)
}

// ExportCSV writes every record matching filters, newest first, to w and
// returns the number of data rows written. target labels the export metric.
// A result that would exceed the export limit is refused with
// ErrExportTooLarge rather than cut short.
func (s *AuditReportingService) ExportCSV(ctx context.Context, filters repositories.AuditFilters, target string, w io.Writer) (int, error) {
	records, err := s.store.QueryAll(ctx, filters, "createdAt", "desc", s.exportLimit+1)
	if err != nil {
		return 0, err
	}
	if len(records) > s.exportLimit {
		return 0, fmt.Errorf("%w: more than %d records match", ErrExportTooLarge, s.exportLimit)
	}
	if err := WriteCSV(w, records); err != nil {
		return 0, err
	}
	telemetry.AuditExportsTotal.WithLabelValues(target).Inc()
	return len(records), nil
}

// ExportFilename returns the download name for an export taken at now.
func ExportFilename(now time.Time) string {
	return "auditoria_" + now.Format("2006-01-02") + ".csv"
}

var csvHeader = []string{
	"id", "timestamp", "actor name", "actor email", "action", "module", "entity type",
	"entity id", "ip", "method", "url", "status code", "duration ms", "critical",
}

// WriteCSV writes records as a UTF-8 CSV with a byte order mark. Every field
// is double-quoted with embedded quotes doubled, one line per record after
// the header.
func WriteCSV(w io.Writer, records []*models.AuditRecord) error {
	var sb strings.Builder
	sb.WriteString("\ufeff")
	writeCSVRow(&sb, csvHeader)
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	row := make([]string, len(csvHeader))
	for _, rec := range records {
		sb.Reset()
		row[0] = strconv.FormatInt(rec.ID, 10)
		row[1] = rec.CreatedAt.UTC().Format(time.RFC3339)
		row[2] = deref(rec.UserName)
		row[3] = deref(rec.UserEmail)
		row[4] = string(rec.Action)
		row[5] = rec.Module
		row[6] = deref(rec.EntityType)
		row[7] = deref(rec.EntityID)
		row[8] = deref(rec.IPAddress)
		row[9] = rec.Method
		row[10] = rec.URL
		row[11] = strconv.Itoa(rec.StatusCode)
		row[12] = strconv.FormatInt(rec.DurationMs, 10)
		row[13] = strconv.FormatBool(rec.IsCritical())
		writeCSVRow(&sb, row)
		if _, err := io.WriteString(w, sb.String()); err != nil {
			return fmt.Errorf("failed to write csv row for record %d: %w", rec.ID, err)
		}
	}
	return nil
}

func writeCSVRow(sb *strings.Builder, fields []string) {
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('"')
		sb.WriteString(strings.ReplaceAll(f, `"`, `""`))
		sb.WriteByte('"')
	}
	sb.WriteByte('\n')
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
