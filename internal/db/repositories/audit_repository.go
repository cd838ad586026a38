// audit_repository.go implements AuditRepository, the append-only store for audit records.
// It owns the single write path (Append) and every read used by the reporting layer:
// filtered pagination, unpaginated export reads, facets and windowed statistics.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/recordkeeper/recordkeeper/internal/db/models"
)

// ErrInvalidSort is returned when a sort column or direction is not recognised.
var ErrInvalidSort = errors.New("invalid sort parameter")

const (
	// DefaultPageLimit is used when a caller asks for a non-positive page size.
	DefaultPageLimit = 50
	// MaxPageLimit caps the page size.
	MaxPageLimit = 500
	// MaxPage caps the page number so the row offset stays well inside int32.
	MaxPage = 1_000_000
	// DefaultWindowDays is the statistics window used when none is given.
	DefaultWindowDays = 30
	// DefaultActorLimit bounds the most-active-actors ranking when none is given.
	DefaultActorLimit = 10
)

const auditColumns = `id, user_id, user_name, user_email, action, module, entity_type, entity_id,
	before_values, after_values, ip_address, user_agent, method, url, status_code, duration_ms,
	metadata, created_at`

// sortColumns maps accepted sort keys to SQL columns.
var sortColumns = map[string]string{
	"createdAt":  "created_at",
	"created_at": "created_at",
	"id":         "id",
	"action":     "action",
	"module":     "module",
	"userName":   "user_name",
	"user_name":  "user_name",
	"statusCode": "status_code",
	"durationMs": "duration_ms",
}

// AppendObserver runs inside the append transaction after the record row is
// written and its id assigned. An observer error rolls the whole append back.
type AppendObserver interface {
	OnAppend(ctx context.Context, tx *sqlx.Tx, rec *models.AuditRecord) error
}

// AuditFilters are conjunctive; nil or empty fields do not constrain.
type AuditFilters struct {
	UserID        *int64
	Module        string
	Action        models.Action
	EntityType    string
	EntityID      string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Search        string
	CriticalOnly  bool
}

// Pagination selects one page of a sorted result.
type Pagination struct {
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
}

// Normalized returns p with Page and Limit clamped to their allowed ranges.
func (p Pagination) Normalized() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Page > MaxPage {
		p.Page = MaxPage
	}
	if p.Limit < 1 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// AuditPage is one page of records plus paging totals.
type AuditPage struct {
	Records    []*models.AuditRecord `json:"records"`
	Total      int64                 `json:"total"`
	Page       int                   `json:"page"`
	Limit      int                   `json:"limit"`
	TotalPages int                   `json:"totalPages"`
}

// AuditRepository handles audit record database operations
type AuditRepository struct {
	db        *sqlx.DB
	observers []AppendObserver
	now       func() time.Time
}

// NewAuditRepository creates a new AuditRepository. Observers run in order on every append.
func NewAuditRepository(db *sqlx.DB, observers ...AppendObserver) *AuditRepository {
	return &AuditRepository{db: db, observers: observers, now: time.Now}
}

// Append inserts rec and runs the observers in one transaction. On success
// rec.ID and rec.CreatedAt hold the stored values.
func (r *AuditRepository) Append(ctx context.Context, rec *models.AuditRecord) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO audit_logs (
			user_id, user_name, user_email, action, module, entity_type, entity_id,
			before_values, after_values, ip_address, user_agent, method, url,
			status_code, duration_ms, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at
	`

	err = tx.QueryRowxContext(ctx, query,
		rec.UserID,
		rec.UserName,
		rec.UserEmail,
		string(rec.Action),
		rec.Module,
		rec.EntityType,
		rec.EntityID,
		rec.BeforeValues,
		rec.AfterValues,
		rec.IPAddress,
		rec.UserAgent,
		rec.Method,
		rec.URL,
		rec.StatusCode,
		rec.DurationMs,
		rec.Metadata,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert audit record: %w", err)
	}

	for _, o := range r.observers {
		if err := o.OnAppend(ctx, tx, rec); err != nil {
			return 0, fmt.Errorf("append observer failed for audit record %d: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit audit record: %w", err)
	}
	return rec.ID, nil
}

// Query returns one page of records matching filters.
func (r *AuditRepository) Query(ctx context.Context, filters AuditFilters, p Pagination) (*AuditPage, error) {
	p = p.Normalized()
	orderBy, err := orderClause(p.SortBy, p.SortOrder)
	if err != nil {
		return nil, err
	}

	where, args := buildAuditWhere(filters)

	var total int64
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM audit_logs WHERE 1=1`+where, args...); err != nil {
		return nil, fmt.Errorf("failed to count audit records: %w", err)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_logs WHERE 1=1` + where + orderBy +
		fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, p.Limit, (p.Page-1)*p.Limit)

	records := make([]*models.AuditRecord, 0)
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}

	totalPages := int((total + int64(p.Limit) - 1) / int64(p.Limit))
	return &AuditPage{
		Records:    records,
		Total:      total,
		Page:       p.Page,
		Limit:      p.Limit,
		TotalPages: totalPages,
	}, nil
}

// QueryAll returns every matching record without paging, for exports. A
// positive max bounds the number of rows read.
func (r *AuditRepository) QueryAll(ctx context.Context, filters AuditFilters, sortBy, sortOrder string, max int) ([]*models.AuditRecord, error) {
	orderBy, err := orderClause(sortBy, sortOrder)
	if err != nil {
		return nil, err
	}

	where, args := buildAuditWhere(filters)
	query := `SELECT ` + auditColumns + ` FROM audit_logs WHERE 1=1` + where + orderBy
	if max > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, max)
	}

	records := make([]*models.AuditRecord, 0)
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to read audit records: %w", err)
	}
	return records, nil
}

// GetByID retrieves a record by id, or nil when it does not exist.
func (r *AuditRepository) GetByID(ctx context.Context, id int64) (*models.AuditRecord, error) {
	var rec models.AuditRecord
	err := r.db.GetContext(ctx, &rec, `SELECT `+auditColumns+` FROM audit_logs WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
	return &rec, nil
}

// DistinctModules lists every module present in the store, sorted.
func (r *AuditRepository) DistinctModules(ctx context.Context) ([]string, error) {
	modules := make([]string, 0)
	if err := r.db.SelectContext(ctx, &modules, `SELECT DISTINCT module FROM audit_logs ORDER BY module`); err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	return modules, nil
}

// DistinctActions lists every action present in the store, sorted.
func (r *AuditRepository) DistinctActions(ctx context.Context) ([]models.Action, error) {
	actions := make([]models.Action, 0)
	if err := r.db.SelectContext(ctx, &actions, `SELECT DISTINCT action FROM audit_logs ORDER BY action`); err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	return actions, nil
}

// MostActiveActors ranks actors with a user id by record count over the
// trailing window.
func (r *AuditRepository) MostActiveActors(ctx context.Context, windowDays, limit int) ([]models.ActorActivity, error) {
	if limit < 1 {
		limit = DefaultActorLimit
	}
	query := `
		SELECT user_id, MAX(user_name) AS user_name, MAX(user_email) AS user_email,
		       COUNT(*) AS action_count, MAX(created_at) AS last_activity
		FROM audit_logs
		WHERE user_id IS NOT NULL AND created_at >= $1
		GROUP BY user_id
		ORDER BY action_count DESC, user_id
		LIMIT $2
	`

	actors := make([]models.ActorActivity, 0)
	if err := r.db.SelectContext(ctx, &actors, query, r.windowStart(windowDays), limit); err != nil {
		return nil, fmt.Errorf("failed to rank actors: %w", err)
	}
	return actors, nil
}

// ActivityByModuleAndDay counts records per module, action and UTC day over
// the trailing window.
func (r *AuditRepository) ActivityByModuleAndDay(ctx context.Context, windowDays int) ([]models.ModuleActivity, error) {
	query := `
		SELECT module, action, COUNT(*) AS count,
		       to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS date
		FROM audit_logs
		WHERE created_at >= $1
		GROUP BY module, action, date
		ORDER BY date, module, action
	`

	rows := make([]models.ModuleActivity, 0)
	if err := r.db.SelectContext(ctx, &rows, query, r.windowStart(windowDays)); err != nil {
		return nil, fmt.Errorf("failed to aggregate module activity: %w", err)
	}
	return rows, nil
}

// Summary returns aggregate counts over the trailing window.
func (r *AuditRepository) Summary(ctx context.Context, windowDays int) (*models.AuditSummary, error) {
	if windowDays < 1 {
		windowDays = DefaultWindowDays
	}
	query := `
		SELECT COUNT(*) AS total_records,
		       COUNT(DISTINCT user_id) AS unique_actors,
		       COUNT(*) FILTER (WHERE action = ANY($2)) AS critical_records,
		       COUNT(*) FILTER (WHERE status_code >= 400) AS failed_requests,
		       COALESCE(AVG(duration_ms), 0)::float8 AS avg_duration_ms
		FROM audit_logs
		WHERE created_at >= $1
	`

	var summary models.AuditSummary
	if err := r.db.GetContext(ctx, &summary, query, r.windowStart(windowDays), criticalActionArray()); err != nil {
		return nil, fmt.Errorf("failed to summarise audit records: %w", err)
	}
	summary.WindowDays = windowDays
	return &summary, nil
}

func (r *AuditRepository) windowStart(windowDays int) time.Time {
	if windowDays < 1 {
		windowDays = DefaultWindowDays
	}
	return r.now().UTC().AddDate(0, 0, -windowDays)
}

// buildAuditWhere renders filters as " AND ..." clauses with positional args starting at $1.
func buildAuditWhere(f AuditFilters) (string, []interface{}) {
	var sb strings.Builder
	args := make([]interface{}, 0)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		fmt.Fprintf(&sb, " AND "+clause, len(args))
	}

	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if f.Module != "" {
		add("module = $%d", f.Module)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.CreatedAfter != nil {
		add("created_at >= $%d", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		add("created_at <= $%d", *f.CreatedBefore)
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		args = append(args, "%"+escapeLike(search)+"%")
		n := len(args)
		fmt.Fprintf(&sb, ` AND (user_name ILIKE $%d ESCAPE '\' OR user_email ILIKE $%d ESCAPE '\' OR url ILIKE $%d ESCAPE '\')`, n, n, n)
	}
	if f.CriticalOnly {
		add("action = ANY($%d)", criticalActionArray())
	}
	return sb.String(), args
}

func orderClause(sortBy, sortOrder string) (string, error) {
	column := "created_at"
	if sortBy != "" {
		c, ok := sortColumns[sortBy]
		if !ok {
			return "", fmt.Errorf("%w: unknown sort column %q", ErrInvalidSort, sortBy)
		}
		column = c
	}

	direction := "DESC"
	switch strings.ToLower(sortOrder) {
	case "", "desc":
	case "asc":
		direction = "ASC"
	default:
		return "", fmt.Errorf("%w: unknown sort order %q", ErrInvalidSort, sortOrder)
	}

	if column == "id" {
		return " ORDER BY id " + direction, nil
	}
	return fmt.Sprintf(" ORDER BY %s %s, id %s", column, direction, direction), nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func criticalActionArray() interface{} {
	actions := models.CriticalActions()
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a)
	}
	return pq.Array(out)
}
