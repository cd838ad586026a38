// export_archiver.go implements the ExportArchiver job, which writes the previous UTC day's
// audit records as a CSV object to archive storage. Object keys are deterministic
// (<prefix>/YYYY/MM/auditoria_YYYY-MM-DD.csv, with an ".enc" suffix when sealed) and an existing
// object is never rewritten, so re-running the job after a restart or on several replicas is
// harmless.
package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/recordkeeper/recordkeeper/internal/db/repositories"
	"github.com/recordkeeper/recordkeeper/internal/services"
	"github.com/recordkeeper/recordkeeper/internal/storage"
)

// ExportArchiverJobName identifies the archive job in logs and metrics.
const ExportArchiverJobName = "audit-export-archiver"

// Exporter renders matching audit records as CSV.
type Exporter interface {
	ExportCSV(ctx context.Context, filters repositories.AuditFilters, target string, w io.Writer) (int, error)
}

// ErrDayInProgress is returned by ArchiveDay for the current UTC day or a
// later one; only finished days are archived.
var ErrDayInProgress = errors.New("day has not finished yet")

// SealedSuffix marks archive objects encrypted with the archive cipher.
const SealedSuffix = ".enc"

// Sealer encrypts an archive before it is stored.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
}

// ExportArchiver archives one day of audit records per run.
type ExportArchiver struct {
	exporter Exporter
	store    storage.Storage
	prefix   string
	sealer   Sealer
	now      func() time.Time
}

// NewExportArchiver creates the archive job. The exporter's row limit bounds
// a day: a day with more records fails instead of being archived partially.
func NewExportArchiver(exporter Exporter, store storage.Storage, prefix string) *ExportArchiver {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "audit-exports"
	}
	return &ExportArchiver{
		exporter: exporter,
		store:    store,
		prefix:   prefix,
		now:      time.Now,
	}
}

// WithSealer makes the archiver encrypt every object it writes.
func (a *ExportArchiver) WithSealer(s Sealer) *ExportArchiver {
	a.sealer = s
	return a
}

// Name implements Job.
func (a *ExportArchiver) Name() string { return ExportArchiverJobName }

// Run archives the previous UTC day.
func (a *ExportArchiver) Run(ctx context.Context) error {
	day := a.now().UTC().AddDate(0, 0, -1)
	_, _, err := a.ArchiveDay(ctx, day)
	return err
}

// ArchiveKey returns the object key for day's export.
func ArchiveKey(prefix string, day time.Time) string {
	day = day.UTC()
	return path.Join(prefix, day.Format("2006"), day.Format("01"), services.ExportFilename(day))
}

// ArchiveDay exports the records created on day (UTC, whole day inclusive).
// It returns the object key and whether a new object was written; an object
// already present is left untouched. Objects are never rewritten, so the
// current day and days over the export limit are refused.
func (a *ExportArchiver) ArchiveDay(ctx context.Context, day time.Time) (string, bool, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24*time.Hour - time.Microsecond)
	key := ArchiveKey(a.prefix, start)
	if a.sealer != nil {
		key += SealedSuffix
	}

	now := a.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if !start.Before(today) {
		return key, false, fmt.Errorf("%w: %s", ErrDayInProgress, start.Format("2006-01-02"))
	}

	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		return key, false, fmt.Errorf("failed to check archive %s: %w", key, err)
	}
	if exists {
		slog.Info("audit archive already present, skipping", "key", key)
		return key, false, nil
	}

	var buf bytes.Buffer
	rows, err := a.exporter.ExportCSV(ctx, repositories.AuditFilters{
		CreatedAfter:  &start,
		CreatedBefore: &end,
	}, "archive", &buf)
	if err != nil {
		return key, false, fmt.Errorf("failed to export audit records for %s: %w", start.Format("2006-01-02"), err)
	}

	body := io.Reader(&buf)
	contentType := "text/csv; charset=utf-8"
	if a.sealer != nil {
		sealed, err := a.sealer.Seal(buf.Bytes())
		if err != nil {
			return key, false, fmt.Errorf("failed to seal archive %s: %w", key, err)
		}
		body = bytes.NewReader(sealed)
		contentType = "application/octet-stream"
	}

	obj, err := a.store.Put(ctx, key, body, storage.PutOptions{ContentType: contentType})
	if err != nil {
		return key, false, fmt.Errorf("failed to store archive %s: %w", key, err)
	}

	slog.Info("audit archive written", "key", obj.Key, "rows", rows, "bytes", obj.Size, "sha256", obj.Checksum)
	return key, true, nil
}
