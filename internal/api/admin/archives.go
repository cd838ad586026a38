// archives.go implements handlers over the daily CSV archives kept in object storage.
package admin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recordkeeper/recordkeeper/internal/jobs"
	"github.com/recordkeeper/recordkeeper/internal/services"
	"github.com/recordkeeper/recordkeeper/internal/storage"
)

// DayArchiver writes the archive for one UTC day.
type DayArchiver interface {
	ArchiveDay(ctx context.Context, day time.Time) (string, bool, error)
}

// Opener decrypts sealed archives.
type Opener interface {
	Open(sealed []byte) ([]byte, error)
}

// sealedSuffix matches the suffix the archive job gives encrypted objects.
const sealedSuffix = ".enc"

// ArchiveHandler serves the archive listing, downloads and on-demand runs
type ArchiveHandler struct {
	store    storage.Storage
	archiver DayArchiver
	opener   Opener
	prefix   string
	now      func() time.Time
}

// NewArchiveHandler creates a new archive handler. archiver may be nil, in
// which case on-demand runs answer 503.
func NewArchiveHandler(store storage.Storage, archiver DayArchiver, prefix string) *ArchiveHandler {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "audit-exports"
	}
	return &ArchiveHandler{store: store, archiver: archiver, prefix: prefix, now: time.Now}
}

// WithOpener lets Download decrypt sealed archives.
func (h *ArchiveHandler) WithOpener(o Opener) *ArchiveHandler {
	h.opener = o
	return h
}

// List handles GET /api/v1/audit/archives
func (h *ArchiveHandler) List(c *gin.Context) {
	objects, err := h.store.List(c.Request.Context(), h.prefix+"/")
	if err != nil {
		slog.Error("failed to list archives", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list archives"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"archives": objects, "total": len(objects)})
}

// Download handles GET /api/v1/audit/archives/download?key=...
func (h *ArchiveHandler) Download(c *gin.Context) {
	key, err := storage.CleanKey(c.Query("key"))
	if err != nil || !strings.HasPrefix(key, h.prefix+"/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid archive key"})
		return
	}

	sealed := strings.HasSuffix(key, sealedSuffix)
	if sealed && h.opener == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Archive is encrypted and no key is configured"})
		return
	}

	rc, err := h.store.Get(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Archive not found"})
			return
		}
		slog.Error("failed to open archive", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to open archive"})
		return
	}
	defer rc.Close()

	filename := strings.TrimSuffix(path.Base(key), sealedSuffix)
	if sealed {
		data, err := io.ReadAll(rc)
		if err == nil {
			data, err = h.opener.Open(data)
		}
		if err != nil {
			slog.Error("failed to decrypt archive", "key", key, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to decrypt archive"})
			return
		}
		c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
		c.Data(http.StatusOK, "text/csv; charset=utf-8", data)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		slog.Warn("archive download interrupted", "key", key, "error", err)
	}
}

// Run handles POST /api/v1/audit/archives/run?date=YYYY-MM-DD
func (h *ArchiveHandler) Run(c *gin.Context) {
	if h.archiver == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Archiving is not enabled"})
		return
	}
	day, err := time.Parse("2006-01-02", c.Query("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}
	if now := h.now().UTC(); !day.Before(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only days before today (UTC) can be archived"})
		return
	}

	key, written, err := h.archiver.ArchiveDay(c.Request.Context(), day)
	switch {
	case errors.Is(err, jobs.ErrDayInProgress):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, services.ErrExportTooLarge):
		slog.Error("day exceeds the archive row limit", "date", c.Query("date"), "error", err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		slog.Error("on-demand archive failed", "date", c.Query("date"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to archive audit logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "written": written})
}
