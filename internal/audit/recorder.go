package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/recordkeeper/recordkeeper/internal/db/models"
	"github.com/recordkeeper/recordkeeper/internal/telemetry"
)

// Appender persists one audit record and returns its store-assigned id.
type Appender interface {
	Append(ctx context.Context, rec *models.AuditRecord) (int64, error)
}

// Recorder turns captures into persisted records on the dispatcher's workers.
// Every capture is attempted at most once; failures are logged and dropped.
type Recorder struct {
	store        Appender
	dispatcher   *Dispatcher
	shipper      Shipper
	writeTimeout time.Duration
}

// NewRecorder creates a Recorder. shipper may be nil. A zero writeTimeout
// leaves the append unbounded.
func NewRecorder(store Appender, dispatcher *Dispatcher, shipper Shipper, writeTimeout time.Duration) *Recorder {
	return &Recorder{
		store:        store,
		dispatcher:   dispatcher,
		shipper:      shipper,
		writeTimeout: writeTimeout,
	}
}

// Record hands c to the dispatcher without blocking and reports whether it
// was accepted. A rejected capture is logged and counted, never retried.
func (r *Recorder) Record(rules *Rules, c *Capture) bool {
	err := r.dispatcher.TrySubmit(func() { r.persist(rules, c) })
	if err == nil {
		telemetry.AuditRecordsEnqueuedTotal.Inc()
		return true
	}

	reason := "queue_full"
	if errors.Is(err, ErrDispatcherClosed) {
		reason = "closed"
	}
	telemetry.AuditRecordsDroppedTotal.WithLabelValues(reason).Inc()
	slog.Warn("audit record dropped",
		"reason", reason,
		"request_id", c.RequestID,
		"method", c.Method,
		"path", c.Path,
	)
	return false
}

func (r *Recorder) persist(rules *Rules, c *Capture) {
	// Detached from the originating request: a client disconnect must not cancel the write.
	ctx := context.Background()
	if r.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.writeTimeout)
		defer cancel()
	}

	rec := BuildRecord(rules, c)

	start := time.Now()
	id, err := r.store.Append(ctx, rec)
	telemetry.AuditWriteDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.AuditWriteFailuresTotal.Inc()
		slog.Error("failed to persist audit record",
			"error", err,
			"request_id", c.RequestID,
			"method", rec.Method,
			"path", c.Path,
			"module", rec.Module,
			"action", rec.Action,
		)
		return
	}
	rec.ID = id
	telemetry.AuditRecordsPersistedTotal.Inc()

	if r.shipper != nil {
		if err := r.shipper.Ship(ctx, rec); err != nil {
			slog.Warn("failed to ship audit record", "error", err, "record_id", id)
		}
	}
}
