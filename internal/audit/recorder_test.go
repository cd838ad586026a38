package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordkeeper/recordkeeper/internal/db/models"
)

// fakeAppender records appended records and optionally fails.
type fakeAppender struct {
	mu      sync.Mutex
	records []*models.AuditRecord
	err     error
	nextID  int64
	hadDL   bool
}

func (f *fakeAppender) Append(ctx context.Context, rec *models.AuditRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, f.hadDL = ctx.Deadline()
	if f.err != nil {
		return 0, f.err
	}
	f.nextID++
	f.records = append(f.records, rec)
	return f.nextID, nil
}

func (f *fakeAppender) snapshot() []*models.AuditRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.AuditRecord(nil), f.records...)
}

// fakeShipper collects shipped records.
type fakeShipper struct {
	mu      sync.Mutex
	shipped []*models.AuditRecord
}

func (s *fakeShipper) Ship(_ context.Context, rec *models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shipped = append(s.shipped, rec)
	return nil
}

func (s *fakeShipper) Close() error { return nil }

func deleteCapture() *Capture {
	return &Capture{
		Method:     "DELETE",
		Path:       "/clientes/55",
		RequestURI: "/clientes/55",
		StatusCode: 204,
		DurationMs: 4,
		ClientIP:   "10.0.0.1",
		RequestID:  "req-1",
		Actor:      Actor{UserID: int64Ptr(3)},
	}
}

func TestRecorder_PersistsAndShips(t *testing.T) {
	store := &fakeAppender{}
	ship := &fakeShipper{}
	d := NewDispatcher(8, 1)
	d.Start()
	r := NewRecorder(store, d, ship, time.Second)

	assert.True(t, r.Record(DefaultRules(), deleteCapture()))
	require.NoError(t, d.Close(context.Background()))

	recs := store.snapshot()
	require.Len(t, recs, 1)
	assert.Equal(t, models.ActionDelete, recs[0].Action)
	assert.Equal(t, "clientes", recs[0].Module)
	assert.True(t, store.hadDL, "write timeout should bound the append")

	require.Len(t, ship.shipped, 1)
	assert.Equal(t, int64(1), ship.shipped[0].ID)
}

func TestRecorder_NoTimeoutWhenZero(t *testing.T) {
	store := &fakeAppender{}
	d := NewDispatcher(8, 1)
	d.Start()
	r := NewRecorder(store, d, nil, 0)

	r.Record(DefaultRules(), deleteCapture())
	require.NoError(t, d.Close(context.Background()))
	assert.False(t, store.hadDL)
}

func TestRecorder_StoreFailureIsSwallowed(t *testing.T) {
	store := &fakeAppender{err: errors.New("connection refused")}
	ship := &fakeShipper{}
	d := NewDispatcher(8, 1)
	d.Start()
	r := NewRecorder(store, d, ship, 0)

	assert.True(t, r.Record(DefaultRules(), deleteCapture()))
	require.NoError(t, d.Close(context.Background()))

	assert.Empty(t, store.snapshot())
	assert.Empty(t, ship.shipped, "failed records must not be shipped")
}

func TestRecorder_DropsWhenQueueFull(t *testing.T) {
	store := &fakeAppender{}
	d := NewDispatcher(1, 1)
	// not started, so the single slot stays occupied
	r := NewRecorder(store, d, nil, 0)

	assert.True(t, r.Record(DefaultRules(), deleteCapture()))
	assert.False(t, r.Record(DefaultRules(), deleteCapture()))
}

func TestRecorder_DropsAfterClose(t *testing.T) {
	d := NewDispatcher(4, 1)
	d.Start()
	require.NoError(t, d.Close(context.Background()))

	r := NewRecorder(&fakeAppender{}, d, nil, 0)
	assert.False(t, r.Record(DefaultRules(), deleteCapture()))
}

func TestRecorder_UsesSuppliedRulesSnapshot(t *testing.T) {
	store := &fakeAppender{}
	d := NewDispatcher(8, 1)
	d.Start()
	r := NewRecorder(store, d, nil, 0)

	rules := NewRules(RulesConfig{
		ModuleAliases: map[string]string{"clientes": "customers"},
		MethodActions: map[string]models.Action{"DELETE": "REMOVE"},
	})
	r.Record(rules, deleteCapture())
	require.NoError(t, d.Close(context.Background()))

	recs := store.snapshot()
	require.Len(t, recs, 1)
	assert.Equal(t, "customers", recs[0].Module)
	assert.Equal(t, models.Action("REMOVE"), recs[0].Action)
}
