package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordkeeper/recordkeeper/internal/config"
	"github.com/recordkeeper/recordkeeper/internal/crypto"
	"github.com/recordkeeper/recordkeeper/internal/services"
	"github.com/recordkeeper/recordkeeper/internal/storage"
	"github.com/recordkeeper/recordkeeper/internal/storage/local"
)

type fakeDayArchiver struct {
	day time.Time
	err error
}

func (f *fakeDayArchiver) ArchiveDay(_ context.Context, day time.Time) (string, bool, error) {
	f.day = day
	if f.err != nil {
		return "", false, f.err
	}
	return "audit-exports/2024/03/auditoria_" + day.Format("2006-01-02") + ".csv", true, nil
}

func newArchiveRouter(t *testing.T, archiver DayArchiver) (*gin.Engine, storage.Storage) {
	t.Helper()
	store, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	h := NewArchiveHandler(store, archiver, "audit-exports")
	h.now = func() time.Time { return time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC) }
	r := gin.New()
	r.GET("/archives", h.List)
	r.GET("/archives/download", h.Download)
	r.POST("/archives/run", h.Run)
	return r, store
}

func TestArchives_ListAndDownload(t *testing.T) {
	r, store := newArchiveRouter(t, nil)
	ctx := context.Background()
	_, err := store.Put(ctx, "audit-exports/2024/03/auditoria_2024-03-09.csv", strings.NewReader("id\n"), storage.PutOptions{})
	require.NoError(t, err)
	_, err = store.Put(ctx, "elsewhere/secret.txt", strings.NewReader("x"), storage.PutOptions{})
	require.NoError(t, err)

	w := do(r, http.MethodGet, "/archives")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), getJSON(w)["total"])

	w = do(r, http.MethodGet, "/archives/download?key=audit-exports/2024/03/auditoria_2024-03-09.csv")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "id\n", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "auditoria_2024-03-09.csv")

	w = do(r, http.MethodGet, "/archives/download?key=audit-exports/2024/03/missing.csv")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestArchives_DownloadRejectsKeysOutsidePrefix(t *testing.T) {
	r, _ := newArchiveRouter(t, nil)
	for _, key := range []string{"", "elsewhere/secret.txt", "audit-exports/../elsewhere/secret.txt"} {
		w := do(r, http.MethodGet, "/archives/download?key="+key)
		assert.Equal(t, http.StatusBadRequest, w.Code, "key %q", key)
	}
}

func TestArchives_Run(t *testing.T) {
	a := &fakeDayArchiver{}
	r, _ := newArchiveRouter(t, a)

	w := do(r, http.MethodPost, "/archives/run?date=2024-03-09")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, getJSON(w)["written"])
	assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), a.day)

	w = do(r, http.MethodPost, "/archives/run?date=09-03-2024")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	a.err = errors.New("bucket gone")
	w = do(r, http.MethodPost, "/archives/run?date=2024-03-09")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestArchives_RunRejectsUnfinishedDays(t *testing.T) {
	a := &fakeDayArchiver{}
	r, _ := newArchiveRouter(t, a)

	for _, date := range []string{"2024-03-10", "2024-03-11"} {
		w := do(r, http.MethodPost, "/archives/run?date="+date)
		assert.Equal(t, http.StatusBadRequest, w.Code, "date %s", date)
	}
	assert.True(t, a.day.IsZero(), "archiver must not run for an unfinished day")
}

func TestArchives_RunDayOverLimit(t *testing.T) {
	a := &fakeDayArchiver{err: fmt.Errorf("export: %w", services.ErrExportTooLarge)}
	r, _ := newArchiveRouter(t, a)

	w := do(r, http.MethodPost, "/archives/run?date=2024-03-09")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestArchives_RunDisabled(t *testing.T) {
	r, _ := newArchiveRouter(t, nil)
	w := do(r, http.MethodPost, "/archives/run?date=2024-03-09")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestArchives_DownloadSealed(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	cipher, err := crypto.NewArchiveCipher(key)
	require.NoError(t, err)

	store, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	sealed, err := cipher.Seal([]byte("id\n7\n"))
	require.NoError(t, err)
	_, err = store.Put(context.Background(), "audit-exports/2024/03/auditoria_2024-03-09.csv.enc",
		strings.NewReader(string(sealed)), storage.PutOptions{})
	require.NoError(t, err)

	const url = "/archives/download?key=audit-exports/2024/03/auditoria_2024-03-09.csv.enc"

	withoutKey := gin.New()
	withoutKey.GET("/archives/download", NewArchiveHandler(store, nil, "audit-exports").Download)
	w := do(withoutKey, http.MethodGet, url)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	withKey := gin.New()
	withKey.GET("/archives/download", NewArchiveHandler(store, nil, "audit-exports").WithOpener(cipher).Download)
	w = do(withKey, http.MethodGet, url)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "id\n7\n", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename="auditoria_2024-03-09.csv"`)

	other, err := crypto.NewArchiveCipher([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)
	wrongKey := gin.New()
	wrongKey.GET("/archives/download", NewArchiveHandler(store, nil, "audit-exports").WithOpener(other).Download)
	w = do(wrongKey, http.MethodGet, url)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
