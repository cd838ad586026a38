package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI records each request and answers from a path-keyed table.
type fakeAPI struct {
	t         *testing.T
	responses map[string]string

	mu       sync.Mutex
	requests []*http.Request
}

func newFakeAPI(t *testing.T, responses map[string]string) (*fakeAPI, *httptest.Server) {
	f := &fakeAPI{t: t, responses: responses}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r)
	f.mu.Unlock()

	body, ok := f.responses[r.Method+" "+r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
		return
	}
	if strings.HasSuffix(r.URL.Path, "/export") {
		w.Header().Set("Content-Disposition", `attachment; filename="auditoria_2024-03-01.csv"`)
	}
	w.Write([]byte(body))
}

func (f *fakeAPI) lastQuery() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		f.t.Fatal("no request was made")
	}
	return f.requests[len(f.requests)-1].URL.Query()
}

func (f *fakeAPI) recorded() []*http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*http.Request(nil), f.requests...)
}

func runCLI(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--api-url", srv.URL, "--token", "tok"}, args...))
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

const pageBody = `{"records":[{"id":11,"userId":3,"userName":"Ana","userEmail":"ana@example.com",` +
	`"action":"DELETE","module":"users","entityType":"users","entityId":"9","beforeValues":{"name":"x"},` +
	`"afterValues":null,"method":"DELETE","url":"/api/users/9","statusCode":204,"durationMs":12,` +
	`"metadata":null,"createdAt":"2024-03-01T10:00:00Z"}],"total":1,"page":1,"limit":50,"totalPages":1}`

// ---------------------------------------------------------------------------
// logs
// ---------------------------------------------------------------------------

func TestLogsList_TranslatesFlags(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]string{"GET /api/v1/audit/logs": pageBody})

	output, err := runCLI(t, srv, "logs", "list",
		"--user", "3", "--module", "users", "--action", "delete", "--entity-type", "users",
		"--entity-id", "9", "--search", "ana", "--from", "2024-03-01", "--to", "2024-03-02",
		"--critical", "--page", "2", "--limit", "10", "--sort", "created_at", "--order", "asc")
	require.NoError(t, err)

	q := api.lastQuery()
	assert.Equal(t, "3", q.Get("userId"))
	assert.Equal(t, "users", q.Get("module"))
	assert.Equal(t, "DELETE", q.Get("action"))
	assert.Equal(t, "users", q.Get("entityType"))
	assert.Equal(t, "9", q.Get("entityId"))
	assert.Equal(t, "ana", q.Get("search"))
	assert.Equal(t, "2024-03-01", q.Get("startDate"))
	assert.Equal(t, "2024-03-02", q.Get("endDate"))
	assert.Equal(t, "true", q.Get("isCritical"))
	assert.Equal(t, "2", q.Get("page"))
	assert.Equal(t, "10", q.Get("limit"))
	assert.Equal(t, "created_at", q.Get("sortBy"))
	assert.Equal(t, "asc", q.Get("sortOrder"))
	assert.Equal(t, "Bearer tok", api.recorded()[0].Header.Get("Authorization"))

	assert.Contains(t, output, "Ana <ana@example.com>")
	assert.Contains(t, output, "users/9")
	assert.Contains(t, output, "page 1 of 1 (1 records)")
}

func TestLogsList_OmitsEmptyFilters(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]string{"GET /api/v1/audit/logs": pageBody})

	_, err := runCLI(t, srv, "logs", "list")
	require.NoError(t, err)

	q := api.lastQuery()
	for _, k := range []string{"userId", "module", "action", "isCritical", "startDate", "sortBy"} {
		_, present := q[k]
		assert.False(t, present, "unexpected %s", k)
	}
	assert.Equal(t, "1", q.Get("page"))
	assert.Equal(t, "50", q.Get("limit"))
}

func TestLogsList_JSONOutput(t *testing.T) {
	_, srv := newFakeAPI(t, map[string]string{"GET /api/v1/audit/logs": pageBody})

	output, err := runCLI(t, srv, "-o", "json", "logs", "list")
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(output), &decoded))
	assert.EqualValues(t, 1, decoded["total"])
}

func TestLogsShow(t *testing.T) {
	record := `{"id":11,"action":"UPDATE","module":"users","method":"PUT","url":"/api/users/9",` +
		`"statusCode":200,"durationMs":5,"beforeValues":{"name":"old"},"afterValues":{"name":"new"},` +
		`"metadata":null,"createdAt":"2024-03-01T10:00:00Z"}`
	_, srv := newFakeAPI(t, map[string]string{"GET /api/v1/audit/logs/11": record})

	output, err := runCLI(t, srv, "logs", "show", "11")
	require.NoError(t, err)
	assert.Contains(t, output, "PUT /api/users/9")
	assert.Contains(t, output, "Before:")
	assert.Contains(t, output, `"old"`)
	assert.Contains(t, output, "After:")
	assert.NotContains(t, output, "Metadata:")
}

func TestLogsShow_InvalidID(t *testing.T) {
	_, srv := newFakeAPI(t, nil)
	_, err := runCLI(t, srv, "logs", "show", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid record id")
}

func TestLogsShow_NotFound(t *testing.T) {
	_, srv := newFakeAPI(t, nil)
	_, err := runCLI(t, srv, "logs", "show", "5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestTimeline(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]string{"GET /api/v1/audit/entities/users/9/timeline": pageBody})

	_, err := runCLI(t, srv, "timeline", "users", "9", "--limit", "5")
	require.NoError(t, err)
	assert.Equal(t, "5", api.lastQuery().Get("limit"))
}

// ---------------------------------------------------------------------------
// stats, facets, alerts
// ---------------------------------------------------------------------------

func TestStats(t *testing.T) {
	body := `{"summary":{"windowDays":7,"totalRecords":120,"uniqueActors":4,"criticalRecords":2,` +
		`"failedRequests":3,"avgDurationMs":12.5,"unacknowledgedAlerts":1},` +
		`"mostActiveActors":[{"userId":3,"userName":"Ana","actionCount":80,"lastActivity":"2024-03-01T10:00:00Z"}],` +
		`"activityByModuleAndDay":[{"module":"users","action":"CREATE","count":6,"date":"2024-03-01"}]}`
	api, srv := newFakeAPI(t, map[string]string{"GET /api/v1/audit/stats": body})

	output, err := runCLI(t, srv, "stats", "--days", "7", "--limit", "3")
	require.NoError(t, err)

	assert.Equal(t, "7", api.lastQuery().Get("days"))
	assert.Equal(t, "3", api.lastQuery().Get("limit"))
	assert.Contains(t, output, "7 days")
	assert.Contains(t, output, "12.5")
	assert.Contains(t, output, "Ana")
	assert.Contains(t, output, "2024-03-01")
}

func TestFacets(t *testing.T) {
	_, srv := newFakeAPI(t, map[string]string{
		"GET /api/v1/audit/facets": `{"modules":["auth","users"],"actions":["CREATE","DELETE"]}`,
	})

	output, err := runCLI(t, srv, "facets")
	require.NoError(t, err)
	assert.Contains(t, output, "auth, users")
	assert.Contains(t, output, "CREATE, DELETE")
}

func TestAlertsList(t *testing.T) {
	body := `{"alerts":[{"id":4,"logId":11,"alertType":"DELETE","acknowledged":false,` +
		`"createdAt":"2024-03-01T10:00:00Z","module":"users","entityType":"users","entityId":"9",` +
		`"userName":"Ana"}],"total":1}`
	_, srv := newFakeAPI(t, map[string]string{"GET /api/v1/audit/alerts/pending": body})

	output, err := runCLI(t, srv, "alerts", "list")
	require.NoError(t, err)
	assert.Contains(t, output, "users/9")
	assert.Contains(t, output, "1 pending")
}

func TestAlertsAck_Multiple(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]string{
		"POST /api/v1/audit/alerts/4/acknowledge": `{"acknowledged":true}`,
		"POST /api/v1/audit/alerts/5/acknowledge": `{"acknowledged":true}`,
	})

	output, err := runCLI(t, srv, "alerts", "ack", "4", "5")
	require.NoError(t, err)
	assert.Len(t, api.recorded(), 2)
	assert.Contains(t, output, "acknowledged alert 4")
	assert.Contains(t, output, "acknowledged alert 5")
}

func TestAlertsAck_StopsOnFailure(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]string{
		"POST /api/v1/audit/alerts/4/acknowledge": `{"acknowledged":true}`,
	})

	_, err := runCLI(t, srv, "alerts", "ack", "4", "99", "5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alert 99")
	assert.Len(t, api.recorded(), 2)
}

// ---------------------------------------------------------------------------
// export and archives
// ---------------------------------------------------------------------------

func TestExport_IntoDirectoryUsesServerName(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]string{"GET /api/v1/audit/export": "ID\n1\n"})
	dir := t.TempDir()

	output, err := runCLI(t, srv, "export", "--module", "users", "-f", dir)
	require.NoError(t, err)

	target := filepath.Join(dir, "auditoria_2024-03-01.csv")
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "ID\n1\n", string(data))
	assert.Contains(t, output, target)
	assert.Equal(t, "users", api.lastQuery().Get("module"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}

func TestExport_ExplicitFile(t *testing.T) {
	_, srv := newFakeAPI(t, map[string]string{"GET /api/v1/audit/export": "ID\n"})
	target := filepath.Join(t.TempDir(), "out.csv")

	_, err := runCLI(t, srv, "export", "--file", target)
	require.NoError(t, err)
	assert.FileExists(t, target)
}

func TestExport_ServerErrorWritesNothing(t *testing.T) {
	_, srv := newFakeAPI(t, nil)
	dir := t.TempDir()

	_, err := runCLI(t, srv, "export", "-f", dir)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestArchivesList(t *testing.T) {
	body := `{"archives":[{"key":"audit-exports/2024/03/auditoria_2024-03-01.csv","size":2048,` +
		`"last_modified":"2024-03-02T00:05:00Z"}],"total":1}`
	_, srv := newFakeAPI(t, map[string]string{"GET /api/v1/audit/archives": body})

	output, err := runCLI(t, srv, "archives", "list")
	require.NoError(t, err)
	assert.Contains(t, output, "auditoria_2024-03-01.csv")
	assert.Contains(t, output, "2.0 KiB")
}

func TestArchivesGet(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]string{"GET /api/v1/audit/archives/download": "ID\n"})
	target := filepath.Join(t.TempDir(), "a.csv")

	_, err := runCLI(t, srv, "archives", "get", "audit-exports/2024/03/auditoria_2024-03-01.csv", "-f", target)
	require.NoError(t, err)
	assert.Equal(t, "audit-exports/2024/03/auditoria_2024-03-01.csv", api.lastQuery().Get("key"))
	assert.FileExists(t, target)
}

func TestArchivesRun(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"written", `{"key":"audit-exports/2024/03/auditoria_2024-03-01.csv","written":true}`, "archived audit-exports"},
		{"existing", `{"key":"audit-exports/2024/03/auditoria_2024-03-01.csv","written":false}`, "already archived"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, srv := newFakeAPI(t, map[string]string{"POST /api/v1/audit/archives/run": tt.body})
			output, err := runCLI(t, srv, "archives", "run", "2024-03-01")
			require.NoError(t, err)
			assert.Contains(t, output, tt.want)
			assert.Equal(t, "2024-03-01", api.lastQuery().Get("date"))
		})
	}
}

func TestArchivesRun_RejectsBadDate(t *testing.T) {
	api, srv := newFakeAPI(t, nil)
	_, err := runCLI(t, srv, "archives", "run", "03/01/2024")
	require.Error(t, err)
	assert.Empty(t, api.recorded())
}

// ---------------------------------------------------------------------------
// root flags
// ---------------------------------------------------------------------------

func TestRoot_RejectsUnknownOutput(t *testing.T) {
	_, srv := newFakeAPI(t, nil)
	_, err := runCLI(t, srv, "-o", "yaml", "facets")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output")
}

func TestRoot_EnvDefaults(t *testing.T) {
	t.Setenv("RK_API_URL", "http://audit.internal:9000")
	t.Setenv("RK_API_TOKEN", "from-env")

	root := NewRootCommand()
	assert.Equal(t, "http://audit.internal:9000", root.PersistentFlags().Lookup("api-url").DefValue)
	assert.Equal(t, "from-env", root.PersistentFlags().Lookup("token").DefValue)
}
