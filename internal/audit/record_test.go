package audit

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordkeeper/recordkeeper/internal/db/models"
)

func int64Ptr(v int64) *int64    { return &v }
func stringPtr(v string) *string { return &v }

func TestBuildRecord_UpdateWithoutPriorState(t *testing.T) {
	c := &Capture{
		Method:      "PUT",
		Path:        "/clientes/55",
		RequestURI:  "/clientes/55",
		StatusCode:  200,
		DurationMs:  12,
		ClientIP:    "10.0.0.1",
		ContentType: "application/json",
		Body:        []byte(`{"nombre":"Acme","password":"x"}`),
		Actor:       Actor{UserID: int64Ptr(7), Email: stringPtr("a@b.com")},
	}

	rec := BuildRecord(DefaultRules(), c)

	assert.Equal(t, models.ActionUpdate, rec.Action)
	assert.Equal(t, "clientes", rec.Module)
	require.NotNil(t, rec.EntityType)
	require.NotNil(t, rec.EntityID)
	assert.Equal(t, "cliente", *rec.EntityType)
	assert.Equal(t, "55", *rec.EntityID)
	assert.True(t, rec.BeforeValues.IsNull())
	assert.JSONEq(t, `{"nombre":"Acme","password":"***REDACTED***"}`, rec.AfterValues.Text())
	require.NotNil(t, rec.UserID)
	assert.Equal(t, int64(7), *rec.UserID)
	assert.Equal(t, "a@b.com", *rec.UserEmail)
	assert.Nil(t, rec.UserName)
	assert.Equal(t, "PUT", rec.Method)
	assert.Equal(t, 200, rec.StatusCode)
	assert.Equal(t, int64(12), rec.DurationMs)
	assert.Equal(t, "10.0.0.1", *rec.IPAddress)
	assert.Nil(t, rec.UserAgent)
}

func TestBuildRecord_PriorStateOnlyForUpdates(t *testing.T) {
	prior := mustParse(t, `{"nombre":"Old","token":"abc"}`)

	patch := BuildRecord(DefaultRules(), &Capture{Method: "PATCH", Path: "/clientes/1", PriorState: prior})
	assert.JSONEq(t, `{"nombre":"Old","token":"***REDACTED***"}`, patch.BeforeValues.Text())

	post := BuildRecord(DefaultRules(), &Capture{Method: "POST", Path: "/clientes", PriorState: prior})
	assert.True(t, post.BeforeValues.IsNull(), "POST never carries before values")

	del := BuildRecord(DefaultRules(), &Capture{Method: "DELETE", Path: "/clientes/1", PriorState: prior})
	assert.True(t, del.BeforeValues.IsNull())
	assert.True(t, del.AfterValues.IsNull())
	assert.Equal(t, models.ActionDelete, del.Action)
}

func TestBuildRecord_SensitivePathDropsBody(t *testing.T) {
	rec := BuildRecord(DefaultRules(), &Capture{
		Method:      "POST",
		Path:        "/auth/login",
		ContentType: "application/json",
		Body:        []byte(`{"email":"a@b.com","password":"x"}`),
	})
	assert.Equal(t, models.ActionLogin, rec.Action)
	assert.Equal(t, "autenticacion", rec.Module)
	assert.True(t, rec.AfterValues.IsNull())
}

func TestBuildRecord_FormBody(t *testing.T) {
	rec := BuildRecord(DefaultRules(), &Capture{
		Method:      "POST",
		Path:        "/facturas",
		ContentType: "application/x-www-form-urlencoded; charset=utf-8",
		Body:        []byte("numero=F-1&total=100&secret=s"),
	})
	assert.JSONEq(t, `{"numero":"F-1","total":"100","secret":"***REDACTED***"}`, rec.AfterValues.Text())
}

func TestBuildRecord_GetHasNoAfterValues(t *testing.T) {
	rec := BuildRecord(DefaultRules(), &Capture{
		Method: "GET",
		Path:   "/clientes/ver/42",
		Body:   []byte(`{"x":1}`),
	})
	assert.Equal(t, models.ActionView, rec.Action)
	assert.True(t, rec.AfterValues.IsNull())
	assert.Equal(t, "42", *rec.EntityID)
	assert.Equal(t, "/clientes/ver/42", rec.URL, "URL falls back to the path")
}

func TestBuildRecord_TruncatedBodyIgnored(t *testing.T) {
	rec := BuildRecord(DefaultRules(), &Capture{
		Method:        "POST",
		Path:          "/clientes",
		Body:          []byte(`{"nombre":"Ac`),
		BodyTruncated: true,
	})
	assert.True(t, rec.AfterValues.IsNull())
	flag, ok := rec.Metadata.Field("body_truncated")
	assert.True(t, ok)
	assert.Equal(t, "true", flag.Text())
}

func TestBuildRecord_Metadata(t *testing.T) {
	rec := BuildRecord(DefaultRules(), &Capture{
		Method:        "DELETE",
		Path:          "/clientes/9",
		RequestURI:    "/clientes/9?force=1",
		RouteTemplate: "/clientes/:id",
		RouteParams:   map[string]string{"id": "9"},
		Query:         url.Values{"force": {"1"}},
		RequestID:     "req-1",
		ResponseBytes: 17,
	})
	assert.Equal(t, "/clientes/9?force=1", rec.URL)
	assert.JSONEq(t,
		`{"route":"/clientes/:id","params":{"id":"9"},"query":{"force":"1"},"request_id":"req-1","response_bytes":17}`,
		rec.Metadata.Text())
}

func TestParseBody(t *testing.T) {
	assert.True(t, ParseBody("application/json", nil).IsNull())
	assert.True(t, ParseBody("application/json", []byte("{not json")).IsNull())
	assert.True(t, ParseBody("multipart/form-data; boundary=x", []byte("--x")).IsNull())
	assert.Equal(t, models.KindObject, ParseBody("", []byte(`{"a":1}`)).Kind())
	assert.Equal(t, models.KindObject, ParseBody("application/vnd.api+json", []byte(`{"a":1}`)).Kind())
	assert.Equal(t, models.KindArray, ParseBody("application/json", []byte(`[1,2]`)).Kind())
}

func TestBuildRecord_LongValuesFitColumns(t *testing.T) {
	longID := strings.Repeat("9", 300)

	del := BuildRecord(DefaultRules(), &Capture{Method: "DELETE", Path: "/clientes/" + longID})
	assert.Equal(t, models.ActionDelete, del.Action, "a clamped record keeps its critical action")
	require.NotNil(t, del.EntityID)
	assert.Len(t, *del.EntityID, models.MaxEntityIDLen)
	assert.Equal(t, longID[:models.MaxEntityIDLen], *del.EntityID)
	cut, ok := del.Metadata.Field("truncated_fields")
	require.True(t, ok)
	assert.JSONEq(t, `["entity_id"]`, cut.Text())

	post := BuildRecord(DefaultRules(), &Capture{
		Method:      "POST",
		Path:        "/clientes",
		ContentType: "application/json",
		Body:        []byte(`{"id":"` + longID + `"}`),
	})
	require.NotNil(t, post.EntityID)
	assert.Len(t, *post.EntityID, models.MaxEntityIDLen)

	longModule := strings.Repeat("m", 120)
	verb := BuildRecord(DefaultRules(), &Capture{
		Method:   "PROPPATCHEXTENDEDVERB",
		Path:     "/" + longModule + "/1",
		ClientIP: strings.Repeat("1", 80),
	})
	assert.Len(t, verb.Module, models.MaxModuleLen)
	assert.Len(t, verb.Method, models.MaxMethodLen)
	assert.LessOrEqual(t, len(verb.Action), models.MaxActionLen)
	assert.Len(t, *verb.IPAddress, models.MaxIPAddressLen)
	require.NotNil(t, verb.EntityType)
	assert.LessOrEqual(t, len(*verb.EntityType), models.MaxEntityTypeLen)
	cut, ok = verb.Metadata.Field("truncated_fields")
	require.True(t, ok)
	assert.JSONEq(t, `["entity_type","ip_address","method","module"]`, cut.Text())
}

func TestBuildRecord_ShortValuesNotMarked(t *testing.T) {
	rec := BuildRecord(DefaultRules(), &Capture{Method: "DELETE", Path: "/clientes/9"})
	_, ok := rec.Metadata.Field("truncated_fields")
	assert.False(t, ok)
}

func TestTruncate_CountsCharacters(t *testing.T) {
	s, cut := truncate("ñandú", 3)
	assert.True(t, cut)
	assert.Equal(t, "ñan", s)

	s, cut = truncate("abc", 3)
	assert.False(t, cut)
	assert.Equal(t, "abc", s)
}
