package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gatehouse/internal/authz"
	"gatehouse/internal/bootstrap"
	"gatehouse/internal/capability"
	"gatehouse/internal/modules"
	"gatehouse/internal/policy"
	"gatehouse/internal/session"
	"gatehouse/internal/store"
	"gatehouse/pkg/middleware"
	"gatehouse/pkg/problems"
)

type fixture struct {
	t        *testing.T
	handler  http.Handler
	store    *store.Store
	sessions *session.Manager
}

// newFixture serves the admin routes with a test authenticator that trusts
// the X-Identity header. quota overrides the module quota threshold.
func newFixture(t *testing.T, quota int) *fixture {
	t.Helper()
	ctx := context.Background()
	log := zaptest.NewLogger(t).Sugar()
	dir := t.TempDir()

	reg := capability.NewRegistry(log, modules.Builtin()...)
	boot := bootstrap.New(bootstrap.Options{
		Driver:    "sqlite",
		StorePath: filepath.Join(dir, "gatehouse.db"),
		KeyFile:   filepath.Join(dir, "gatehouse.key"),
	}, reg, log)
	t.Cleanup(func() { _ = boot.Close() })
	st, err := boot.Start(ctx)
	require.NoError(t, err)

	rules := policy.DefaultRules()
	for i := range rules {
		if rules[i].Name == "module-quota" && quota > 0 {
			rules[i].When = "tenant_module_count >= `" + strconv.Itoa(quota) + "`"
		}
	}
	engine, err := policy.NewRules(rules)
	require.NoError(t, err)
	checker := authz.New(st, engine, nil, log)
	sessions := session.New(session.Options{}, log)

	app := New(Deps{
		Log: log, Bootstrap: boot, Store: st, Registry: reg,
		Authz: checker, Sessions: sessions, Policy: engine,
		CORSOrigins: []string{"https://console.example.com"},
	})
	authn := middleware.Authenticate(func(_ http.ResponseWriter, r *http.Request) (middleware.Principal, error) {
		id := r.Header.Get("X-Identity")
		if id == "" {
			return middleware.Principal{}, problems.InvalidCredential(nil)
		}
		if _, _, err := st.EnsureIdentity(r.Context(), store.Identity{ID: id, Email: id + "@example.com"}); err != nil {
			return middleware.Principal{}, err
		}
		return middleware.Principal{IdentityID: id}, nil
	})
	return &fixture{t: t, handler: app.Routes(authn), store: st, sessions: sessions}
}

func (f *fixture) user(id string, roles ...string) string {
	f.t.Helper()
	ctx := context.Background()
	_, _, err := f.store.EnsureIdentity(ctx, store.Identity{ID: id, Email: id + "@example.com"})
	require.NoError(f.t, err)
	for _, r := range roles {
		require.NoError(f.t, f.store.AssignRole(ctx, id, r, "test"))
	}
	return id
}

func (f *fixture) do(method, path, as, body string) *httptest.ResponseRecorder {
	f.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if as != "" {
		req.Header.Set("X-Identity", as)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func body(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// deniedFor asserts a 403 naming the missing permission.
func deniedFor(t *testing.T, rec *httptest.ResponseRecorder, perm string) {
	t.Helper()
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	doc := body(t, rec)
	assert.Equal(t, "permission-denied", doc["kind"])
	assert.Equal(t, map[string]any{"permission": perm}, doc["fields"])
}

func TestSetupRoutesNeedSystemSetup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	viewer := f.user("v", authz.Viewer)
	admin := f.user("a", authz.Admin)

	deniedFor(t, f.do(http.MethodGet, "/setup", viewer, ""), authz.SystemSetup)

	rec := f.do(http.MethodGet, "/setup", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	doc := body(t, rec)
	assert.Equal(t, "UNCONFIGURED", doc["state"])
	assert.Equal(t, bootstrap.SetupStep, doc["setup_step"])

	rec = f.do(http.MethodPost, "/setup/complete", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RUNNING", body(t, rec)["state"])

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/setup", "", "").Code)
}

func TestMeResolvesToCaller(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	viewer := f.user("v", authz.Viewer)
	f.user("other", authz.Viewer)

	rec := f.do(http.MethodGet, "/identities/me/modules/echo/config", viewer, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "v", body(t, rec)["identity_id"])

	// acting on someone else needs team management on top
	deniedFor(t, f.do(http.MethodGet, "/identities/other/modules/echo/config", viewer, ""), authz.TeamManage)

	deniedFor(t, f.do(http.MethodGet, "/identities/me", viewer, ""), authz.UsersRead)

	manager := f.user("m", authz.TeamManager)
	rec = f.do(http.MethodGet, "/identities/other", manager, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{authz.Viewer}, body(t, rec)["roles"])
}

func TestUnknownModuleAndRole(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	admin := f.user("a", authz.Admin)

	rec := f.do(http.MethodPut, "/identities/me/modules/nope", admin, `{"enabled":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown-module", body(t, rec)["kind"])

	rec = f.do(http.MethodPut, "/identities/me/roles/Overlord", admin, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModuleQuota(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	std := f.user("s", authz.Standard)
	power := f.user("p", authz.Power)

	rec := f.do(http.MethodPut, "/identities/me/modules/echo", std, `{"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body(t, rec)["enabled"])

	// re-enabling does not count against the quota
	rec = f.do(http.MethodPut, "/identities/me/modules/echo", std, `{"enabled":true}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	deniedFor(t, f.do(http.MethodPut, "/identities/me/modules/httpapi", std, `{"enabled":true}`), authz.ToolsUnlimited)

	require.Equal(t, http.StatusOK, f.do(http.MethodPut, "/identities/me/modules/echo", power, `{"enabled":true}`).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodPut, "/identities/me/modules/httpapi", power, `{"enabled":true}`).Code)
	n, err := f.store.EnabledCount(context.Background(), power)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec = f.do(http.MethodPut, "/identities/me/modules/echo", std, `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	b, ok, err := f.store.GetBinding(context.Background(), std, "echo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, b.Enabled)

	rec = f.do(http.MethodPut, "/identities/me/modules/echo", std, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModuleConfigWrite(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	std := f.user("s", authz.Standard)
	power := f.user("p", authz.Power)
	viewer := f.user("v", authz.Viewer)
	path := "/identities/me/modules/httpapi/config"

	deniedFor(t, f.do(http.MethodPut, path, viewer, `{"values":{"base_url":"https://api.example.com"}}`), authz.ConfigWrite)

	rec := f.do(http.MethodPut, path, std, `{"values":{"base_url":"https://api.example.com","api_key":"abc"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := body(t, rec)
	assert.Equal(t, []any{
		map[string]any{"key": "base_url", "value": "https://api.example.com", "sensitive": false},
		map[string]any{"key": "api_key", "value": "••••••••", "sensitive": true},
	}, doc["entries"])
	assert.Empty(t, doc["missing"])

	tc, err := f.store.GetTenantConfig(context.Background(), std, "httpapi")
	require.NoError(t, err)
	assert.Equal(t, "abc", tc.Map()["api_key"])

	deniedFor(t, f.do(http.MethodPut, path, std, `{"values":{"timeout":"30s"}}`), authz.ConfigAdvanced)
	require.Equal(t, http.StatusOK, f.do(http.MethodPut, path, power, `{"values":{"timeout":"30s"}}`).Code)

	rec = f.do(http.MethodPut, path, std, `{"values":{"colour":"red"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodPut, path, std, `{"values":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// null deletes
	rec = f.do(http.MethodPut, path, std, `{"values":{"api_key":null}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"api_key"}, body(t, rec)["missing"])
}

func TestModuleConfigWriteIsAllOrNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	power := f.user("p", authz.Power)
	path := "/identities/me/modules/echo/config"

	rec := f.do(http.MethodPut, path, power, `{"values":{"greeting":"hijacked","uppercase":"notabool"}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "invalid-input", body(t, rec)["kind"])

	tc, err := f.store.GetTenantConfig(context.Background(), power, "echo")
	require.NoError(t, err)
	assert.Empty(t, tc.Entries)

	rec = f.do(http.MethodPut, path, power, `{"values":{"greeting":"hey","uppercase":"true"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tc, err = f.store.GetTenantConfig(context.Background(), power, "echo")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"greeting": "hey", "uppercase": "true"}, tc.Map())
}

func TestConcurrentEnablesRespectQuota(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	std := f.user("s", authz.Standard)

	codes := make([]int, 2)
	var wg sync.WaitGroup
	for i, module := range []string{"echo", "httpapi"} {
		wg.Add(1)
		go func(i int, module string) {
			defer wg.Done()
			codes[i] = f.do(http.MethodPut, "/identities/me/modules/"+module, std, `{"enabled":true}`).Code
		}(i, module)
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{http.StatusOK, http.StatusForbidden}, codes)
	n, err := f.store.EnabledCount(context.Background(), std)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestArchiveClosesSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	admin := f.user("a", authz.Admin)
	target := f.user("t", authz.Standard)
	_, err := f.sessions.Bind("s1", target, 0)
	require.NoError(t, err)
	_, err = f.sessions.Bind("s2", target, 0)
	require.NoError(t, err)

	deniedFor(t, f.do(http.MethodPost, "/identities/me/archive", target, ""), authz.UsersArchive)

	rec := f.do(http.MethodPost, "/identities/t/archive", admin, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(2), body(t, rec)["sessions_closed"])
	_, ok := f.sessions.Resolve("s1")
	assert.False(t, ok)

	ident, err := f.store.GetIdentity(context.Background(), target)
	require.NoError(t, err)
	assert.True(t, ident.Archived())
}

func TestSystemConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	admin := f.user("a", authz.Admin)
	power := f.user("p", authz.Power)

	deniedFor(t, f.do(http.MethodPut, "/config/smtp.host", power, `{"value":"mail"}`), authz.SystemConfig)

	rec := f.do(http.MethodPut, "/config/smtp.password", admin, `{"value":"s3cret","sensitive":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v, ok, err := f.store.Get(context.Background(), "smtp.password")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s3cret", v)

	rec = f.do(http.MethodPut, "/config/"+bootstrap.SetupCompleted, admin, `{"value":"true"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/config/reload", admin, "").Code)
}

func TestPolicyDryRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	admin := f.user("a", authz.Admin)
	std := f.user("s", authz.Standard)

	rec := f.do(http.MethodPost, "/policy/dry-run", admin,
		`{"identity_id":"`+std+`","permission":"config:write","context":{"touches_advanced":true}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := body(t, rec)
	assert.Equal(t, false, doc["allowed"])
	assert.Equal(t, authz.ConfigAdvanced, doc["missing"])
	assert.Equal(t, []any{authz.Standard}, doc["roles"])

	code := "package gatehouse\n\nimport rego.v1\n\ndecision := {\"deny\": true, \"reason\": \"frozen\"} if input.frozen\n"
	reqBody, err := json.Marshal(map[string]any{
		"identity_id": std, "permission": "tools:add", "context": map[string]any{"frozen": true}, "code": code,
	})
	require.NoError(t, err)
	rec = f.do(http.MethodPost, "/policy/dry-run", admin, string(reqBody))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc = body(t, rec)
	assert.Equal(t, true, doc["ok"])
	assert.Equal(t, true, doc["outcome"].(map[string]any)["deny"])

	rec = f.do(http.MethodPost, "/policy/dry-run", admin, `{"identity_id":"s","permission":"x","code":"package gatehouse\n decision := "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body(t, rec)["ok"])
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)

	req := httptest.NewRequest(http.MethodOptions, "/setup", nil)
	req.Header.Set("Origin", "https://console.example.com")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://console.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/setup", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
