package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gatehouse/internal/capability"
	"gatehouse/internal/modules"
	"gatehouse/internal/store"
	"gatehouse/pkg/middleware"
)

type fixedBindings map[string][]store.Binding

func (f fixedBindings) Bindings(_ context.Context, id string) ([]store.Binding, error) {
	if id == "broken" {
		return nil, errors.New("db down")
	}
	return f[id], nil
}

type liveSet map[string]bool

func (l liveSet) MountedModules(string) map[string]bool { return l }

func newService(t *testing.T) *Service {
	t.Helper()
	reg := capability.NewRegistry(zaptest.NewLogger(t).Sugar(), modules.Builtin()...)
	b := fixedBindings{
		"u1": {
			{IdentityID: "u1", Module: "echo", Enabled: true},
			{IdentityID: "u1", Module: "httpapi", Enabled: false},
			{IdentityID: "u1", Module: "retired", Enabled: true},
		},
	}
	return NewService(reg, b, liveSet{"echo": true}, "https://gw.example.com/", "1")
}

func TestBuildListsEnabledRegisteredModules(t *testing.T) {
	t.Parallel()
	m, err := newService(t).Build(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, "u1", m.Namespace)
	assert.Equal(t, "https://gw.example.com", m.BaseURL)
	require.Len(t, m.Tools, 1)
	tool := m.Tools[0]
	assert.Equal(t, "echo.say", tool.Key)
	assert.Equal(t, "/v1/tools/echo/say", tool.Path)
	assert.True(t, tool.Mounted)

	empty, err := newService(t).Build(context.Background(), "u2")
	require.NoError(t, err)
	assert.NotNil(t, empty.Tools)
	assert.Empty(t, empty.Tools)
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if id := req.Header.Get("X-Test-Identity"); id != "" {
				req = req.WithContext(middleware.WithPrincipal(req.Context(), middleware.Principal{IdentityID: id}))
			}
			next.ServeHTTP(w, req)
		})
	})
	RegisterRoutes(r, newService(t))

	get := func(path, id string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if id != "" {
			req.Header.Set("X-Test-Identity", id)
		}
		r.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, get("/v1/tools", "").Code)
	assert.Equal(t, http.StatusInternalServerError, get("/v1/tools", "broken").Code)

	rec := get("/.well-known/openapi.json", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Contains(t, doc["paths"], "/v1/tools/echo/say")
	assert.NotContains(t, doc["paths"], "/v1/tools/httpapi/request")
}
