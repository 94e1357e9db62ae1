package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gatehouse/pkg/problems"
)

func TestRequestIDEchoesOrMints(t *testing.T) {
	t.Parallel()
	var seen string
	h := RequestID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "abc")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-Id"))
}

func TestRecoverWritesOpaqueProblem(t *testing.T) {
	t.Parallel()
	h := Recover(zaptest.NewLogger(t).Sugar())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("secret detail")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), "secret detail")
}

type onlyAdmin struct{}

func (onlyAdmin) Check(_ context.Context, id, perm string) error {
	if id == "admin" {
		return nil
	}
	return problems.PermissionDenied(perm)
}

func TestAuthenticateThenRequirePermission(t *testing.T) {
	t.Parallel()
	authn := func(_ http.ResponseWriter, r *http.Request) (Principal, error) {
		id := r.Header.Get("X-Test-Identity")
		if id == "" {
			return Principal{}, problems.InvalidCredential(nil)
		}
		return Principal{IdentityID: id}, nil
	}
	var got Principal
	h := Authenticate(authn)(RequirePermission(onlyAdmin{}, "system:config")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = PrincipalFrom(r.Context())
			w.WriteHeader(http.StatusNoContent)
		})))

	cases := []struct {
		identity string
		status   int
	}{
		{"", http.StatusUnauthorized},
		{"viewer", http.StatusForbidden},
		{"admin", http.StatusNoContent},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/admin/config/reload", nil)
		if tc.identity != "" {
			req.Header.Set("X-Test-Identity", tc.identity)
		}
		h.ServeHTTP(rec, req)
		assert.Equal(t, tc.status, rec.Code, tc.identity)
		if tc.status == http.StatusForbidden {
			var doc problems.Document
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
			assert.Equal(t, "system:config", doc.Fields["permission"])
		}
	}
	assert.Equal(t, "admin", got.IdentityID)
}

func TestRequirePermissionWithoutPrincipal(t *testing.T) {
	t.Parallel()
	h := RequirePermission(onlyAdmin{}, "x:y")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAccessLogKeepsFirstStatus(t *testing.T) {
	t.Parallel()
	h := AccessLog(zaptest.NewLogger(t).Sugar())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("ok"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
