package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.MountResolved("hit")
	m.Instantiated("echo", "ok", time.Millisecond)
	m.SetActiveMounts(3)
	m.SessionEvicted("expired", 1)
	m.AuthzDecision("tools:add", true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	t.Parallel()
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/v1/tools/{module}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	r.Handle("/metrics", m.Handler())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/tools/echo", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/v1/tools/{module}", "418")))

	m.AuthzDecision("tools:add", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authzDecisions.WithLabelValues("tools:add", "denied")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gatehouse_authz_decisions_total")
}
