// Package metrics holds the gateway's Prometheus collectors on a private
// registry. Every method is safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const ns = "gatehouse"

type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	mountResolves  *prometheus.CounterVec
	instantiations *prometheus.CounterVec
	instantiateDur prometheus.Histogram
	activeMounts   prometheus.Gauge

	activeSessions   prometheus.Gauge
	sessionEvictions *prometheus.CounterVec

	authzDecisions *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "http_request_duration_seconds",
			Help: "HTTP request latency by route.", Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		mountResolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "mount_resolves_total",
			Help: "Mount resolutions by result (hit, miss, not_enabled, error).",
		}, []string{"result"}),
		instantiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "module_instantiations_total",
			Help: "Module instantiations by module and outcome.",
		}, []string{"module", "outcome"}),
		instantiateDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "module_instantiate_duration_seconds",
			Help: "Time spent in module Instantiate.", Buckets: prometheus.DefBuckets,
		}),
		activeMounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "active_mounts", Help: "Live module instances.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "active_sessions", Help: "Bound sessions.",
		}),
		sessionEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "session_evictions_total",
			Help: "Sessions removed by reason (expired, capacity, logout).",
		}, []string{"reason"}),
		authzDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "authz_decisions_total",
			Help: "Authorization decisions by permission and result.",
		}, []string{"permission", "result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.requestDuration,
		m.mountResolves, m.instantiations, m.instantiateDur, m.activeMounts,
		m.activeSessions, m.sessionEvictions,
		m.authzDecisions,
	)
	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Middleware records request count and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := routePattern(r)
		m.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) MountResolved(result string) {
	if m != nil {
		m.mountResolves.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Instantiated(module, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.instantiations.WithLabelValues(module, outcome).Inc()
	m.instantiateDur.Observe(d.Seconds())
}

func (m *Metrics) SetActiveMounts(n int) {
	if m != nil {
		m.activeMounts.Set(float64(n))
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.activeSessions.Set(float64(n))
	}
}

func (m *Metrics) SessionEvicted(reason string, n int) {
	if m != nil && n > 0 {
		m.sessionEvictions.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) AuthzDecision(permission string, allowed bool) {
	if m == nil {
		return
	}
	res := "denied"
	if allowed {
		res = "allowed"
	}
	m.authzDecisions.WithLabelValues(permission, res).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unknown"
}
