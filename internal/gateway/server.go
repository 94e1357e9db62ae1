// Package gateway is the HTTP front door: it authenticates each call, binds
// the session, and dispatches tool calls to the caller's own mounts.
package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
	"go.uber.org/zap"

	"gatehouse/internal/adminapi"
	"gatehouse/internal/authz"
	"gatehouse/internal/bootstrap"
	"gatehouse/internal/capability"
	"gatehouse/internal/identity"
	"gatehouse/internal/manifest"
	"gatehouse/internal/mount"
	"gatehouse/internal/session"
	"gatehouse/internal/store"
	"gatehouse/pkg/config"
	"gatehouse/pkg/metrics"
	"gatehouse/pkg/middleware"
	"gatehouse/pkg/problems"
)

// SessionHeader carries the session id in both directions.
const SessionHeader = "X-Session-Id"

type Deps struct {
	Config    config.Config
	Log       *zap.SugaredLogger
	Metrics   *metrics.Metrics
	Bootstrap *bootstrap.Controller
	Store     *store.Store
	Registry  *capability.Registry
	Identity  identity.Provider
	Sessions  *session.Manager
	Authz     *authz.Checker
	Mounts    *mount.Engine
	Manifest  *manifest.Service
	Admin     *adminapi.App
}

type Server struct {
	Deps
	admins map[string]bool
}

func New(d Deps) *Server {
	s := &Server{Deps: d, admins: map[string]bool{}}
	for _, e := range d.Config.BootstrapAdminEmails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			s.admins[e] = true
		}
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		chimw.RealIP,
		middleware.RequestID(),
		middleware.Recover(s.Log),
		middleware.Tracing("gatehouse", s.Log),
		s.Metrics.Middleware,
		s.secureHeaders(),
		middleware.AccessLog(s.Log),
	)

	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"status": "ok"}, http.StatusOK)
	})
	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", s.Metrics.Handler())
	tooMany := httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
		problems.Write(w, problems.RateLimited())
	})
	r.With(httprate.Limit(s.rateLimit(), time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP), tooMany)).
		Get("/v1/setup/status", s.setupStatus)

	authn := middleware.Authenticate(s.authenticate)
	limited := httprate.Limit(s.rateLimit(), time.Minute, httprate.WithKeyFuncs(rateLimitKey), tooMany)

	r.Group(func(ar chi.Router) {
		ar.Use(authn, limited)
		ar.Get("/v1/me", s.me)
		ar.Post("/v1/logout", s.logout)

		listing := ar.With(middleware.RequirePermission(s.Authz, authz.ToolsList))
		listing.Get("/v1/modules", s.catalogue)
		manifest.RegisterRoutes(listing, s.Manifest)

		ar.With(middleware.RequirePermission(s.Authz, authz.ToolsInvoke)).
			Post("/v1/tools/{module}/{operation}", s.dispatch)
	})

	if s.Admin != nil {
		r.Mount("/admin", s.Admin.Routes(func(next http.Handler) http.Handler {
			return authn(limited(next))
		}))
	}
	return r
}

func (s *Server) rateLimit() int {
	if n := s.Config.RateLimitPerMinute; n > 0 {
		return n
	}
	return 600
}

// rateLimitKey buckets authenticated callers by identity, everyone else by IP.
func rateLimitKey(r *http.Request) (string, error) {
	if p, ok := middleware.PrincipalFrom(r.Context()); ok {
		return "identity:" + p.IdentityID, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

func (s *Server) secureHeaders() func(http.Handler) http.Handler {
	sec := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		SSLRedirect:           s.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:         !s.Config.IsProduction(),
	})
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := sec.Process(w, r); err != nil {
				s.Log.Warnw("secure headers blocked request", "err", err)
				problems.Write(w, problems.InvalidInput("request rejected"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
