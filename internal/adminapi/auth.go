package adminapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"gatehouse/pkg/middleware"
	"gatehouse/pkg/problems"
)

// cors sets CORS headers and answers preflight requests. allowed may contain
// exact origins or "*".
func cors(allowed []string) func(http.Handler) http.Handler {
	match := func(origin string) (string, bool) {
		if origin == "" {
			return "", false
		}
		for _, a := range allowed {
			a = strings.TrimSpace(a)
			if a == "*" || a == origin {
				return a, true
			}
		}
		return "", false
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ao, ok := match(r.Header.Get("Origin")); ok {
				w.Header().Set("Access-Control-Allow-Origin", ao)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Session-Id")
				w.Header().Set("Access-Control-Expose-Headers", "X-Session-Id, X-Request-Id")
				w.Header().Set("Access-Control-Max-Age", "86400")
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

type targetKey struct{}

// resolveTarget turns the {id} path segment into the target identity id.
// "me" is the caller.
func (a *App) resolveTarget(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := middleware.PrincipalFrom(r.Context())
		if !ok {
			problems.Write(w, problems.InvalidCredential(nil))
			return
		}
		id := chi.URLParam(r, "id")
		if id == "me" {
			id = p.IdentityID
		}
		if id == "" {
			problems.Write(w, problems.InvalidInput("identity id is required"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), targetKey{}, id)))
	})
}

func target(r *http.Request) string {
	id, _ := r.Context().Value(targetKey{}).(string)
	return id
}

func actor(r *http.Request) string {
	p, _ := middleware.PrincipalFrom(r.Context())
	return p.IdentityID
}

// gate runs a contextual check of permission against the target identity.
// extra is merged into the check context.
func (a *App) gate(w http.ResponseWriter, r *http.Request, permission string, extra map[string]any) bool {
	ctx := map[string]any{"target_identity": target(r)}
	for k, v := range extra {
		ctx[k] = v
	}
	if err := a.authz.CheckContext(r.Context(), actor(r), permission, ctx); err != nil {
		problems.Write(w, err)
		return false
	}
	return true
}
