package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"gatehouse/internal/authz"
	"gatehouse/pkg/middleware"
)

// Routes builds the /admin router. authn attaches the caller; every route
// below it is additionally gated by a permission.
func (a *App) Routes(authn func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(cors(a.allowed))
	r.Use(authn)

	gate := func(perm string) func(http.Handler) http.Handler {
		return middleware.RequirePermission(a.authz, perm)
	}

	r.With(gate(authz.SystemSetup)).Get("/setup", a.getSetup)
	r.With(gate(authz.SystemSetup)).Post("/setup/complete", a.completeSetup)
	r.With(gate(authz.SystemSetup)).Post("/setup/import-legacy", a.importLegacy)

	r.With(gate(authz.SystemConfig)).Post("/config/reload", a.reloadConfig)
	r.With(gate(authz.SystemConfig)).Put("/config/{key}", a.putConfig)
	r.With(gate(authz.SystemConfig)).Post("/policy/dry-run", a.dryRunPolicy)

	r.Route("/identities/{id}", func(ir chi.Router) {
		ir.Use(a.resolveTarget)
		ir.Get("/", a.getIdentity)
		ir.Put("/roles/{role}", a.putRole)
		ir.Delete("/roles/{role}", a.deleteRole)
		ir.Post("/archive", a.archiveIdentity)
		ir.Put("/modules/{module}", a.putModule)
		ir.Get("/modules/{module}/config", a.getModuleConfig)
		ir.Put("/modules/{module}/config", a.putModuleConfig)
	})
	return r
}
