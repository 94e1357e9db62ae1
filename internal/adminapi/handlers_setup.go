package adminapi

import (
	"net/http"

	"gatehouse/internal/bootstrap"
	"gatehouse/pkg/problems"
)

func (a *App) setupStatus(r *http.Request) map[string]any {
	st := a.boot.State(r.Context())
	resp := map[string]any{"state": st}
	if st < bootstrap.Configured {
		resp["setup_step"] = bootstrap.SetupStep
	}
	return resp
}

func (a *App) getSetup(w http.ResponseWriter, r *http.Request) {
	resp := a.setupStatus(r)
	if _, ok, err := a.store.Get(r.Context(), bootstrap.LegacyImported); err == nil {
		resp["legacy_imported"] = ok
	}
	writeJSON(w, resp, http.StatusOK)
}

func (a *App) completeSetup(w http.ResponseWriter, r *http.Request) {
	if err := a.boot.CompleteSetup(r.Context()); err != nil {
		problems.Write(w, err)
		return
	}
	a.log.Infow("setup completed", "by", actor(r))
	writeJSON(w, a.setupStatus(r), http.StatusOK)
}

func (a *App) importLegacy(w http.ResponseWriter, r *http.Request) {
	rep, err := a.boot.ImportLegacy(r.Context())
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, rep, http.StatusOK)
}
