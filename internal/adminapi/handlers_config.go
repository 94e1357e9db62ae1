package adminapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"gatehouse/internal/policy"
	"gatehouse/pkg/problems"
)

func (a *App) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Reload(r.Context()); err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true}, http.StatusOK)
}

type configBody struct {
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive"`
}

func (a *App) putConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" || strings.HasPrefix(key, "system.") {
		problems.Write(w, problems.InvalidInput("system.* keys are managed by the gateway"))
		return
	}
	var b configBody
	if err := a.decode(r, &b); err != nil {
		problems.Write(w, err)
		return
	}
	if err := a.store.Set(r.Context(), key, b.Value, b.Sensitive); err != nil {
		problems.Write(w, err)
		return
	}
	a.log.Infow("system config updated", "key", key, "sensitive", b.Sensitive, "by", actor(r))
	writeJSON(w, map[string]any{"key": key, "sensitive": b.Sensitive}, http.StatusOK)
}

type dryRunBody struct {
	IdentityID string         `json:"identity_id" validate:"required"`
	Permission string         `json:"permission" validate:"required"`
	Context    map[string]any `json:"context"`
	// Code is an optional Rego module evaluated instead of the active policy.
	Code string `json:"code"`
}

// dryRunPolicy reports what a contextual check would decide without
// performing the action.
func (a *App) dryRunPolicy(w http.ResponseWriter, r *http.Request) {
	var b dryRunBody
	if err := a.decode(r, &b); err != nil {
		problems.Write(w, err)
		return
	}
	roles, _, err := a.authz.Permissions(r.Context(), b.IdentityID)
	if err != nil {
		problems.Write(w, err)
		return
	}
	engine := a.policy
	if strings.TrimSpace(b.Code) != "" {
		if engine, err = a.compileRego(r.Context(), b.Code); err != nil {
			writeJSON(w, map[string]any{"ok": false, "error": err.Error()}, http.StatusOK)
			return
		}
	}
	resp := map[string]any{"ok": true, "roles": roles}
	if engine != nil {
		out, err := engine.Evaluate(r.Context(), policy.Input{
			Permission: b.Permission, IdentityID: b.IdentityID, Roles: roles, Context: b.Context,
		})
		resp["outcome"] = out
		if err != nil {
			resp["error"] = err.Error()
		}
	}
	if b.Code == "" {
		err := a.authz.CheckContext(r.Context(), b.IdentityID, b.Permission, b.Context)
		resp["allowed"] = err == nil
		var pe *problems.Error
		if errors.As(err, &pe) {
			resp["missing"] = pe.Field("permission")
		}
	}
	writeJSON(w, resp, http.StatusOK)
}
