package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"gatehouse/internal/authz"
	"gatehouse/pkg/problems"
)

func (a *App) getIdentity(w http.ResponseWriter, r *http.Request) {
	if !a.gate(w, r, authz.UsersRead, nil) {
		return
	}
	id := target(r)
	ident, err := a.store.GetIdentity(r.Context(), id)
	if err != nil {
		problems.Write(w, err)
		return
	}
	roles, err := a.store.RolesFor(r.Context(), id)
	if err != nil {
		problems.Write(w, err)
		return
	}
	bindings, err := a.store.Bindings(r.Context(), id)
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, map[string]any{"identity": ident, "roles": roles, "modules": bindings}, http.StatusOK)
}

func (a *App) roleParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	role := chi.URLParam(r, "role")
	if !authz.Known(role) {
		problems.Write(w, problems.InvalidInput("unknown role "+role))
		return "", false
	}
	return role, true
}

func (a *App) putRole(w http.ResponseWriter, r *http.Request) {
	role, ok := a.roleParam(w, r)
	if !ok || !a.gate(w, r, authz.RolesAssign, map[string]any{"role": role}) {
		return
	}
	id := target(r)
	if err := a.store.AssignRole(r.Context(), id, role, actor(r)); err != nil {
		problems.Write(w, err)
		return
	}
	a.log.Infow("role assigned", "identity", id, "role", role, "by", actor(r))
	a.writeRoles(w, r, id)
}

func (a *App) deleteRole(w http.ResponseWriter, r *http.Request) {
	role, ok := a.roleParam(w, r)
	if !ok || !a.gate(w, r, authz.RolesAssign, map[string]any{"role": role}) {
		return
	}
	id := target(r)
	removed, err := a.store.RevokeRole(r.Context(), id, role)
	if err != nil {
		problems.Write(w, err)
		return
	}
	if removed {
		a.log.Infow("role revoked", "identity", id, "role", role, "by", actor(r))
	}
	a.writeRoles(w, r, id)
}

func (a *App) writeRoles(w http.ResponseWriter, r *http.Request, id string) {
	roles, err := a.store.RolesFor(r.Context(), id)
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, map[string]any{"identity_id": id, "roles": roles}, http.StatusOK)
}

func (a *App) archiveIdentity(w http.ResponseWriter, r *http.Request) {
	if !a.gate(w, r, authz.UsersArchive, nil) {
		return
	}
	id := target(r)
	if err := a.store.ArchiveIdentity(r.Context(), id); err != nil {
		problems.Write(w, err)
		return
	}
	closed := 0
	if a.sessions != nil {
		closed = a.sessions.UnbindIdentity(id)
	}
	a.log.Infow("identity archived", "identity", id, "sessions_closed", closed, "by", actor(r))
	writeJSON(w, map[string]any{"identity_id": id, "archived": true, "sessions_closed": closed}, http.StatusOK)
}
