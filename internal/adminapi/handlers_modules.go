package adminapi

import (
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"gatehouse/internal/authz"
	"gatehouse/internal/capability"
	"gatehouse/internal/store"
	"gatehouse/pkg/problems"
)

func (a *App) moduleParam(w http.ResponseWriter, r *http.Request) (capability.Descriptor, bool) {
	name := chi.URLParam(r, "module")
	d, ok := a.registry.Descriptor(name)
	if !ok {
		problems.Write(w, problems.UnknownModule(name))
		return capability.Descriptor{}, false
	}
	return d, true
}

type moduleBody struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// putModule enables or disables a module for the target identity. Enabling
// counts against the module quota rule; re-enabling is a no-op.
func (a *App) putModule(w http.ResponseWriter, r *http.Request) {
	d, ok := a.moduleParam(w, r)
	if !ok {
		return
	}
	var b moduleBody
	if err := a.decode(r, &b); err != nil {
		problems.Write(w, err)
		return
	}
	id := target(r)
	// The quota decision and the write race against other requests for the
	// same identity; the store rejects the write if the count moved.
	for attempt := 0; ; attempt++ {
		perm, checkCtx, want := authz.ToolsRemove, map[string]any{"module": d.Name}, -1
		if *b.Enabled {
			perm = authz.ToolsAdd
			n, err := a.enabledOthers(r, id, d.Name)
			if err != nil {
				problems.Write(w, err)
				return
			}
			checkCtx["tenant_module_count"] = n
			want = n
		}
		if !a.gate(w, r, perm, checkCtx) {
			return
		}
		err := a.store.SetBindingGuarded(r.Context(), id, d.Name, *b.Enabled, want)
		if errors.Is(err, store.ErrCountChanged) {
			if attempt < maxBindingAttempts-1 {
				continue
			}
			err = problems.InvalidInput("module bindings changed during the request, retry")
		}
		if err != nil {
			problems.Write(w, err)
			return
		}
		break
	}
	a.log.Infow("module binding set", "identity", id, "module", d.Name, "enabled", *b.Enabled, "by", actor(r))
	writeJSON(w, map[string]any{"identity_id": id, "module": d.Name, "enabled": *b.Enabled}, http.StatusOK)
}

const maxBindingAttempts = 3

// enabledOthers counts the identity's enabled modules other than module.
func (a *App) enabledOthers(r *http.Request, id, module string) (int, error) {
	n, err := a.store.EnabledCount(r.Context(), id)
	if err != nil {
		return 0, err
	}
	cur, exists, err := a.store.GetBinding(r.Context(), id, module)
	if err != nil {
		return 0, err
	}
	if exists && cur.Enabled {
		n--
	}
	return n, nil
}

func (a *App) getModuleConfig(w http.ResponseWriter, r *http.Request) {
	d, ok := a.moduleParam(w, r)
	if !ok || !a.gate(w, r, authz.ConfigRead, map[string]any{"module": d.Name}) {
		return
	}
	a.writeModuleConfig(w, r, d)
}

func (a *App) writeModuleConfig(w http.ResponseWriter, r *http.Request, d capability.Descriptor) {
	id := target(r)
	tc, err := a.store.GetTenantConfig(r.Context(), id, d.Name)
	if err != nil && !errors.Is(err, problems.ErrDecryptionFailed) {
		problems.Write(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"identity_id": id,
		"module":      d.Name,
		"entries":     tc.Masked(),
		"unreadable":  tc.Unreadable,
		"missing":     capability.Missing(d, capability.WithDefaults(d, tc.Map())),
		"schema":      d.ConfigSchema,
	}, http.StatusOK)
}

type moduleConfigBody struct {
	// A null value deletes the key.
	Values map[string]*string `json:"values" validate:"required,min=1"`
}

func (a *App) putModuleConfig(w http.ResponseWriter, r *http.Request) {
	d, ok := a.moduleParam(w, r)
	if !ok {
		return
	}
	var b moduleConfigBody
	if err := a.decode(r, &b); err != nil {
		problems.Write(w, err)
		return
	}
	keys := make([]string, 0, len(b.Values))
	advanced := false
	for k := range b.Values {
		f, ok := d.Field(k)
		if !ok {
			problems.Write(w, problems.InvalidInput("module "+d.Name+" has no config key "+k))
			return
		}
		advanced = advanced || f.Advanced
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if !a.gate(w, r, authz.ConfigWrite, map[string]any{
		"module": d.Name, "touches_advanced": advanced, "keys": keys,
	}) {
		return
	}

	id := target(r)
	if err := a.store.UpdateTenantConfig(r.Context(), id, d.Name, b.Values); err != nil {
		problems.Write(w, err)
		return
	}
	a.log.Infow("module config updated", "identity", id, "module", d.Name, "keys", keys, "by", actor(r))
	a.writeModuleConfig(w, r, d)
}
