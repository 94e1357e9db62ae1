package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gatehouse/internal/bootstrap"
	"gatehouse/internal/capability"
	"gatehouse/internal/mount"
	"gatehouse/pkg/middleware"
	"gatehouse/pkg/problems"
)

// maxToolInput bounds a dispatch body.
const maxToolInput = 1 << 20

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// healthz is the readiness probe: it needs an open store that answers a ping.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "state": s.Bootstrap.Peek()}
	if s.Store == nil {
		resp["status"] = "starting"
		writeJSON(w, resp, http.StatusServiceUnavailable)
		return
	}
	if err := s.Store.DB().PingContext(r.Context()); err != nil {
		s.Log.Warnw("health check: store unreachable", "err", err)
		resp["status"] = "store unreachable"
		writeJSON(w, resp, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, resp, http.StatusOK)
}

func (s *Server) setupStatus(w http.ResponseWriter, r *http.Request) {
	st := s.Bootstrap.State(r.Context())
	resp := map[string]any{"state": st, "configured": st >= bootstrap.Configured}
	if st < bootstrap.Configured {
		resp["setup_step"] = bootstrap.SetupStep
	}
	writeJSON(w, resp, http.StatusOK)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())
	ident, err := s.Store.GetIdentity(r.Context(), p.IdentityID)
	if err != nil {
		problems.Write(w, err)
		return
	}
	roles, perms, err := s.Authz.Permissions(r.Context(), p.IdentityID)
	if err != nil {
		problems.Write(w, err)
		return
	}
	mounts := s.Mounts.Mounted(p.IdentityID)
	if mounts == nil {
		mounts = []mount.Mount{}
	}
	resp := map[string]any{
		"identity":    ident,
		"roles":       roles,
		"permissions": perms,
		"mounts":      mounts,
	}
	if b, ok := s.Sessions.Get(p.SessionID); ok {
		resp["session"] = b
	}
	writeJSON(w, resp, http.StatusOK)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())
	s.Sessions.Unbind(p.SessionID)
	w.Header().Del(SessionHeader)
	w.WriteHeader(http.StatusNoContent)
}

type catalogueEntry struct {
	capability.Descriptor
	Enabled bool `json:"enabled"`
}

// catalogue lists every registered module with the caller's binding state.
func (s *Server) catalogue(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())
	bs, err := s.Store.Bindings(r.Context(), p.IdentityID)
	if err != nil {
		problems.Write(w, err)
		return
	}
	enabled := map[string]bool{}
	for _, b := range bs {
		enabled[b.Module] = b.Enabled
	}
	out := []catalogueEntry{}
	for _, d := range s.Registry.Descriptors() {
		out = append(out, catalogueEntry{Descriptor: d, Enabled: enabled[d.Name]})
	}
	writeJSON(w, map[string]any{"modules": out}, http.StatusOK)
}

// dispatch invokes one operation on the caller's own mount of a module.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, _ := middleware.PrincipalFrom(ctx)
	if err := s.Bootstrap.Require(ctx); err != nil {
		problems.Write(w, err)
		return
	}
	module, op := chi.URLParam(r, "module"), chi.URLParam(r, "operation")
	d, ok := s.Registry.Descriptor(module)
	if !ok {
		problems.Write(w, problems.UnknownModule(module))
		return
	}
	if !d.HasOperation(op) {
		problems.Write(w, problems.NotFound("module "+module+" has no operation "+op))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxToolInput+1))
	if err != nil {
		problems.Write(w, problems.InvalidInput("cannot read request body"))
		return
	}
	if len(body) > maxToolInput {
		problems.Write(w, problems.InvalidInput("request body too large"))
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		problems.Write(w, problems.InvalidInput("request body must be JSON"))
		return
	}

	m, err := s.Mounts.Resolve(ctx, p.IdentityID, module)
	if err != nil {
		problems.Write(w, err)
		return
	}
	out, err := m.Handle.Invoke(ctx, op, json.RawMessage(body))
	if err != nil {
		s.Log.Warnw("tool call failed", "identity", p.IdentityID, "module", module, "operation", op, "err", err)
		problems.Write(w, err)
		return
	}
	writeJSON(w, map[string]any{"module": module, "operation": op, "result": out}, http.StatusOK)
}
