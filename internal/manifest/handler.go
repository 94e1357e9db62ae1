package manifest

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gatehouse/pkg/middleware"
	"gatehouse/pkg/problems"
)

// RegisterRoutes mounts the tool listing and the per-identity OpenAPI
// document. Both need an authenticated principal.
func RegisterRoutes(r chi.Router, s *Service) {
	r.Get("/v1/tools", func(w http.ResponseWriter, req *http.Request) {
		m, ok := s.forRequest(w, req)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m)
	})
	r.Get("/.well-known/openapi.json", func(w http.ResponseWriter, req *http.Request) {
		m, ok := s.forRequest(w, req)
		if !ok {
			return
		}
		m.OpenAPI("gatehouse").Write(w)
	})
}

func (s *Service) forRequest(w http.ResponseWriter, req *http.Request) (Manifest, bool) {
	p, ok := middleware.PrincipalFrom(req.Context())
	if !ok {
		problems.Write(w, problems.InvalidCredential(nil))
		return Manifest{}, false
	}
	m, err := s.Build(req.Context(), p.IdentityID)
	if err != nil {
		problems.Write(w, err)
		return Manifest{}, false
	}
	return m, true
}
