package gateway

import (
	"errors"
	"net/http"
	"strings"

	"gatehouse/internal/authz"
	"gatehouse/internal/identity"
	"gatehouse/internal/session"
	"gatehouse/internal/store"
	"gatehouse/pkg/middleware"
	"gatehouse/pkg/problems"
)

// authenticate validates the bearer credential, records the identity on
// first sight, and binds the session. A request without a session id gets a
// fresh one in the response header.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (middleware.Principal, error) {
	tok, ok := identity.BearerToken(r)
	if !ok {
		return middleware.Principal{}, problems.InvalidCredential(errors.New("missing bearer credential"))
	}
	claims, err := s.Identity.Validate(r.Context(), tok)
	if err != nil {
		return middleware.Principal{}, err
	}
	if s.Store == nil {
		return middleware.Principal{}, problems.NotBootstrapped("start")
	}

	ident, created, err := s.Store.EnsureIdentity(r.Context(), store.Identity{
		ID:             claims.IdentityID,
		Email:          claims.Email,
		OrganizationID: claims.OrganizationID,
	})
	if err != nil {
		return middleware.Principal{}, err
	}
	if ident.Archived() {
		return middleware.Principal{}, problems.InvalidCredential(errors.New("identity archived"))
	}
	if created {
		s.Log.Infow("identity created", "identity", ident.ID, "organization", ident.OrganizationID)
		if s.admins[strings.ToLower(ident.Email)] {
			if err := s.Store.AssignRole(r.Context(), ident.ID, authz.Admin, "bootstrap"); err != nil {
				return middleware.Principal{}, err
			}
			s.Log.Infow("bootstrap admin granted", "identity", ident.ID)
		}
	}

	sid := strings.TrimSpace(r.Header.Get(SessionHeader))
	if sid == "" {
		sid = session.NewID()
	}
	if bound, ok := s.Sessions.Resolve(sid); !ok {
		if _, err := s.Sessions.Bind(sid, ident.ID, 0); err != nil {
			return middleware.Principal{}, err
		}
	} else if bound != ident.ID {
		return middleware.Principal{}, problems.SessionAlreadyBound()
	}
	w.Header().Set(SessionHeader, sid)

	return middleware.Principal{
		IdentityID:     ident.ID,
		Email:          ident.Email,
		OrganizationID: ident.OrganizationID,
		SessionID:      sid,
	}, nil
}
