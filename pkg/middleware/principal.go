package middleware

import (
	"context"
	"net/http"

	"gatehouse/pkg/problems"
)

// Principal is the authenticated caller. It is the tenant: configuration and
// mounts are isolated per IdentityID.
type Principal struct {
	IdentityID     string
	Email          string
	OrganizationID string
	SessionID      string
}

type ctxPrincipalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxPrincipalKey{}).(Principal)
	return p, ok
}

// AuthFunc authenticates one request. It may set response headers.
type AuthFunc func(w http.ResponseWriter, r *http.Request) (Principal, error)

// Authenticate attaches the Principal returned by authn to the request
// context. Failures are written as problem documents.
func Authenticate(authn AuthFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := authn(w, r)
			if err != nil {
				problems.Write(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// PermissionChecker is satisfied by the authorization checker.
type PermissionChecker interface {
	Check(ctx context.Context, identityID, permission string) error
}

// RequirePermission rejects callers that do not hold permission. It must run
// after Authenticate.
func RequirePermission(c PermissionChecker, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				problems.Write(w, problems.InvalidCredential(nil))
				return
			}
			if err := c.Check(r.Context(), p.IdentityID, permission); err != nil {
				problems.Write(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
