// Package identity validates inbound bearer credentials against an external
// OIDC provider's signing keys.
package identity

import (
	"context"
	"net/http"
	"strings"
)

// Claims is what the gateway learns about a caller from a valid credential.
type Claims struct {
	IdentityID     string         `json:"identity_id"`
	Email          string         `json:"email"`
	OrganizationID string         `json:"organization_id"`
	Raw            map[string]any `json:"-"`
}

// Provider validates a bearer credential. Any rejection is returned as
// problems.InvalidCredential.
type Provider interface {
	Validate(ctx context.Context, credential string) (Claims, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, credential string) (Claims, error)

func (f ProviderFunc) Validate(ctx context.Context, credential string) (Claims, error) {
	return f(ctx, credential)
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(h[7:])
	return tok, tok != ""
}
