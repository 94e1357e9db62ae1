package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"gatehouse/pkg/problems"
)

type JWTOptions struct {
	Issuer   string
	Audience string
	Skew     time.Duration
	// OrgClaim names the claim holding the organization id (default org_id).
	OrgClaim string
	Now      func() time.Time
}

// JWT validates signed access tokens.
type JWT struct {
	keys KeySource
	opts JWTOptions
}

func NewJWT(keys KeySource, opts JWTOptions) *JWT {
	if opts.OrgClaim == "" {
		opts.OrgClaim = "org_id"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Issuer = strings.TrimRight(opts.Issuer, "/")
	return &JWT{keys: keys, opts: opts}
}

func (p *JWT) Validate(ctx context.Context, raw string) (Claims, error) {
	if raw == "" {
		return Claims{}, problems.InvalidCredential(errors.New("missing bearer token"))
	}
	set, err := p.keys.KeySet(ctx)
	if err != nil {
		// the credential may be fine; the provider is not
		return Claims{}, problems.New(problems.KindDependencyUnavailable, "identity provider keys unavailable", err)
	}
	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(set),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(p.opts.Skew),
		jwt.WithClock(jwt.ClockFunc(p.opts.Now)),
	}
	if p.opts.Issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(p.opts.Issuer))
	}
	if p.opts.Audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(p.opts.Audience))
	}
	tok, err := jwt.Parse([]byte(raw), parseOpts...)
	if err != nil {
		return Claims{}, problems.InvalidCredential(err)
	}
	if tok.Subject() == "" {
		return Claims{}, problems.InvalidCredential(errors.New("token has no subject"))
	}
	all, err := tok.AsMap(ctx)
	if err != nil {
		return Claims{}, problems.InvalidCredential(fmt.Errorf("claims: %w", err))
	}
	c := Claims{IdentityID: tok.Subject(), Raw: all}
	if v, ok := tok.Get("email"); ok {
		c.Email, _ = v.(string)
	}
	if v, ok := tok.Get(p.opts.OrgClaim); ok {
		c.OrganizationID, _ = v.(string)
	}
	return c, nil
}
