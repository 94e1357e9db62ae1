// Package authz decides whether an identity may perform an action.
//
// Roles are read fresh from the store on every check so a revocation takes
// effect on the next request. Every failure path denies.
package authz

import (
	"context"

	"go.uber.org/zap"

	"gatehouse/internal/policy"
	"gatehouse/pkg/metrics"
	"gatehouse/pkg/problems"
)

// RoleSource returns the role names currently assigned to an identity.
type RoleSource interface {
	RolesFor(ctx context.Context, identityID string) ([]string, error)
}

type Checker struct {
	roles   RoleSource
	policy  policy.Engine
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

// New builds a checker. engine may be nil, in which case contextual checks
// reduce to simple ones.
func New(roles RoleSource, engine policy.Engine, m *metrics.Metrics, log *zap.SugaredLogger) *Checker {
	return &Checker{roles: roles, policy: engine, metrics: m, log: log}
}

// Check returns nil when identityID holds permission, otherwise a
// PermissionDenied naming it.
func (c *Checker) Check(ctx context.Context, identityID, permission string) error {
	held, _, err := c.held(ctx, identityID)
	if err != nil {
		return c.deny(identityID, permission, permission, err)
	}
	if !held[permission] {
		return c.deny(identityID, permission, permission, nil)
	}
	c.metrics.AuthzDecision(permission, true)
	return nil
}

// Allowed is Check as a boolean.
func (c *Checker) Allowed(ctx context.Context, identityID, permission string) bool {
	return c.Check(ctx, identityID, permission) == nil
}

// CheckContext runs the policy engine over checkCtx before the simple check.
// An engine deny or error denies; every permission the engine requires must
// also be held. The denial names the first missing permission.
func (c *Checker) CheckContext(ctx context.Context, identityID, permission string, checkCtx map[string]any) error {
	held, roles, err := c.held(ctx, identityID)
	if err != nil {
		return c.deny(identityID, permission, permission, err)
	}
	if c.policy != nil {
		out, err := c.policy.Evaluate(ctx, policy.Input{
			Permission: permission,
			IdentityID: identityID,
			Roles:      roles,
			Context:    checkCtx,
		})
		if err != nil {
			return c.deny(identityID, permission, permission, err)
		}
		if out.Deny {
			c.log.Debugw("policy denied", "identity", identityID, "permission", permission, "reason", out.Reason)
			return c.deny(identityID, permission, permission, nil)
		}
		for _, r := range out.Require {
			if !held[r] {
				c.log.Debugw("policy requirement unmet", "identity", identityID, "permission", permission,
					"requires", r, "reason", out.Reason)
				return c.deny(identityID, permission, r, nil)
			}
		}
	}
	if !held[permission] {
		return c.deny(identityID, permission, permission, nil)
	}
	c.metrics.AuthzDecision(permission, true)
	return nil
}

// Permissions lists what identityID currently holds. Lookup errors are
// returned so callers can report them; they never grant anything.
func (c *Checker) Permissions(ctx context.Context, identityID string) ([]string, []string, error) {
	held, roles, err := c.held(ctx, identityID)
	if err != nil {
		return nil, nil, err
	}
	perms := make([]string, 0, len(held))
	for _, r := range Roles() {
		for _, p := range Permissions(r) {
			if held[p] {
				perms = append(perms, p)
				delete(held, p)
			}
		}
	}
	return roles, perms, nil
}

func (c *Checker) held(ctx context.Context, identityID string) (map[string]bool, []string, error) {
	if identityID == "" || c.roles == nil {
		return map[string]bool{}, nil, nil
	}
	roles, err := c.roles.RolesFor(ctx, identityID)
	if err != nil {
		return nil, nil, err
	}
	return union(roles), roles, nil
}

func (c *Checker) deny(identityID, permission, missing string, cause error) error {
	if cause != nil {
		c.log.Warnw("authorization check failed closed", "identity", identityID, "permission", permission, "err", cause)
	}
	c.metrics.AuthzDecision(permission, false)
	return problems.PermissionDenied(missing)
}
