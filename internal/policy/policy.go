// Package policy evaluates contextual rules that tighten a permission check.
// An engine never grants anything by itself: it can deny outright or name
// extra permissions the caller must also hold.
package policy

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
)

// Input is one contextual check.
type Input struct {
	Permission string
	IdentityID string
	Roles      []string
	Context    map[string]any
}

// Outcome is an engine's verdict.
type Outcome struct {
	Deny    bool     `json:"deny"`
	Require []string `json:"require,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

type Engine interface {
	Evaluate(ctx context.Context, in Input) (Outcome, error)
}

// Document is the JSON-shaped view engines evaluate against: the caller's
// context plus permission, actor_identity and roles. Numbers become float64
// so JMESPath and Rego comparisons behave.
func Document(in Input) (map[string]any, error) {
	doc := map[string]any{}
	if len(in.Context) > 0 {
		raw, err := json.Marshal(in.Context)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
	}
	roles := make([]any, len(in.Roles))
	for i, r := range in.Roles {
		roles[i] = r
	}
	doc["permission"] = in.Permission
	doc["actor_identity"] = in.IdentityID
	doc["roles"] = roles
	return doc, nil
}

// Chain runs engines in order and merges their outcomes. The first error
// stops evaluation.
type Chain []Engine

func (c Chain) Evaluate(ctx context.Context, in Input) (Outcome, error) {
	var (
		out     Outcome
		reasons []string
		req     = map[string]bool{}
	)
	for _, e := range c {
		if e == nil {
			continue
		}
		o, err := e.Evaluate(ctx, in)
		if err != nil {
			return Outcome{Deny: true}, err
		}
		out.Deny = out.Deny || o.Deny
		for _, r := range o.Require {
			req[r] = true
		}
		if o.Reason != "" {
			reasons = append(reasons, o.Reason)
		}
	}
	for r := range req {
		out.Require = append(out.Require, r)
	}
	sort.Strings(out.Require)
	out.Reason = strings.Join(reasons, "; ")
	return out, nil
}
