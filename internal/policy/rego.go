package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Query is the rule every Rego policy module must define.
const Query = "data.gatehouse.decision"

// Rego evaluates an OPA policy whose decision object has the shape
// {deny: bool, require: [string], reason: string}. An undefined decision
// means the policy has no opinion.
type Rego struct {
	pq rego.PreparedEvalQuery
}

func NewRego(ctx context.Context, module string) (*Rego, error) {
	pq, err := rego.New(
		rego.Query(Query),
		rego.Module("gatehouse.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: compile rego: %w", err)
	}
	return &Rego{pq: pq}, nil
}

func LoadRego(ctx context.Context, path string) (*Rego, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewRego(ctx, string(raw))
}

func (r *Rego) Evaluate(ctx context.Context, in Input) (Outcome, error) {
	doc, err := Document(in)
	if err != nil {
		return Outcome{Deny: true}, err
	}
	rs, err := r.pq.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return Outcome{Deny: true}, fmt.Errorf("policy: rego eval: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Outcome{}, nil
	}
	m, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Outcome{Deny: true}, fmt.Errorf("policy: decision is %T, want object", rs[0].Expressions[0].Value)
	}
	var out Outcome
	if d, ok := m["deny"].(bool); ok {
		out.Deny = d
	}
	if reqs, ok := m["require"].([]any); ok {
		for _, v := range reqs {
			s, ok := v.(string)
			if !ok {
				return Outcome{Deny: true}, fmt.Errorf("policy: require entry %v is not a string", v)
			}
			out.Require = append(out.Require, s)
		}
	}
	out.Reason, _ = m["reason"].(string)
	return out, nil
}
