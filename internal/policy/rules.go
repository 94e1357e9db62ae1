package policy

import (
	"context"
	"fmt"
	"os"

	jmes "github.com/jmespath/go-jmespath"
	"gopkg.in/yaml.v3"
)

// Rule applies to a permission ("*" for any) when its JMESPath condition is
// truthy against the evaluation document.
type Rule struct {
	Name       string   `yaml:"name"`
	Permission string   `yaml:"permission"`
	When       string   `yaml:"when"`
	Require    []string `yaml:"require"`
	Deny       bool     `yaml:"deny"`
	Reason     string   `yaml:"reason"`
}

type compiledRule struct {
	Rule
	expr *jmes.JMESPath
}

// Rules is the declarative engine.
type Rules struct {
	rules []compiledRule
}

// DefaultRules are compiled in and used unless a rules file replaces them.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "advanced-fields",
			Permission: "config:write",
			When:       "touches_advanced",
			Require:    []string{"config:advanced"},
			Reason:     "advanced configuration fields",
		},
		{
			Name:       "module-quota",
			Permission: "tools:add",
			When:       "tenant_module_count >= `10`",
			Require:    []string{"tools:unlimited"},
			Reason:     "module quota reached",
		},
		{
			Name:       "manage-other",
			Permission: "*",
			When:       "target_identity != `null` && target_identity != actor_identity",
			Require:    []string{"team:manage"},
			Reason:     "acting on another identity",
		},
	}
}

func NewRules(rules []Rule) (*Rules, error) {
	out := &Rules{}
	for i, r := range rules {
		if r.Permission == "" || r.When == "" {
			return nil, fmt.Errorf("policy: rule %d (%s) needs permission and when", i, r.Name)
		}
		if !r.Deny && len(r.Require) == 0 {
			return nil, fmt.Errorf("policy: rule %d (%s) neither denies nor requires", i, r.Name)
		}
		expr, err := jmes.Compile(r.When)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %d (%s): %w", i, r.Name, err)
		}
		out.rules = append(out.rules, compiledRule{Rule: r, expr: expr})
	}
	return out, nil
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads rules from a YAML file of the form {rules: [...]}.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f ruleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	return f.Rules, nil
}

func (r *Rules) Evaluate(_ context.Context, in Input) (Outcome, error) {
	doc, err := Document(in)
	if err != nil {
		return Outcome{Deny: true}, err
	}
	var out Outcome
	for _, rule := range r.rules {
		if rule.Permission != "*" && rule.Permission != in.Permission {
			continue
		}
		v, err := rule.expr.Search(doc)
		if err != nil {
			return Outcome{Deny: true}, fmt.Errorf("policy: rule %s: %w", rule.Name, err)
		}
		if !truthy(v) {
			continue
		}
		out.Deny = out.Deny || rule.Deny
		out.Require = append(out.Require, rule.Require...)
		if out.Reason == "" {
			out.Reason = rule.Reason
		}
	}
	return out, nil
}

// truthy follows JMESPath: false, null and empty values are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
