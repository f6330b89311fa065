// Package policy holds the role permission table and its evaluator.
//
// A table is an ordered list of rules. Evaluate walks the rules in order and
// returns the first match; a request that matches nothing is denied.
package policy

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Wildcard matches any role, resource or action.
const Wildcard = "*"

// ScopeInstitution marks rules that only hold inside the caller's institution.
const ScopeInstitution = "institution"

const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

//go:embed default_policy.toml
var defaultPolicy string

// Rule is one row of the table.
type Rule struct {
	Role     string   `toml:"role"`
	Resource string   `toml:"resource"`
	Actions  []string `toml:"actions"`
	Effect   string   `toml:"effect"`
	Scope    string   `toml:"scope"`
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Allowed           bool
	InstitutionScoped bool
	// Rule is the index of the matching rule, or -1 for the default deny.
	Rule int
}

// Table is an immutable, validated rule list.
type Table struct {
	rules []Rule
}

type document struct {
	Rules []Rule `toml:"rules"`
}

// Default returns the embedded table.
func Default() (*Table, error) {
	return Parse(defaultPolicy)
}

// Load reads a table from path, falling back to the embedded default when path is empty.
func Load(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	var doc document
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("decode policy file %s: %w", path, err)
	}
	return newTable(doc.Rules)
}

// Parse decodes a table from TOML source.
func Parse(src string) (*Table, error) {
	var doc document
	if _, err := toml.Decode(src, &doc); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return newTable(doc.Rules)
}

func newTable(rules []Rule) (*Table, error) {
	if len(rules) == 0 {
		return nil, errors.New("policy has no rules")
	}
	normalized := make([]Rule, 0, len(rules))
	for i, r := range rules {
		r.Role = strings.ToLower(strings.TrimSpace(r.Role))
		r.Resource = strings.ToLower(strings.TrimSpace(r.Resource))
		r.Effect = strings.ToLower(strings.TrimSpace(r.Effect))
		r.Scope = strings.ToLower(strings.TrimSpace(r.Scope))
		if r.Role == "" || r.Resource == "" || len(r.Actions) == 0 {
			return nil, fmt.Errorf("rule %d: role, resource and actions are required", i)
		}
		if r.Effect != EffectAllow && r.Effect != EffectDeny {
			return nil, fmt.Errorf("rule %d: unknown effect %q", i, r.Effect)
		}
		if r.Scope != "" && r.Scope != ScopeInstitution {
			return nil, fmt.Errorf("rule %d: unknown scope %q", i, r.Scope)
		}
		actions := make([]string, 0, len(r.Actions))
		for _, a := range r.Actions {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" {
				return nil, fmt.Errorf("rule %d: empty action", i)
			}
			actions = append(actions, a)
		}
		r.Actions = actions
		normalized = append(normalized, r)
	}
	return &Table{rules: normalized}, nil
}

// Evaluate returns the decision of the first rule matching the tuple.
func (t *Table) Evaluate(role, resource, action string) Decision {
	if t == nil {
		return Decision{Rule: -1}
	}
	role = strings.ToLower(role)
	resource = strings.ToLower(resource)
	action = strings.ToLower(action)
	for i, r := range t.rules {
		if !matches(r.Role, role) || !matches(r.Resource, resource) || !matchesAny(r.Actions, action) {
			continue
		}
		if r.Effect == EffectDeny {
			return Decision{Rule: i}
		}
		return Decision{Allowed: true, InstitutionScoped: r.Scope == ScopeInstitution, Rule: i}
	}
	return Decision{Rule: -1}
}

// Rules returns a copy of the table rows.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

func matches(pattern, value string) bool {
	if value == "" {
		return false
	}
	return pattern == Wildcard || pattern == value
}

func matchesAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if matches(p, value) {
			return true
		}
	}
	return false
}
