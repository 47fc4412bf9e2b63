package policy

import (
	"fmt"
)

// Effect is the outcome a statement contributes to an authorization decision.
type Effect string

const (
	EffectAllow Effect = "Allow"
	EffectDeny  Effect = "Deny"
)

// Statement grants or denies a set of actions over a set of resources.
// Action and resource patterns use the same "*" wildcard as subject patterns.
type Statement struct {
	// Effect is Allow or Deny.
	Effect Effect `json:"effect"`

	// Actions are the action patterns, e.g. "dns:ChangeRecordSets" or
	// "dns:List*".
	Actions []string `json:"actions"`

	// Resources are the resource patterns, e.g. "zone/*".
	Resources []string `json:"resources"`
}

// Matches reports whether this statement applies to the action and resource.
func (s *Statement) Matches(action, resource string) bool {
	actionMatch := false
	for _, pattern := range s.Actions {
		if MatchPattern(pattern, action) {
			actionMatch = true
			break
		}
	}
	if !actionMatch {
		return false
	}

	for _, pattern := range s.Resources {
		if MatchPattern(pattern, resource) {
			return true
		}
	}
	return false
}

// PermissionPolicy is a named set of statements attached to a role.
type PermissionPolicy struct {
	// Name is the administrative identifier for this policy.
	Name string `json:"name"`

	// Statements are evaluated together; see Allows.
	Statements []Statement `json:"statements"`
}

// NewPermissionPolicy validates and creates a permission policy.
func NewPermissionPolicy(name string, statements []Statement) (*PermissionPolicy, error) {
	if name == "" {
		return nil, fmt.Errorf("permission policy name is required")
	}
	if len(statements) == 0 {
		return nil, fmt.Errorf("permission policy %s requires at least one statement", name)
	}

	for i, stmt := range statements {
		switch stmt.Effect {
		case EffectAllow, EffectDeny:
		default:
			return nil, fmt.Errorf("permission policy %s: statement %d has invalid effect %q", name, i, stmt.Effect)
		}
		if len(stmt.Actions) == 0 {
			return nil, fmt.Errorf("permission policy %s: statement %d requires at least one action", name, i)
		}
		if len(stmt.Resources) == 0 {
			return nil, fmt.Errorf("permission policy %s: statement %d requires at least one resource", name, i)
		}
	}

	return &PermissionPolicy{Name: name, Statements: statements}, nil
}

// Decision is the outcome of evaluating policies against an action.
type Decision string

const (
	// DecisionAllow means a matching Allow statement exists and no Deny
	// statement matches.
	DecisionAllow Decision = "allow"

	// DecisionDeny means a Deny statement explicitly matches.
	DecisionDeny Decision = "deny"

	// DecisionNoMatch means no statement matches; treated as deny.
	DecisionNoMatch Decision = "no_match"
)

// Evaluate decides whether the action on the resource is permitted by the
// given policies. An explicit Deny always wins over any Allow.
func Evaluate(policies []*PermissionPolicy, action, resource string) Decision {
	decision := DecisionNoMatch
	for _, policy := range policies {
		d := EvaluateStatements(policy.Statements, action, resource)
		if d == DecisionDeny {
			return DecisionDeny
		}
		if d == DecisionAllow {
			decision = DecisionAllow
		}
	}
	return decision
}

// EvaluateStatements evaluates a flat statement list, as carried in a
// session credential's perm claim. An explicit Deny always wins.
func EvaluateStatements(statements []Statement, action, resource string) Decision {
	decision := DecisionNoMatch
	for i := range statements {
		stmt := &statements[i]
		if !stmt.Matches(action, resource) {
			continue
		}
		if stmt.Effect == EffectDeny {
			return DecisionDeny
		}
		decision = DecisionAllow
	}
	return decision
}
