// Package policy implements the records that govern role assumption: trust
// policies deciding who may assume a role, permission policies deciding what
// an assumed role may do, and the roles that bind the two together. All
// records are authored in configuration by an administrator; the exchange
// path only reads them.
package policy

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/crossfed-io/crossfed/internal/trust"
)

// TrustPolicy decides which validated subjects may assume the role it is
// attached to. A subject is permitted when it matches one of the subject
// patterns AND the optional CEL condition evaluates to true.
type TrustPolicy struct {
	// Provider is the name of the identity provider record this policy is
	// bound to. A token validated by a different provider never matches.
	Provider string

	// Subjects are the permitted subject patterns. Patterns match the
	// token's "sub" claim exactly, except that "*" matches any run of
	// characters, e.g. "system:serviceaccount:dns:*".
	Subjects []string

	condition cel.Program
	script    string
}

// TrustPolicyConfig configures a trust policy.
type TrustPolicyConfig struct {
	// Provider is the bound identity provider record name (required).
	Provider string

	// Subjects are the permitted subject patterns (at least one required).
	Subjects []string

	// Condition is an optional CEL expression evaluated against the
	// validated token. It has access to:
	//   - subject: the subject identifier (string)
	//   - claims: the token claims as a map
	// Example: claims.namespace == "dns" && !("sandbox" in claims.groups)
	Condition string
}

// NewTrustPolicy creates a trust policy, compiling the CEL condition if one
// is configured.
func NewTrustPolicy(cfg TrustPolicyConfig) (*TrustPolicy, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("trust policy requires a provider")
	}
	if len(cfg.Subjects) == 0 {
		return nil, fmt.Errorf("trust policy requires at least one subject pattern")
	}

	p := &TrustPolicy{
		Provider: cfg.Provider,
		Subjects: cfg.Subjects,
		script:   cfg.Condition,
	}

	if cfg.Condition != "" {
		env, err := cel.NewEnv(TrustConditionLibrary())
		if err != nil {
			return nil, fmt.Errorf("failed to create CEL environment: %w", err)
		}

		ast, issues := env.Compile(cfg.Condition)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile trust policy condition: %w", issues.Err())
		}

		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create CEL program: %w", err)
		}
		p.condition = program
	}

	return p, nil
}

// TrustConditionLibrary creates the CEL library for trust policy conditions.
//
// It declares:
//   - subject - the validated subject identifier (string)
//   - claims - the validated token claims as a map
func TrustConditionLibrary() cel.EnvOption {
	return cel.Lib(&trustConditionLib{})
}

type trustConditionLib struct{}

func (lib *trustConditionLib) CompileOptions() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Variable("subject", cel.StringType),
		cel.Variable("claims", cel.DynType),
	}
}

func (lib *trustConditionLib) ProgramOptions() []cel.ProgramOption {
	return []cel.ProgramOption{}
}

// Permits reports whether the validated subject may assume a role bound to
// this policy. The caller has already matched the policy's provider against
// the token's issuer.
func (p *TrustPolicy) Permits(result *trust.Result) (bool, error) {
	if result == nil || result.Subject == "" {
		return false, nil
	}

	matched := false
	for _, pattern := range p.Subjects {
		if MatchPattern(pattern, result.Subject) {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	if p.condition == nil {
		return true, nil
	}

	claimsMap := map[string]any(result.Claims)
	if claimsMap == nil {
		claimsMap = map[string]any{}
	}

	out, _, err := p.condition.Eval(map[string]any{
		"subject": result.Subject,
		"claims":  claimsMap,
	})
	if err != nil {
		return false, fmt.Errorf("trust policy condition evaluation failed: %w", err)
	}

	if out.Type() == types.BoolType {
		return out.Value().(bool), nil
	}
	return false, nil
}

// Condition returns the CEL condition script, if any.
func (p *TrustPolicy) Condition() string {
	return p.script
}

// MatchPattern matches a value against a pattern where "*" matches any run
// of characters (including none). All other characters match literally.
func MatchPattern(pattern, value string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	parts := strings.Split(pattern, "*")

	// Anchor the first and last literal segments
	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	value = value[len(parts[0]):]

	last := parts[len(parts)-1]
	if !strings.HasSuffix(value, last) {
		return false
	}
	value = value[:len(value)-len(last)]

	// Middle segments must appear in order
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(value, part)
		if idx < 0 {
			return false
		}
		value = value[idx+len(part):]
	}

	return true
}
