package trust

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/crossfed-io/crossfed/internal/request"
)

// ValidatorFilterLibrary declares the CEL environment for validator filter
// expressions.
//
// Declared variables:
//   - actor: the actor's validation result as a map (subject, issuer,
//     trust_domain, claims, ...)
//   - validator_name: the name of the validator being checked (string)
//   - request: the request attributes as a map (method, path, headers,
//     additional, ...)
//
// Expressions must evaluate to a boolean, e.g.
//
//	actor.trust_domain == "crossfed.local" && validator_name == "cluster-east"
//	request.path.startsWith("/v1/token") && actor.claims.tier == "critical"
//	validator_name in ["cluster-east", "cluster-west"]
func ValidatorFilterLibrary() cel.EnvOption {
	return cel.Lib(&validatorFilterLib{})
}

type validatorFilterLib struct{}

func (lib *validatorFilterLib) CompileOptions() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Variable("actor", cel.DynType),
		cel.Variable("validator_name", cel.StringType),
		cel.Variable("request", cel.DynType),
	}
}

func (lib *validatorFilterLib) ProgramOptions() []cel.ProgramOption {
	return []cel.ProgramOption{}
}

// ConvertResultToMap converts a Result to a map for CEL evaluation. The
// round-trip through JSON keeps type handling (time.Time, nested claims)
// consistent with the wire representation.
func ConvertResultToMap(result *Result) (map[string]any, error) {
	if result == nil {
		return nil, nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	return m, nil
}

// ConvertRequestAttributesToMap converts RequestAttributes to a map for CEL
// evaluation, via the same JSON round-trip as ConvertResultToMap.
func ConvertRequestAttributesToMap(attrs *request.RequestAttributes) (map[string]any, error) {
	if attrs == nil {
		return nil, nil
	}

	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	return m, nil
}

// CreateValidatorFilterActivation builds the CEL activation for a filter
// evaluation.
func CreateValidatorFilterActivation(actor *Result, validatorName string, requestAttrs *request.RequestAttributes) (map[string]any, error) {
	actorMap, err := ConvertResultToMap(actor)
	if err != nil {
		return nil, err
	}

	requestMap, err := ConvertRequestAttributesToMap(requestAttrs)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"actor":          actorMap,
		"validator_name": validatorName,
		"request":        requestMap,
	}, nil
}

// CelValidatorFilter gates validator access with a CEL expression evaluated
// against the actor and request.
type CelValidatorFilter struct {
	program cel.Program
	script  string
}

// NewCelValidatorFilter compiles the expression against
// ValidatorFilterLibrary. The expression must evaluate to a boolean.
func NewCelValidatorFilter(script string) (*CelValidatorFilter, error) {
	if script == "" {
		return nil, fmt.Errorf("CEL filter script cannot be empty")
	}

	env, err := cel.NewEnv(ValidatorFilterLibrary())
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(script)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL filter script: %w", issues.Err())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &CelValidatorFilter{
		program: program,
		script:  script,
	}, nil
}

// IsAllowed implements ValidatorFilter. Non-boolean evaluation results deny.
func (f *CelValidatorFilter) IsAllowed(actor *Result, validatorName string, requestAttrs *request.RequestAttributes) (bool, error) {
	activation, err := CreateValidatorFilterActivation(actor, validatorName, requestAttrs)
	if err != nil {
		return false, err
	}

	result, _, err := f.program.Eval(activation)
	if err != nil {
		return false, err
	}

	if result.Type() == types.BoolType {
		return result.Value().(bool), nil
	}

	return false, nil
}

// Script returns the CEL expression this filter was built from.
func (f *CelValidatorFilter) Script() string {
	return f.script
}
