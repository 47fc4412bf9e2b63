package mapper

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	celhelpers "github.com/crossfed-io/crossfed/internal/cel"
	"github.com/crossfed-io/crossfed/internal/claims"
	"github.com/crossfed-io/crossfed/internal/service"
	"github.com/crossfed-io/crossfed/internal/trust"
)

// CELMapper produces session claims from a CEL expression evaluated against
// the exchange context.
//
// The expression has access to:
//   - datasource(name) - fetch data from a named data source
//   - subject - the validated subject identity as a map
//   - actor - the requesting actor's identity as a map
//   - request - the request attributes as a map
//
// It must evaluate to a map, which becomes the claim set. Examples:
//
//	// Carry the workload identity forward
//	{"sub": subject.subject, "trust_domain": subject.trust_domain}
//
//	// Enrich from a data source
//	{"workload_profile": datasource("workload-profile")}
//
//	// Conditional shaping
//	subject.trust_domain == "crossfed.local"
//		? {"env": "production"} : {"env": "dev"}
type CELMapper struct {
	script string
	ast    *cel.Ast
}

// NewCELMapper compiles the expression once at construction. The datasource
// registry is bound later, per invocation.
func NewCELMapper(script string) (*CELMapper, error) {
	if script == "" {
		return nil, fmt.Errorf("CEL script cannot be empty")
	}

	// Compile against an environment with no datasources; declarations are
	// identical to the runtime environment.
	env, err := cel.NewEnv(
		celhelpers.MapperInputLibrary(context.Background(), nil, nil),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(script)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL script: %w", issues.Err())
	}

	return &CELMapper{
		script: script,
		ast:    ast,
	}, nil
}

// Map evaluates the expression for one exchange and returns the resulting
// claims.
func (m *CELMapper) Map(ctx context.Context, input *service.MapperInput) (claims.Claims, error) {
	if input == nil {
		return nil, fmt.Errorf("mapper input cannot be nil")
	}

	// The runtime environment carries this invocation's datasource registry;
	// the AST compiled at construction is reused.
	// TODO: hoist environment construction to once per exchange instead of
	// once per mapper.
	env, err := cel.NewEnv(
		celhelpers.MapperInputLibrary(ctx, input.DataSourceRegistry, input.DataSourceInput),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	program, err := env.Program(m.ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	result, _, err := program.Eval(m.createActivation(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	resultValue := celhelpers.ConvertCELValue(result)
	if resultValue == nil {
		return nil, nil
	}

	resultMap, ok := resultValue.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("CEL expression must evaluate to a map, got: %T", resultValue)
	}

	return claims.Claims(resultMap), nil
}

// Script returns the CEL expression this mapper was built from.
func (m *CELMapper) Script() string {
	return m.script
}

func (m *CELMapper) createActivation(input *service.MapperInput) map[string]any {
	activation := map[string]any{
		"subject": nil,
		"actor":   nil,
		"request": nil,
	}

	if input.Subject != nil {
		activation["subject"] = trustResultToMap(input.Subject)
	}
	if input.Actor != nil {
		activation["actor"] = trustResultToMap(input.Actor)
	}
	if input.RequestAttributes != nil {
		activation["request"] = map[string]any{
			"method":     input.RequestAttributes.Method,
			"path":       input.RequestAttributes.Path,
			"ip_address": input.RequestAttributes.IPAddress,
			"user_agent": input.RequestAttributes.UserAgent,
			"headers":    input.RequestAttributes.Headers,
			"additional": input.RequestAttributes.Additional,
		}
	}

	return activation
}

// trustResultToMap shapes a validation result for CEL field access. Empty
// optional fields are omitted so expressions can probe with `in`.
func trustResultToMap(result *trust.Result) map[string]any {
	m := map[string]any{
		"subject":      result.Subject,
		"issuer":       result.Issuer,
		"trust_domain": result.TrustDomain,
		"expires_at":   result.ExpiresAt,
		"issued_at":    result.IssuedAt,
	}

	if len(result.Claims) > 0 {
		m["claims"] = map[string]any(result.Claims)
	}
	if len(result.Audience) > 0 {
		m["audience"] = result.Audience
	}
	if result.Scope != "" {
		m["scope"] = result.Scope
	}

	return m
}
