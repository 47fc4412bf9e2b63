package service

import (
	"context"
	"strings"
	"testing"

	"github.com/crossfed-io/crossfed/internal/request"
	"github.com/crossfed-io/crossfed/internal/trust"
)

// FakeObserver implements ApplicationObserver and records every probe it
// hands out so tests can assert on the observed call sequence.
type FakeObserver struct {
	t *testing.T

	// Probes in creation order, across all observer methods.
	Probes []*FakeProbe
}

// NewFakeObserver creates a fake observer bound to t.
func NewFakeObserver(t *testing.T) *FakeObserver {
	return &FakeObserver{t: t, Probes: []*FakeProbe{}}
}

// TokenIssuanceStarted implements TokenServiceObserver.
func (o *FakeObserver) TokenIssuanceStarted(
	ctx context.Context,
	subject *trust.Result,
	actor *trust.Result,
	scope string,
	tokenTypes []TokenType,
) (context.Context, TokenIssuanceProbe) {
	probe := &FakeProbe{
		t:           o.t,
		StartMethod: "TokenIssuanceStarted",
		StartArgs: map[string]any{
			"subject":    subject,
			"actor":      actor,
			"scope":      scope,
			"tokenTypes": tokenTypes,
		},
		calls: []probeCall{},
	}
	o.Probes = append(o.Probes, probe)
	return ctx, probe
}

// TokenExchangeStarted implements TokenExchangeObserver.
func (o *FakeObserver) TokenExchangeStarted(
	ctx context.Context,
	grantType string,
	requestedTokenType string,
	audience string,
	scope string,
) (context.Context, TokenExchangeProbe) {
	probe := &FakeProbe{
		t:           o.t,
		StartMethod: "TokenExchangeStarted",
		StartArgs: map[string]any{
			"grantType":          grantType,
			"requestedTokenType": requestedTokenType,
			"audience":           audience,
			"scope":              scope,
		},
		calls: []probeCall{},
	}
	o.Probes = append(o.Probes, probe)
	return ctx, probe
}

// AuthzCheckStarted implements AuthzCheckObserver.
func (o *FakeObserver) AuthzCheckStarted(
	ctx context.Context,
) (context.Context, AuthzCheckProbe) {
	probe := &FakeProbe{
		t:           o.t,
		StartMethod: "AuthzCheckStarted",
		StartArgs:   map[string]any{},
		calls:       []probeCall{},
	}
	o.Probes = append(o.Probes, probe)
	return ctx, probe
}

// AssertProbeCount fails the test unless exactly expected probes were made.
func (o *FakeObserver) AssertProbeCount(expected int) {
	o.t.Helper()
	if len(o.Probes) != expected {
		o.t.Errorf("expected %d probe(s), got %d", expected, len(o.Probes))
	}
}

// GetProbe returns the probe at index, failing the test when out of range.
func (o *FakeObserver) GetProbe(index int) *FakeProbe {
	o.t.Helper()
	if index < 0 || index >= len(o.Probes) {
		o.t.Fatalf("probe index %d out of range (have %d probes)", index, len(o.Probes))
		return nil
	}
	return o.Probes[index]
}

// AssertSingleProbe asserts exactly one probe exists, started through the
// given method. Non-nil values in args are compared against the recorded
// start arguments; nil values skip the check. Returns the probe for
// follow-on sequence assertions.
func (o *FakeObserver) AssertSingleProbe(startMethod string, args map[string]any) *FakeProbe {
	o.t.Helper()

	o.AssertProbeCount(1)
	if len(o.Probes) == 0 {
		return nil
	}

	probe := o.Probes[0]

	if probe.StartMethod != startMethod {
		o.t.Errorf("expected probe started with %s, got %s", startMethod, probe.StartMethod)
	}

	for key, expectedVal := range args {
		if expectedVal == nil {
			continue
		}
		actualVal, ok := probe.StartArgs[key]
		if !ok {
			o.t.Errorf("probe missing start arg %q", key)
			continue
		}
		if actualVal != expectedVal {
			o.t.Errorf("probe start arg %q: expected %v, got %v", key, expectedVal, actualVal)
		}
	}

	return probe
}

// FakeProbe implements every probe interface and records each call.
type FakeProbe struct {
	t *testing.T

	// Captured at probe creation, exported for test assertions.
	StartMethod string
	StartArgs   map[string]any

	calls []probeCall
}

type probeCall struct {
	methodName string
	args       []any
}

func (p *probeCall) method() string {
	return p.methodName
}

func (p *probeCall) arguments() []any {
	return p.args
}

func (p *FakeProbe) recordCall(method string, args ...any) {
	p.calls = append(p.calls, probeCall{
		methodName: method,
		args:       args,
	})
}

// TokenIssuanceProbe methods

func (p *FakeProbe) TokenTypeIssuanceStarted(tokenType TokenType) {
	p.recordCall("TokenTypeIssuanceStarted", tokenType)
}

func (p *FakeProbe) TokenTypeIssuanceSucceeded(tokenType TokenType, token *Token) {
	p.recordCall("TokenTypeIssuanceSucceeded", tokenType, token)
}

func (p *FakeProbe) TokenTypeIssuanceFailed(tokenType TokenType, err error) {
	p.recordCall("TokenTypeIssuanceFailed", tokenType, err)
}

func (p *FakeProbe) IssuerNotFound(tokenType TokenType, err error) {
	p.recordCall("IssuerNotFound", tokenType, err)
}

// TokenExchangeProbe methods

func (p *FakeProbe) ActorValidationSucceeded(actor *trust.Result) {
	p.recordCall("ActorValidationSucceeded", actor)
}

func (p *FakeProbe) ActorValidationFailed(err error) {
	p.recordCall("ActorValidationFailed", err)
}

func (p *FakeProbe) RequestContextParsed(attrs *request.RequestAttributes) {
	p.recordCall("RequestContextParsed", attrs)
}

func (p *FakeProbe) RequestContextParseFailed(err error) {
	p.recordCall("RequestContextParseFailed", err)
}

func (p *FakeProbe) SubjectTokenValidationSucceeded(subject *trust.Result) {
	p.recordCall("SubjectTokenValidationSucceeded", subject)
}

func (p *FakeProbe) SubjectTokenValidationFailed(err error) {
	p.recordCall("SubjectTokenValidationFailed", err)
}

func (p *FakeProbe) RoleResolved(roleName string, session *RoleSession) {
	p.recordCall("RoleResolved", roleName, session)
}

func (p *FakeProbe) RoleResolutionFailed(roleName string, err error) {
	p.recordCall("RoleResolutionFailed", roleName, err)
}

// AuthzCheckProbe methods

func (p *FakeProbe) RequestAttributesParsed(attrs *request.RequestAttributes) {
	p.recordCall("RequestAttributesParsed", attrs)
}

func (p *FakeProbe) SubjectCredentialExtracted(cred trust.Credential, headersUsed []string) {
	p.recordCall("SubjectCredentialExtracted", cred, headersUsed)
}

func (p *FakeProbe) SubjectCredentialExtractionFailed(err error) {
	p.recordCall("SubjectCredentialExtractionFailed", err)
}

func (p *FakeProbe) SubjectValidationSucceeded(subject *trust.Result) {
	p.recordCall("SubjectValidationSucceeded", subject)
}

func (p *FakeProbe) SubjectValidationFailed(err error) {
	p.recordCall("SubjectValidationFailed", err)
}

func (p *FakeProbe) PermissionEvaluated(decision string, action string, resource string) {
	p.recordCall("PermissionEvaluated", decision, action, resource)
}

// End is shared by all probe interfaces.
func (p *FakeProbe) End() {
	p.recordCall("End")
}

// AssertProbeSequence checks the exact sequence of recorded calls. Each
// expectation is either a method name string or a ProbeMatcher.
func (p *FakeProbe) AssertProbeSequence(expected ...any) {
	p.t.Helper()
	if len(p.calls) != len(expected) {
		p.t.Errorf("expected %d probe calls, got %d", len(expected), len(p.calls))
		p.t.Logf("actual probe calls: %v", p.methodNames())
		return
	}
	for i, exp := range expected {
		call := p.calls[i]
		switch e := exp.(type) {
		case string:
			if call.method() != e {
				p.t.Errorf("probe call %d: expected method %s, got %s", i, e, call.method())
			}
		case ProbeMatcher:
			if !e(call) {
				p.t.Errorf("probe call %d: matcher failed for %s", i, call.method())
			}
		default:
			p.t.Errorf("invalid expected type at position %d: %T", i, exp)
		}
	}
}

func (p *FakeProbe) methodNames() []string {
	names := make([]string, len(p.calls))
	for i, call := range p.calls {
		names[i] = call.method()
	}
	return names
}

// ProbeMatcher matches one recorded probe call.
type ProbeMatcher func(probeCall) bool

// ProbeCall matches on method name and, when given, on arguments. Arguments
// compare with == unless they implement ArgumentMatcher.
func ProbeCall(method string, args ...any) ProbeMatcher {
	return func(call probeCall) bool {
		if call.method() != method {
			return false
		}
		if len(args) == 0 {
			return true
		}
		callArgs := call.arguments()
		if len(args) != len(callArgs) {
			return false
		}
		for i, expected := range args {
			if matcher, ok := expected.(ArgumentMatcher); ok {
				if !matcher.Matches(callArgs[i]) {
					return false
				}
			} else if expected != callArgs[i] {
				return false
			}
		}
		return true
	}
}

// ArgumentMatcher matches a single probe argument.
type ArgumentMatcher interface {
	Matches(actual any) bool
}

// ErrorContaining matches an error whose message contains the substring.
type ErrorContaining string

func (e ErrorContaining) Matches(actual any) bool {
	err, ok := actual.(error)
	if !ok || err == nil {
		return false
	}
	return strings.Contains(err.Error(), string(e))
}

type anyErrorMatcher struct{}

// AnyError matches any non-nil error.
func AnyError() ArgumentMatcher {
	return anyErrorMatcher{}
}

func (anyErrorMatcher) Matches(actual any) bool {
	err, ok := actual.(error)
	return ok && err != nil
}
