package service

import (
	"context"

	"github.com/crossfed-io/crossfed/internal/request"
	"github.com/crossfed-io/crossfed/internal/trust"
)

// TokenServiceObserver creates request-scoped observability probes for token
// issuance. One probe is created per issuance request.
//
// The shape follows domain-oriented observability
// (https://martinfowler.com/articles/domain-oriented-observability.html#IncludingExecutionContext):
// the observer captures execution context up front, so probe methods need no
// context argument.
type TokenServiceObserver interface {
	// TokenIssuanceStarted creates a new request-scoped probe for token issuance.
	// Returns an instrumented context (e.g., with trace span) and a probe scoped to this request.
	TokenIssuanceStarted(ctx context.Context, subject *trust.Result, actor *trust.Result, scope string, tokenTypes []TokenType) (context.Context, TokenIssuanceProbe)
}

// TokenIssuanceProbe observes a single token issuance operation. It is
// created by TokenServiceObserver.TokenIssuanceStarted, fed events through
// the TokenTypeIssuance* methods, and closed with End, usually deferred.
type TokenIssuanceProbe interface {
	// TokenTypeIssuanceStarted marks the start of issuance for one token type.
	TokenTypeIssuanceStarted(tokenType TokenType)

	// TokenTypeIssuanceSucceeded records a successfully issued token.
	TokenTypeIssuanceSucceeded(tokenType TokenType, token *Token)

	// TokenTypeIssuanceFailed records an issuance failure for one token type.
	TokenTypeIssuanceFailed(tokenType TokenType, err error)

	// IssuerNotFound records that no issuer is registered for a requested type.
	IssuerNotFound(tokenType TokenType, err error)

	// End closes the observation. The probe derives success or failure from
	// the methods called before End.
	End()
}

// TokenExchangeObserver creates request-scoped probes for token exchange
// operations, in the same shape as TokenServiceObserver.
type TokenExchangeObserver interface {
	// TokenExchangeStarted returns an instrumented context and a probe
	// scoped to one exchange request.
	TokenExchangeStarted(ctx context.Context, grantType string, requestedTokenType string, audience string, scope string) (context.Context, TokenExchangeProbe)
}

// TokenExchangeProbe observes a single token exchange operation.
type TokenExchangeProbe interface {
	// ActorValidationSucceeded records a validated actor credential.
	ActorValidationSucceeded(actor *trust.Result)

	// ActorValidationFailed records an actor credential rejection.
	ActorValidationFailed(err error)

	// RequestContextParsed records a parsed and filtered request_context.
	RequestContextParsed(attrs *request.RequestAttributes)

	// RequestContextParseFailed records a request_context parse failure.
	RequestContextParseFailed(err error)

	// SubjectTokenValidationSucceeded records a validated subject token.
	SubjectTokenValidationSucceeded(subject *trust.Result)

	// SubjectTokenValidationFailed records a subject token rejection.
	SubjectTokenValidationFailed(err error)

	// RoleResolved records that the requested role exists and its trust
	// policy permits the validated subject.
	RoleResolved(roleName string, session *RoleSession)

	// RoleResolutionFailed records a missing role or a trust policy
	// rejection of the subject.
	RoleResolutionFailed(roleName string, err error)

	// End closes the observation, usually deferred.
	End()
}

// AuthzCheckObserver creates request-scoped probes for authorization checks,
// in the same shape as TokenServiceObserver.
type AuthzCheckObserver interface {
	// AuthzCheckStarted returns an instrumented context and a probe scoped
	// to one authorization check.
	AuthzCheckStarted(ctx context.Context) (context.Context, AuthzCheckProbe)
}

// AuthzCheckProbe observes a single authorization check.
type AuthzCheckProbe interface {
	// RequestAttributesParsed records the attributes built from the
	// incoming request.
	RequestAttributesParsed(attrs *request.RequestAttributes)

	// ActorValidationSucceeded records a validated actor credential.
	ActorValidationSucceeded(actor *trust.Result)

	// ActorValidationFailed records an actor credential rejection.
	ActorValidationFailed(err error)

	// SubjectCredentialExtracted records the extracted subject credential
	// and which headers supplied it.
	SubjectCredentialExtracted(cred trust.Credential, headersUsed []string)

	// SubjectCredentialExtractionFailed records a failed extraction.
	SubjectCredentialExtractionFailed(err error)

	// SubjectValidationSucceeded records a validated subject credential.
	SubjectValidationSucceeded(subject *trust.Result)

	// SubjectValidationFailed records a subject credential rejection.
	SubjectValidationFailed(err error)

	// PermissionEvaluated records the outcome of evaluating the session
	// credential's permission statements against the request.
	PermissionEvaluated(decision string, action string, resource string)

	// End closes the observation, usually deferred.
	End()
}

// ApplicationObserver bundles all observability concerns into one interface
// so a single concrete type can serve logging, metrics, or tracing.
// Implementations can embed the NoOp* types for methods they ignore.
type ApplicationObserver interface {
	TokenServiceObserver
	TokenExchangeObserver
	AuthzCheckObserver
}

// compositeObserver fans out to multiple observers in order, which is how
// logging and metrics observers run side by side.
type compositeObserver struct {
	observers []ApplicationObserver
}

// NewCompositeObserver creates an observer that delegates to every given
// observer, in the order provided.
func NewCompositeObserver(observers ...ApplicationObserver) ApplicationObserver {
	return &compositeObserver{observers: observers}
}

func (c *compositeObserver) TokenIssuanceStarted(
	ctx context.Context,
	subject *trust.Result,
	actor *trust.Result,
	scope string,
	tokenTypes []TokenType,
) (context.Context, TokenIssuanceProbe) {
	probes := make([]TokenIssuanceProbe, len(c.observers))
	for i, obs := range c.observers {
		ctx, probes[i] = obs.TokenIssuanceStarted(ctx, subject, actor, scope, tokenTypes)
	}
	return ctx, &compositeTokenIssuanceProbe{probes: probes}
}

func (c *compositeObserver) TokenExchangeStarted(
	ctx context.Context,
	grantType string,
	requestedTokenType string,
	audience string,
	scope string,
) (context.Context, TokenExchangeProbe) {
	probes := make([]TokenExchangeProbe, len(c.observers))
	for i, obs := range c.observers {
		ctx, probes[i] = obs.TokenExchangeStarted(ctx, grantType, requestedTokenType, audience, scope)
	}
	return ctx, &compositeTokenExchangeProbe{probes: probes}
}

func (c *compositeObserver) AuthzCheckStarted(
	ctx context.Context,
) (context.Context, AuthzCheckProbe) {
	probes := make([]AuthzCheckProbe, len(c.observers))
	for i, obs := range c.observers {
		ctx, probes[i] = obs.AuthzCheckStarted(ctx)
	}
	return ctx, &compositeAuthzCheckProbe{probes: probes}
}

// compositeTokenIssuanceProbe fans out to the per-observer issuance probes.
type compositeTokenIssuanceProbe struct {
	probes []TokenIssuanceProbe
}

func (c *compositeTokenIssuanceProbe) TokenTypeIssuanceStarted(tokenType TokenType) {
	for _, probe := range c.probes {
		probe.TokenTypeIssuanceStarted(tokenType)
	}
}

func (c *compositeTokenIssuanceProbe) TokenTypeIssuanceSucceeded(tokenType TokenType, token *Token) {
	for _, probe := range c.probes {
		probe.TokenTypeIssuanceSucceeded(tokenType, token)
	}
}

func (c *compositeTokenIssuanceProbe) TokenTypeIssuanceFailed(tokenType TokenType, err error) {
	for _, probe := range c.probes {
		probe.TokenTypeIssuanceFailed(tokenType, err)
	}
}

func (c *compositeTokenIssuanceProbe) IssuerNotFound(tokenType TokenType, err error) {
	for _, probe := range c.probes {
		probe.IssuerNotFound(tokenType, err)
	}
}

func (c *compositeTokenIssuanceProbe) End() {
	for _, probe := range c.probes {
		probe.End()
	}
}

// compositeTokenExchangeProbe fans out to the per-observer exchange probes.
type compositeTokenExchangeProbe struct {
	probes []TokenExchangeProbe
}

func (c *compositeTokenExchangeProbe) ActorValidationSucceeded(actor *trust.Result) {
	for _, probe := range c.probes {
		probe.ActorValidationSucceeded(actor)
	}
}

func (c *compositeTokenExchangeProbe) ActorValidationFailed(err error) {
	for _, probe := range c.probes {
		probe.ActorValidationFailed(err)
	}
}

func (c *compositeTokenExchangeProbe) RequestContextParsed(attrs *request.RequestAttributes) {
	for _, probe := range c.probes {
		probe.RequestContextParsed(attrs)
	}
}

func (c *compositeTokenExchangeProbe) RequestContextParseFailed(err error) {
	for _, probe := range c.probes {
		probe.RequestContextParseFailed(err)
	}
}

func (c *compositeTokenExchangeProbe) SubjectTokenValidationSucceeded(subject *trust.Result) {
	for _, probe := range c.probes {
		probe.SubjectTokenValidationSucceeded(subject)
	}
}

func (c *compositeTokenExchangeProbe) SubjectTokenValidationFailed(err error) {
	for _, probe := range c.probes {
		probe.SubjectTokenValidationFailed(err)
	}
}

func (c *compositeTokenExchangeProbe) RoleResolved(roleName string, session *RoleSession) {
	for _, probe := range c.probes {
		probe.RoleResolved(roleName, session)
	}
}

func (c *compositeTokenExchangeProbe) RoleResolutionFailed(roleName string, err error) {
	for _, probe := range c.probes {
		probe.RoleResolutionFailed(roleName, err)
	}
}

func (c *compositeTokenExchangeProbe) End() {
	for _, probe := range c.probes {
		probe.End()
	}
}

// compositeAuthzCheckProbe fans out to the per-observer authz probes.
type compositeAuthzCheckProbe struct {
	probes []AuthzCheckProbe
}

func (c *compositeAuthzCheckProbe) RequestAttributesParsed(attrs *request.RequestAttributes) {
	for _, probe := range c.probes {
		probe.RequestAttributesParsed(attrs)
	}
}

func (c *compositeAuthzCheckProbe) ActorValidationSucceeded(actor *trust.Result) {
	for _, probe := range c.probes {
		probe.ActorValidationSucceeded(actor)
	}
}

func (c *compositeAuthzCheckProbe) ActorValidationFailed(err error) {
	for _, probe := range c.probes {
		probe.ActorValidationFailed(err)
	}
}

func (c *compositeAuthzCheckProbe) SubjectCredentialExtracted(cred trust.Credential, headersUsed []string) {
	for _, probe := range c.probes {
		probe.SubjectCredentialExtracted(cred, headersUsed)
	}
}

func (c *compositeAuthzCheckProbe) SubjectCredentialExtractionFailed(err error) {
	for _, probe := range c.probes {
		probe.SubjectCredentialExtractionFailed(err)
	}
}

func (c *compositeAuthzCheckProbe) SubjectValidationSucceeded(subject *trust.Result) {
	for _, probe := range c.probes {
		probe.SubjectValidationSucceeded(subject)
	}
}

func (c *compositeAuthzCheckProbe) SubjectValidationFailed(err error) {
	for _, probe := range c.probes {
		probe.SubjectValidationFailed(err)
	}
}

func (c *compositeAuthzCheckProbe) PermissionEvaluated(decision string, action string, resource string) {
	for _, probe := range c.probes {
		probe.PermissionEvaluated(decision, action, resource)
	}
}

func (c *compositeAuthzCheckProbe) End() {
	for _, probe := range c.probes {
		probe.End()
	}
}

// NoOpTokenIssuanceProbe is a null TokenIssuanceProbe. Embedding it keeps
// implementations compiling when the interface grows new methods.
type NoOpTokenIssuanceProbe struct{}

func (n *NoOpTokenIssuanceProbe) TokenTypeIssuanceStarted(tokenType TokenType)                 {}
func (n *NoOpTokenIssuanceProbe) TokenTypeIssuanceSucceeded(tokenType TokenType, token *Token) {}
func (n *NoOpTokenIssuanceProbe) TokenTypeIssuanceFailed(tokenType TokenType, err error)       {}
func (n *NoOpTokenIssuanceProbe) IssuerNotFound(tokenType TokenType, err error)                {}
func (n *NoOpTokenIssuanceProbe) End()                                                         {}

// NoOpTokenExchangeProbe is a null TokenExchangeProbe for embedding.
type NoOpTokenExchangeProbe struct{}

func (n *NoOpTokenExchangeProbe) ActorValidationSucceeded(actor *trust.Result)          {}
func (n *NoOpTokenExchangeProbe) ActorValidationFailed(err error)                       {}
func (n *NoOpTokenExchangeProbe) RequestContextParsed(attrs *request.RequestAttributes) {}
func (n *NoOpTokenExchangeProbe) RequestContextParseFailed(err error)                   {}
func (n *NoOpTokenExchangeProbe) SubjectTokenValidationSucceeded(subject *trust.Result) {}
func (n *NoOpTokenExchangeProbe) SubjectTokenValidationFailed(err error)                {}
func (n *NoOpTokenExchangeProbe) RoleResolved(roleName string, session *RoleSession)    {}
func (n *NoOpTokenExchangeProbe) RoleResolutionFailed(roleName string, err error)       {}
func (n *NoOpTokenExchangeProbe) End()                                                  {}

// NoOpAuthzCheckProbe is a null AuthzCheckProbe for embedding.
type NoOpAuthzCheckProbe struct{}

func (n *NoOpAuthzCheckProbe) RequestAttributesParsed(attrs *request.RequestAttributes) {}
func (n *NoOpAuthzCheckProbe) ActorValidationSucceeded(actor *trust.Result)             {}
func (n *NoOpAuthzCheckProbe) ActorValidationFailed(err error)                          {}
func (n *NoOpAuthzCheckProbe) SubjectCredentialExtracted(cred trust.Credential, headersUsed []string) {
}
func (n *NoOpAuthzCheckProbe) SubjectCredentialExtractionFailed(err error)           {}
func (n *NoOpAuthzCheckProbe) SubjectValidationSucceeded(subject *trust.Result)      {}
func (n *NoOpAuthzCheckProbe) SubjectValidationFailed(err error)                     {}
func (n *NoOpAuthzCheckProbe) PermissionEvaluated(decision, action, resource string) {}
func (n *NoOpAuthzCheckProbe) End()                                                  {}

// NoOpApplicationObserver is the do-nothing ApplicationObserver, the default
// when no observability is wired up.
type NoOpApplicationObserver struct{}

// NoOpTokenServiceObserver returns an observer that does nothing.
func NoOpTokenServiceObserver() TokenServiceObserver {
	return &NoOpApplicationObserver{}
}

// NoOpTokenExchangeObserver returns an observer that does nothing.
func NoOpTokenExchangeObserver() TokenExchangeObserver {
	return &NoOpApplicationObserver{}
}

// NoOpAuthzCheckObserver returns an observer that does nothing.
func NoOpAuthzCheckObserver() AuthzCheckObserver {
	return &NoOpApplicationObserver{}
}

// NoOpObserver returns an application observer that does nothing.
func NoOpObserver() ApplicationObserver {
	return &NoOpApplicationObserver{}
}

func (n *NoOpApplicationObserver) TokenIssuanceStarted(ctx context.Context, subject *trust.Result, actor *trust.Result, scope string, tokenTypes []TokenType) (context.Context, TokenIssuanceProbe) {
	return ctx, &NoOpTokenIssuanceProbe{}
}

func (n *NoOpApplicationObserver) TokenExchangeStarted(ctx context.Context, grantType string, requestedTokenType string, audience string, scope string) (context.Context, TokenExchangeProbe) {
	return ctx, &NoOpTokenExchangeProbe{}
}

func (n *NoOpApplicationObserver) AuthzCheckStarted(ctx context.Context) (context.Context, AuthzCheckProbe) {
	return ctx, &NoOpAuthzCheckProbe{}
}
