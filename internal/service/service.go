package service

import (
	"context"
	"fmt"

	"github.com/crossfed-io/crossfed/internal/request"
	"github.com/crossfed-io/crossfed/internal/trust"
)

// TokenService turns a validated exchange request into issued credentials.
// It owns the fan-out over requested token types; the per-type work lives in
// the registered issuers.
type TokenService struct {
	trustDomain    string
	dataSources    *DataSourceRegistry
	issuerRegistry Registry
	observer       TokenServiceObserver
}

// NewTokenService creates a token service. A nil observer is replaced with a
// no-op one so callers never nil-check.
func NewTokenService(
	trustDomain string,
	dataSources *DataSourceRegistry,
	issuerRegistry Registry,
	observer TokenServiceObserver,
) *TokenService {
	if observer == nil {
		observer = NoOpTokenServiceObserver()
	}
	return &TokenService{
		trustDomain:    trustDomain,
		dataSources:    dataSources,
		issuerRegistry: issuerRegistry,
		observer:       observer,
	}
}

// TrustDomain returns the trust domain, which doubles as the audience of
// every issued token.
func (ts *TokenService) TrustDomain() string {
	return ts.trustDomain
}

// IssueRequest carries the inputs for one issuance.
type IssueRequest struct {
	// Subject is the validated identity the tokens are issued for.
	Subject *trust.Result

	// Actor is the validated identity of the requesting party when it
	// differs from the subject, e.g. a proxy authenticated over mTLS. Nil
	// when no actor credential was presented.
	Actor *trust.Result

	// RequestAttributes describes the transport context of the request.
	RequestAttributes *request.RequestAttributes

	// TokenTypes lists the credential types to issue.
	TokenTypes []TokenType

	// Scope for the issued tokens.
	Scope string

	// Session is the granted role session the tokens are bound to. Nil for
	// token types that are not role session credentials.
	Session *RoleSession
}

// IssueTokens issues one token per requested type, failing the whole request
// on the first issuer error.
func (ts *TokenService) IssueTokens(ctx context.Context, req *IssueRequest) (map[TokenType]*Token, error) {
	ctx, probe := ts.observer.TokenIssuanceStarted(ctx, req.Subject, req.Actor, req.Scope, req.TokenTypes)
	defer probe.End()

	issueCtx := &IssueContext{
		Subject:            req.Subject,
		Actor:              req.Actor,
		RequestAttributes:  req.RequestAttributes,
		Audience:           ts.trustDomain,
		Scope:              req.Scope,
		Session:            req.Session,
		DataSourceRegistry: ts.dataSources,
	}

	tokens := make(map[TokenType]*Token)
	for _, tokenType := range req.TokenTypes {
		probe.TokenTypeIssuanceStarted(tokenType)

		iss, err := ts.issuerRegistry.GetIssuer(tokenType)
		if err != nil {
			probe.IssuerNotFound(tokenType, err)
			return nil, fmt.Errorf("no issuer for token type %s: %w", tokenType, err)
		}

		token, err := iss.Issue(ctx, issueCtx)
		if err != nil {
			probe.TokenTypeIssuanceFailed(tokenType, err)
			return nil, fmt.Errorf("failed to issue %s: %w", tokenType, err)
		}

		probe.TokenTypeIssuanceSucceeded(tokenType, token)
		tokens[tokenType] = token
	}

	return tokens, nil
}
