package issuer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crossfed-io/crossfed/internal/clock"
	"github.com/crossfed-io/crossfed/internal/service"
)

// StubIssuerConfig configures a stub issuer.
type StubIssuerConfig struct {
	// IssuerURL becomes the iss value baked into issued tokens.
	IssuerURL string

	// TTL is the lifetime of issued session credentials.
	TTL time.Duration

	// SessionContextMappers build the session context claims.
	SessionContextMappers []service.ClaimMapper

	// RequestContextMappers build the request context claims.
	RequestContextMappers []service.ClaimMapper

	// Clock is the time source for token timestamps.
	// Nil means the system clock.
	Clock clock.Clock
}

// StubIssuer produces plain-text session credentials without JWT signing.
// It exists so server and exchange tests can assert on token contents
// without a key manager in the loop.
type StubIssuer struct {
	issuerURL             string
	ttl                   time.Duration
	sessionContextMappers []service.ClaimMapper
	requestContextMappers []service.ClaimMapper
	clock                 clock.Clock
}

// NewStubIssuer creates a stub issuer from cfg.
func NewStubIssuer(cfg StubIssuerConfig) *StubIssuer {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}

	return &StubIssuer{
		issuerURL:             cfg.IssuerURL,
		ttl:                   cfg.TTL,
		sessionContextMappers: cfg.SessionContextMappers,
		requestContextMappers: cfg.RequestContextMappers,
		clock:                 clk,
	}
}

// Issue implements the Issuer interface.
func (i *StubIssuer) Issue(ctx context.Context, issueCtx *service.IssueContext) (*service.Token, error) {
	// The stub discards the session context claims, but still runs the
	// mappers so their errors surface the same way the JWT issuer's do.
	_, err := issueCtx.ToClaims(ctx, i.sessionContextMappers)
	if err != nil {
		return nil, fmt.Errorf("failed to map session context: %w", err)
	}

	requestContext, err := issueCtx.ToClaims(ctx, i.requestContextMappers)
	if err != nil {
		return nil, fmt.Errorf("failed to map request context: %w", err)
	}

	now := i.clock.Now()
	expiresAt := now.Add(i.ttl)

	subject := issueCtx.Subject.Subject

	// Role scoping shows up in the token so exchange tests can assert it
	role := "none"
	sessionID := fmt.Sprintf("session-%d", now.UnixNano()/1000)
	if issueCtx.Session != nil {
		role = issueCtx.Session.Role
		sessionID = issueCtx.Session.SessionID
	}

	// Request context goes in as JSON so claims filtering is observable
	requestContextJSON, err := json.Marshal(requestContext)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request context: %w", err)
	}

	// Format: stub-session-token.{subject}.{role}.{sessionID}.{requestContextJSON}
	tokenValue := fmt.Sprintf("stub-session-token.%s.%s.%s.%s", subject, role, sessionID, string(requestContextJSON))

	return &service.Token{
		Value:     tokenValue,
		Type:      string(service.TokenTypeAccessToken),
		ExpiresAt: expiresAt,
		IssuedAt:  now,
	}, nil
}

// PublicKeys implements the Issuer interface. Stub tokens are unsigned,
// so there is never anything to publish.
func (i *StubIssuer) PublicKeys(ctx context.Context) ([]service.PublicKey, error) {
	return []service.PublicKey{}, nil
}
