package issuer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crossfed-io/crossfed/internal/clock"
	"github.com/crossfed-io/crossfed/internal/service"
)

// HeaderIdentityIssuerConfig is the configuration for creating a header identity issuer
type HeaderIdentityIssuerConfig struct {
	// TokenType is the token type to issue
	TokenType string

	// ClaimMappers are the mappers to apply to generate the identity document
	ClaimMappers []service.ClaimMapper

	// Clock is the time source for token timestamps
	// If nil, uses system clock
	Clock clock.Clock
}

// HeaderIdentityIssuer issues unsigned identity documents for injection as
// proxy headers behind the authorization boundary: base64(JSON({"identity":
// {...}})). Services behind the proxy trust the header because the proxy
// strips any client-supplied copy before the authorization check.
type HeaderIdentityIssuer struct {
	tokenType    string
	claimMappers []service.ClaimMapper
	clock        clock.Clock
}

// NewHeaderIdentityIssuer creates a new header identity issuer
func NewHeaderIdentityIssuer(cfg HeaderIdentityIssuerConfig) *HeaderIdentityIssuer {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}

	return &HeaderIdentityIssuer{
		tokenType:    cfg.TokenType,
		claimMappers: cfg.ClaimMappers,
		clock:        clk,
	}
}

// Issue implements the Issuer interface.
// Returns base64(JSON({"identity": {...}})) built from the claim mappers,
// annotated with the role session when one is present.
func (i *HeaderIdentityIssuer) Issue(ctx context.Context, issueCtx *service.IssueContext) (*service.Token, error) {
	mappedClaims, err := issueCtx.ToClaims(ctx, i.claimMappers)
	if err != nil {
		return nil, fmt.Errorf("failed to map claims: %w", err)
	}

	if issueCtx.Session != nil {
		mappedClaims["role"] = issueCtx.Session.Role
		mappedClaims["session_id"] = issueCtx.Session.SessionID
	}

	identityWrapper := map[string]any{
		"identity": mappedClaims,
	}

	identityJSON, err := json.Marshal(identityWrapper)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity document: %w", err)
	}

	encodedToken := base64.StdEncoding.EncodeToString(identityJSON)

	now := i.clock.Now()
	ttl := 1 * time.Hour
	if issueCtx.Session != nil {
		ttl = issueCtx.Session.Duration
	}
	expiresAt := now.Add(ttl)

	return &service.Token{
		Value:     encodedToken,
		Type:      i.tokenType,
		ExpiresAt: expiresAt,
		IssuedAt:  now,
	}, nil
}

// PublicKeys implements the Issuer interface
// Header identity issuer returns an empty slice since documents are not signed
func (i *HeaderIdentityIssuer) PublicKeys(ctx context.Context) ([]service.PublicKey, error) {
	return []service.PublicKey{}, nil
}
