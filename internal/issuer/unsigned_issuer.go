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

var never = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// UnsignedIssuerConfig configures an unsigned issuer.
type UnsignedIssuerConfig struct {
	// TokenType is the issued_token_type reported for these tokens.
	TokenType string

	// ClaimMappers produce the claims embedded in the token.
	ClaimMappers []service.ClaimMapper

	// Clock provides token timestamps. Nil means system clock.
	Clock clock.Clock
}

// UnsignedIssuer issues unsigned tokens: base64-encoded JSON of the mapped
// claims. For development and hermetic tests where a consumer wants to
// inspect the session without verifying a signature. Never for production.
type UnsignedIssuer struct {
	tokenType    string
	claimMappers []service.ClaimMapper
	clock        clock.Clock
}

// NewUnsignedIssuer creates an unsigned issuer.
func NewUnsignedIssuer(cfg UnsignedIssuerConfig) *UnsignedIssuer {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}

	return &UnsignedIssuer{
		tokenType:    cfg.TokenType,
		claimMappers: cfg.ClaimMappers,
		clock:        clk,
	}
}

// Issue implements service.Issuer.
func (i *UnsignedIssuer) Issue(ctx context.Context, issueCtx *service.IssueContext) (*service.Token, error) {
	mappedClaims, err := issueCtx.ToClaims(ctx, i.claimMappers)
	if err != nil {
		return nil, fmt.Errorf("failed to map claims: %w", err)
	}

	claimsJSON, err := json.Marshal(mappedClaims)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal claims: %w", err)
	}

	encodedToken := base64.StdEncoding.EncodeToString(claimsJSON)

	// Unsigned tokens carry no exp claim, so report a far-future expiry.
	return &service.Token{
		Value:     encodedToken,
		Type:      i.tokenType,
		ExpiresAt: never,
		IssuedAt:  i.clock.Now(),
	}, nil
}

// PublicKeys implements service.Issuer. There is no key material to publish.
func (i *UnsignedIssuer) PublicKeys(ctx context.Context) ([]service.PublicKey, error) {
	return []service.PublicKey{}, nil
}
