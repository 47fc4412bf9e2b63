package service

import (
	"context"
	"errors"
	"fmt"
)

// TokenType identifies a token format by its RFC 8693 URN.
type TokenType string

const (
	// TokenTypeAccessToken is the default issued type: a signed role
	// session credential presented as a bearer access token.
	TokenTypeAccessToken TokenType = "urn:ietf:params:oauth:token-type:access_token"

	// TokenTypeJWT identifies a bare JWT subject token.
	TokenTypeJWT TokenType = "urn:ietf:params:oauth:token-type:jwt"

	// TokenTypeIDToken identifies an OIDC identity token, the usual
	// subject token type presented by workloads.
	TokenTypeIDToken TokenType = "urn:ietf:params:oauth:token-type:id_token"
)

// Registry resolves the issuer responsible for a token type.
type Registry interface {
	// GetIssuer returns the issuer for the given token type.
	GetIssuer(tokenType TokenType) (Issuer, error)

	// GetAllPublicKeys returns the verification keys of every registered
	// issuer. Partial results may be returned alongside an error when some
	// issuers fail.
	GetAllPublicKeys(ctx context.Context) ([]PublicKey, error)
}

// SimpleRegistry is a map-backed Registry populated at configuration time.
type SimpleRegistry struct {
	issuers map[TokenType]Issuer
}

// NewSimpleRegistry creates an empty registry.
func NewSimpleRegistry() *SimpleRegistry {
	return &SimpleRegistry{
		issuers: make(map[TokenType]Issuer),
	}
}

// Register adds an issuer for a token type, replacing any existing one.
func (r *SimpleRegistry) Register(tokenType TokenType, issuer Issuer) {
	r.issuers[tokenType] = issuer
}

// GetIssuer implements Registry.
func (r *SimpleRegistry) GetIssuer(tokenType TokenType) (Issuer, error) {
	issuer, ok := r.issuers[tokenType]
	if !ok {
		return nil, fmt.Errorf("no issuer registered for token type %s", tokenType)
	}
	return issuer, nil
}

// GetAllPublicKeys implements Registry. Keys from issuers that fail are
// skipped; their errors are joined and returned alongside the keys that
// could be collected.
func (r *SimpleRegistry) GetAllPublicKeys(ctx context.Context) ([]PublicKey, error) {
	var keys []PublicKey
	var errs []error
	for tokenType, issuer := range r.issuers {
		pks, err := issuer.PublicKeys(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("issuer for %s: %w", tokenType, err))
			continue
		}
		keys = append(keys, pks...)
	}
	return keys, errors.Join(errs...)
}

// TokenTypes returns all registered token types.
func (r *SimpleRegistry) TokenTypes() []TokenType {
	types := make([]TokenType, 0, len(r.issuers))
	for t := range r.issuers {
		types = append(types, t)
	}
	return types
}
