package service

import (
	"context"
	"crypto"
	"time"

	"github.com/crossfed-io/crossfed/internal/claims"
	"github.com/crossfed-io/crossfed/internal/policy"
	"github.com/crossfed-io/crossfed/internal/request"
	"github.com/crossfed-io/crossfed/internal/trust"
)

// IssueContext carries everything an issuer needs to mint a token for one
// exchange: the attested identities, the request, and the granted session.
type IssueContext struct {
	// Subject identity, attested by a trust validator
	Subject *trust.Result

	// Actor identity when the exchange uses delegation, attested from the
	// actor credential (mTLS peer, gateway token)
	Actor *trust.Result

	// RequestAttributes describe the request being authorized
	RequestAttributes *request.RequestAttributes

	// Audience for the token (aud claim), typically the trust domain
	Audience string

	// Scope for the token (scope claim)
	Scope string

	// Session is the granted role session, set when the token being issued
	// is a role session credential
	Session *RoleSession

	// DataSourceRegistry lets claim mappers fetch external data lazily
	DataSourceRegistry *DataSourceRegistry
}

// ToClaims runs a mapper chain over the issue context and merges the
// results. Issuers share this instead of each rebuilding the mapper input.
func (ic *IssueContext) ToClaims(ctx context.Context, mappers []ClaimMapper) (claims.Claims, error) {
	dataSourceInput := &DataSourceInput{
		Subject:           ic.Subject,
		Actor:             ic.Actor,
		RequestAttributes: ic.RequestAttributes,
	}

	mapperInput := &MapperInput{
		Subject:            ic.Subject,
		Actor:              ic.Actor,
		RequestAttributes:  ic.RequestAttributes,
		DataSourceRegistry: ic.DataSourceRegistry,
		DataSourceInput:    dataSourceInput,
	}

	result := make(claims.Claims)
	for _, mapper := range mappers {
		mapperClaims, err := mapper.Map(ctx, mapperInput)
		if err != nil {
			return nil, err
		}
		result.Merge(mapperClaims)
	}

	return result, nil
}

// PublicKey is one verification key an issuer publishes.
type PublicKey struct {
	// KeyID is the unique identifier for this key (kid)
	KeyID string

	// Algorithm is the signing algorithm (e.g., "RS256", "ES256", "EdDSA")
	Algorithm string

	// Key is the actual public key material.
	// Typically: *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey
	Key crypto.PublicKey

	// Use indicates the intended use of the key (e.g., "sig" for signature)
	Use string
}

// Issuer mints tokens from an issue context. Claim mapping, signing, and
// token formatting are all the issuer's concern.
type Issuer interface {
	// Issue creates a token from the provided context.
	Issue(ctx context.Context, issueCtx *IssueContext) (*Token, error)

	// PublicKeys returns the verification keys for tokens this issuer
	// minted. Unsigned issuers return an empty slice. Keys may come from
	// memory, a JWKS URI, or a KMS.
	PublicKeys(ctx context.Context) ([]PublicKey, error)
}

// Token is an issued credential.
type Token struct {
	// Value is the encoded token (e.g., JWT string)
	Value string

	// Type is the token type URN
	// (e.g., "urn:ietf:params:oauth:token-type:access_token")
	Type string

	// ExpiresAt is when the token expires
	ExpiresAt time.Time

	// IssuedAt is when the token was issued
	IssuedAt time.Time
}

// SessionCredentialClaims documents the claim set of a role session
// credential. The txn, tctx, and req_ctx claims follow
// draft-ietf-oauth-transaction-tokens-06; role and perm scope the session.
type SessionCredentialClaims struct {
	// Standard JWT claims
	Issuer    string   `json:"iss"`
	Subject   string   `json:"sub"`
	Audience  []string `json:"aud"`
	ExpiresAt int64    `json:"exp"`
	NotBefore int64    `json:"nbf"`
	IssuedAt  int64    `json:"iat"`
	JWTID     string   `json:"jti"`

	// Role is the assumed role's name
	Role string `json:"role,omitempty"`

	// Permissions are the statements granted to the session
	Permissions []policy.Statement `json:"perm,omitempty"`

	// ExchangeID identifies the exchange that produced this credential
	ExchangeID string `json:"txn,omitempty"`

	// SessionContext records who assumed the role and under what claims,
	// produced by the session context mappers
	SessionContext claims.Claims `json:"tctx,omitempty"`

	// RequestContext describes the request being authorized
	RequestContext claims.Claims `json:"req_ctx,omitempty"`

	// Scope (OAuth2)
	Scope string `json:"scope,omitempty"`
}
