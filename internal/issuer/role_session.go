package issuer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/crossfed-io/crossfed/internal/clock"
	"github.com/crossfed-io/crossfed/internal/keys"
	"github.com/crossfed-io/crossfed/internal/service"
)

// RoleSessionIssuerConfig is the configuration for creating a role session issuer
type RoleSessionIssuerConfig struct {
	// IssuerURL is the issuer URL (iss claim)
	IssuerURL string

	// MaxTTL caps session credential lifetime regardless of what the role
	// session asks for
	MaxTTL time.Duration

	// Signer handles key rotation and signing (also provides the signing algorithm)
	Signer keys.RotatingSigner

	// SessionContextMappers build the "tctx" claim
	SessionContextMappers []service.ClaimMapper

	// RequestContextMappers build the "req_ctx" claim
	RequestContextMappers []service.ClaimMapper

	// Clock is an optional clock for testing (defaults to system clock)
	Clock clock.Clock
}

// RoleSessionIssuer issues signed role session credentials: short-lived JWTs
// whose subject names the assumed role session and whose perm claim carries
// the permission statements granted by the role's policies.
type RoleSessionIssuer struct {
	issuerURL             string
	maxTTL                time.Duration
	signer                keys.RotatingSigner
	sessionContextMappers []service.ClaimMapper
	requestContextMappers []service.ClaimMapper
	clock                 clock.Clock
}

// NewRoleSessionIssuer creates a new role session issuer
func NewRoleSessionIssuer(cfg RoleSessionIssuerConfig) *RoleSessionIssuer {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}

	maxTTL := cfg.MaxTTL
	if maxTTL == 0 {
		maxTTL = 1 * time.Hour
	}

	return &RoleSessionIssuer{
		issuerURL:             cfg.IssuerURL,
		maxTTL:                maxTTL,
		signer:                cfg.Signer,
		sessionContextMappers: cfg.SessionContextMappers,
		requestContextMappers: cfg.RequestContextMappers,
		clock:                 clk,
	}
}

// Issue implements the Issuer interface.
// Requires issueCtx.Session; the credential's lifetime is the session
// duration capped at the issuer's MaxTTL.
func (i *RoleSessionIssuer) Issue(ctx context.Context, issueCtx *service.IssueContext) (*service.Token, error) {
	session := issueCtx.Session
	if session == nil {
		return nil, fmt.Errorf("role session issuer requires a role session")
	}

	// Apply session context mappers
	sessionContext, err := issueCtx.ToClaims(ctx, i.sessionContextMappers)
	if err != nil {
		return nil, fmt.Errorf("failed to map session context: %w", err)
	}

	// Apply request context mappers
	requestContext, err := issueCtx.ToClaims(ctx, i.requestContextMappers)
	if err != nil {
		return nil, fmt.Errorf("failed to map request context: %w", err)
	}

	now := i.clock.Now()
	ttl := session.Duration
	if ttl <= 0 || ttl > i.maxTTL {
		ttl = i.maxTTL
	}
	expiresAt := now.Add(ttl)

	token := jwt.New()

	// Standard JWT claims. The subject names the role session, not the
	// federated identity; the original subject lives in tctx.
	if err := token.Set(jwt.IssuerKey, i.issuerURL); err != nil {
		return nil, fmt.Errorf("failed to set issuer: %w", err)
	}
	if err := token.Set(jwt.SubjectKey, session.SessionSubject()); err != nil {
		return nil, fmt.Errorf("failed to set subject: %w", err)
	}
	if err := token.Set(jwt.AudienceKey, []string{issueCtx.Audience}); err != nil {
		return nil, fmt.Errorf("failed to set audience: %w", err)
	}
	if err := token.Set(jwt.IssuedAtKey, now.Unix()); err != nil {
		return nil, fmt.Errorf("failed to set issued at: %w", err)
	}
	if err := token.Set(jwt.ExpirationKey, expiresAt.Unix()); err != nil {
		return nil, fmt.Errorf("failed to set expiration: %w", err)
	}
	if err := token.Set(jwt.NotBeforeKey, now.Unix()); err != nil {
		return nil, fmt.Errorf("failed to set not before: %w", err)
	}
	if err := token.Set(jwt.JwtIDKey, uuid.NewString()); err != nil {
		return nil, fmt.Errorf("failed to set JWT ID: %w", err)
	}

	// Role session claims
	if err := token.Set("role", session.Role); err != nil {
		return nil, fmt.Errorf("failed to set role: %w", err)
	}
	if len(session.Permissions) > 0 {
		if err := token.Set("perm", session.Permissions); err != nil {
			return nil, fmt.Errorf("failed to set permissions: %w", err)
		}
	}
	if err := token.Set("txn", session.SessionID); err != nil {
		return nil, fmt.Errorf("failed to set transaction ID: %w", err)
	}

	// Session context (tctx) - who assumed the role and under what claims
	if issueCtx.Subject != nil {
		sessionContext["federated_subject"] = issueCtx.Subject.Subject
		sessionContext["federated_issuer"] = issueCtx.Subject.Issuer
	}
	if len(sessionContext) > 0 {
		if err := token.Set("tctx", sessionContext); err != nil {
			return nil, fmt.Errorf("failed to set session context: %w", err)
		}
	}

	// Request context (req_ctx) - information about the request being authorized
	if len(requestContext) > 0 {
		if err := token.Set("req_ctx", requestContext); err != nil {
			return nil, fmt.Errorf("failed to set request context: %w", err)
		}
	}

	if issueCtx.Scope != "" {
		if err := token.Set("scope", issueCtx.Scope); err != nil {
			return nil, fmt.Errorf("failed to set scope: %w", err)
		}
	}

	// Get the current signer, key ID, and algorithm from the signer
	signer, keyID, algorithm, err := i.signer.GetCurrentSigner(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get current signer: %w", err)
	}
	signAlg, ok := jwa.LookupSignatureAlgorithm(string(algorithm))
	if !ok {
		return nil, fmt.Errorf("unsupported signature algorithm: %s", algorithm)
	}

	// Build JWS headers with the key ID
	headers := jws.NewHeaders()
	if err := headers.Set(jws.KeyIDKey, string(keyID)); err != nil {
		return nil, fmt.Errorf("failed to set key ID header: %w", err)
	}

	signedToken, err := jwt.Sign(token,
		jwt.WithKey(signAlg, signer, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &service.Token{
		Value:     string(signedToken),
		Type:      string(service.TokenTypeAccessToken),
		ExpiresAt: expiresAt,
		IssuedAt:  now,
	}, nil
}

// PublicKeys implements the Issuer interface
// Returns all non-expired public keys from the rotating signer
func (i *RoleSessionIssuer) PublicKeys(ctx context.Context) ([]service.PublicKey, error) {
	return i.signer.PublicKeys(ctx)
}
