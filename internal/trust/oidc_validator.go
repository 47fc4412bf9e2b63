package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/crossfed-io/crossfed/internal/claims"
	"github.com/crossfed-io/crossfed/internal/clock"
	"github.com/crossfed-io/crossfed/internal/provider"
)

// OIDCValidator validates identity tokens issued by one registered identity
// provider. It enforces the exchange protocol checks in order: issuer match,
// signature against the provider's published JWKS, audience against the
// provider's client IDs, and expiry. The provider's thumbprint list pins the
// TLS connection used to bootstrap the JWKS fetch.
type OIDCValidator struct {
	record      *provider.Record
	jwksURL     string
	cache       *jwk.Cache
	trustDomain string
	clock       clock.Clock
}

// OIDCValidatorConfig contains configuration for token validation
type OIDCValidatorConfig struct {
	// Record is the identity provider record this validator enforces
	Record *provider.Record

	// TrustDomain is the trust domain validated subjects are placed in
	TrustDomain string

	// RefreshInterval for JWKS cache (default: 15 minutes)
	RefreshInterval time.Duration

	// HTTPClient is an optional HTTP client for JWKS fetching.
	// If nil, a thumbprint-pinned client is built from the record when it
	// carries thumbprints, otherwise http.DefaultClient is used.
	// This is useful for testing with fixtures or custom transports.
	HTTPClient *http.Client

	// Clock is the time source for token validation
	// If nil, uses system clock
	Clock clock.Clock
}

// NewOIDCValidator creates a validator for one identity provider record.
func NewOIDCValidator(cfg OIDCValidatorConfig) (*OIDCValidator, error) {
	if cfg.Record == nil {
		return nil, fmt.Errorf("provider record is required")
	}
	if err := cfg.Record.Validate(); err != nil {
		return nil, err
	}

	jwksURL := cfg.Record.JWKSURL
	if jwksURL == "" {
		// Default: standard OIDC discovery location
		jwksURL = cfg.Record.IssuerURL + "/.well-known/jwks.json"
	}

	refreshInterval := cfg.RefreshInterval
	if refreshInterval == 0 {
		refreshInterval = 15 * time.Minute
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Bootstrap anchor: pin the JWKS fetch to the record's thumbprints
		httpClient = provider.NewPinnedHTTPClient(cfg.Record)
	}

	// Create JWKS cache with auto-refresh
	cache, err := jwk.NewCache(context.Background(), httprc.NewClient())
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	registerOpts := []jwk.RegisterOption{jwk.WithMinInterval(refreshInterval)}
	if httpClient != nil {
		registerOpts = append(registerOpts, jwk.WithHTTPClient(httpClient))
	}
	if err := cache.Register(context.Background(), jwksURL, registerOpts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	// Pre-fetch the JWKS so a bad thumbprint pin surfaces at configuration
	// time rather than on the first exchange
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS for provider %s: %w", cfg.Record.Name, err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}

	return &OIDCValidator{
		record:      cfg.Record,
		jwksURL:     jwksURL,
		cache:       cache,
		trustDomain: cfg.TrustDomain,
		clock:       clk,
	}, nil
}

// Record returns the identity provider record this validator enforces.
func (v *OIDCValidator) Record() *provider.Record {
	return v.record
}

// CredentialTypes returns the credential types this validator can handle.
// Bearer is included since workload identity tokens arrive as opaque bearer
// strings.
func (v *OIDCValidator) CredentialTypes() []CredentialType {
	return []CredentialType{CredentialTypeOIDC, CredentialTypeJWT, CredentialTypeBearer}
}

// Validate validates an identity token against the provider record.
func (v *OIDCValidator) Validate(ctx context.Context, credential Credential) (*Result, error) {
	var tokenString string
	switch cred := credential.(type) {
	case *OIDCCredential:
		tokenString = cred.Token
	case *JWTCredential:
		tokenString = cred.Token
	case *BearerCredential:
		tokenString = cred.Token
	default:
		return nil, fmt.Errorf("unsupported credential type for OIDC validator: %T", credential)
	}

	jwks, err := v.cache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}

	// Parse and verify the signature first, then apply the protocol checks
	// in order so each failure surfaces its own error
	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKeySet(jwks),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(func() time.Time {
			return v.clock.Now()
		})),
	)
	if err != nil {
		if errors.Is(err, jwt.TokenExpiredError()) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	// Issuer must match the record exactly (modulo a trailing slash)
	issuer, _ := token.Issuer()
	if strings.TrimSuffix(issuer, "/") != strings.TrimSuffix(v.record.IssuerURL, "/") {
		return nil, fmt.Errorf("%w: token issuer %q does not match provider %s", ErrUntrustedIssuer, issuer, v.record.Name)
	}

	// Audience must match one of the provider's registered client IDs
	audiences, _ := token.Audience()
	if !v.record.AcceptsAudience(audiences) {
		return nil, fmt.Errorf("%w: token audience %v not in provider %s client IDs", ErrAudienceMismatch, audiences, v.record.Name)
	}

	subject, ok := token.Subject()
	if !ok || subject == "" {
		return nil, fmt.Errorf("%w: missing subject claim", ErrInvalidToken)
	}

	// Extract all claims into our Claims type
	allClaims := map[string]any{}
	serialized, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize token claims: %w", err)
	}
	if err := json.Unmarshal(serialized, &allClaims); err != nil {
		return nil, fmt.Errorf("failed to parse token claims: %w", err)
	}

	claimsMap := make(claims.Claims)
	maps.Copy(claimsMap, allClaims)

	scope := ""
	if err := token.Get("scope", &scope); err != nil {
		scope = ""
	}

	expiresAt, _ := token.Expiration()
	issuedAt, _ := token.IssuedAt()

	return &Result{
		Subject:     subject,
		Issuer:      v.record.IssuerURL,
		TrustDomain: v.trustDomain,
		Claims:      claimsMap,
		ExpiresAt:   expiresAt,
		IssuedAt:    issuedAt,
		Audience:    audiences,
		Scope:       scope,
	}, nil
}
