package httpfixture

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/crossfed-io/crossfed/internal/clock"
)

// JWKSFixture plays the role of an external OIDC issuer in tests: it serves
// a JWKS document through the fixture transport and mints tokens signed with
// the matching private key.
type JWKSFixture struct {
	issuer     string
	jwksURL    string
	privateKey *rsa.PrivateKey
	publicKey  jwk.Key
	keyID      string
	algorithm  jwa.SignatureAlgorithm
	jwks       jwk.Set
	clock      clock.Clock
}

// JWKSFixtureConfig configures a JWKS fixture.
type JWKSFixtureConfig struct {
	// Issuer is the issuer URL, used for the iss claim.
	Issuer string

	// JWKSURL is the URL the JWKS document is served under.
	JWKSURL string

	// KeyID is the kid. Empty means "test-key-1".
	KeyID string

	// Algorithm is the signing algorithm. Zero value means RS256.
	Algorithm jwa.SignatureAlgorithm

	// Clock provides token timestamps. Nil means system clock.
	Clock clock.Clock
}

// NewJWKSFixture generates a fresh RSA key pair and builds the fixture
// around it.
func NewJWKSFixture(cfg JWKSFixtureConfig) (*JWKSFixture, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("jwks_url is required")
	}

	keyID := cfg.KeyID
	if keyID == "" {
		keyID = "test-key-1"
	}

	algorithm := cfg.Algorithm
	if algorithm == jwa.EmptySignatureAlgorithm() {
		algorithm = jwa.RS256()
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	publicKey, err := jwk.Import(privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWK: %w", err)
	}
	if err := publicKey.Set(jwk.KeyIDKey, keyID); err != nil {
		return nil, fmt.Errorf("failed to set key ID: %w", err)
	}
	if err := publicKey.Set(jwk.AlgorithmKey, algorithm); err != nil {
		return nil, fmt.Errorf("failed to set algorithm: %w", err)
	}

	jwks := jwk.NewSet()
	if err := jwks.AddKey(publicKey); err != nil {
		return nil, fmt.Errorf("failed to add key to JWKS: %w", err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}

	return &JWKSFixture{
		issuer:     cfg.Issuer,
		jwksURL:    cfg.JWKSURL,
		privateKey: privateKey,
		publicKey:  publicKey,
		keyID:      keyID,
		algorithm:  algorithm,
		jwks:       jwks,
		clock:      clk,
	}, nil
}

// GetFixture implements FixtureProvider. Only the exact JWKS URL matches.
func (f *JWKSFixture) GetFixture(req *http.Request) *Fixture {
	if req.URL.String() != f.jwksURL {
		return nil
	}

	jwksJSON, err := json.Marshal(f.jwks)
	if err != nil {
		return &Fixture{
			StatusCode: 500,
			Body:       fmt.Sprintf(`{"error": "failed to serialize JWKS: %v"}`, err),
		}
	}

	return &Fixture{
		StatusCode: 200,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: string(jwksJSON),
	}
}

// JWKSURL returns the URL the JWKS is served under.
func (f *JWKSFixture) JWKSURL() string {
	return f.jwksURL
}

// Issuer returns the issuer URL.
func (f *JWKSFixture) Issuer() string {
	return f.issuer
}

// KeyID returns the kid of the fixture's key.
func (f *JWKSFixture) KeyID() string {
	return f.keyID
}

// Clock returns the fixture's time source.
func (f *JWKSFixture) Clock() clock.Clock {
	return f.clock
}

// SignToken signs an arbitrary token with the fixture's private key. Use
// this for tokens whose standard claims must deviate, e.g. a foreign iss.
func (f *JWKSFixture) SignToken(token jwt.Token) (string, error) {
	key, err := jwk.Import(f.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to create JWK from private key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, f.keyID); err != nil {
		return "", fmt.Errorf("failed to set key ID: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, f.algorithm); err != nil {
		return "", fmt.Errorf("failed to set algorithm: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(f.algorithm, key))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return string(signed), nil
}

// CreateAndSignToken mints a signed token carrying the given claims. The
// iss, iat, and exp (one hour out) claims come from the fixture; everything
// else, including aud, is the caller's.
func (f *JWKSFixture) CreateAndSignToken(claims map[string]interface{}) (string, error) {
	return f.createAndSign(claims, f.clock.Now().Add(1*time.Hour))
}

// CreateAndSignTokenWithExpiry is CreateAndSignToken with an explicit
// expiry, for minting already-expired or long-lived tokens.
func (f *JWKSFixture) CreateAndSignTokenWithExpiry(claims map[string]interface{}, expiry time.Time) (string, error) {
	return f.createAndSign(claims, expiry)
}

func (f *JWKSFixture) createAndSign(claims map[string]interface{}, expiry time.Time) (string, error) {
	token := jwt.New()

	if err := token.Set(jwt.IssuedAtKey, f.clock.Now()); err != nil {
		return "", fmt.Errorf("failed to set iat: %w", err)
	}
	if err := token.Set(jwt.ExpirationKey, expiry); err != nil {
		return "", fmt.Errorf("failed to set exp: %w", err)
	}
	if err := token.Set(jwt.IssuerKey, f.issuer); err != nil {
		return "", fmt.Errorf("failed to set iss: %w", err)
	}

	for key, value := range claims {
		if err := token.Set(key, value); err != nil {
			return "", fmt.Errorf("failed to set claim %s: %w", key, err)
		}
	}

	return f.SignToken(token)
}
