package config

import (
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwa"

	"github.com/crossfed-io/crossfed/internal/clock"
	"github.com/crossfed-io/crossfed/internal/httpfixture"
)

// BuildHTTPFixtureProvider assembles a composite fixture provider from the
// test fixture configuration. Returns nil when no fixtures are configured,
// which is the normal production case.
func BuildHTTPFixtureProvider(fixtures []FixtureConfig, clk clock.Clock) (httpfixture.FixtureProvider, error) {
	if len(fixtures) == 0 {
		return nil, nil
	}

	if clk == nil {
		clk = clock.NewSystemClock()
	}

	var rules []httpfixture.HTTPFixtureRule
	for _, f := range fixtures {
		if f.Type != "http_rule" {
			continue
		}

		rules = append(rules, httpfixture.HTTPFixtureRule{
			Request: httpfixture.FixtureRequest{
				Method:  f.Request.Method,
				URL:     f.Request.URL,
				URLType: f.Request.URLType,
				Headers: f.Request.Headers,
			},
			Response: httpfixture.Fixture{
				StatusCode: f.Response.StatusCode,
				Headers:    f.Response.Headers,
				Body:       f.Response.Body,
			},
		})
	}

	jwksFixtures := make(map[string]*httpfixture.JWKSFixture)
	for _, f := range fixtures {
		if f.Type != "jwks" {
			continue
		}

		if f.Issuer == "" {
			return nil, fmt.Errorf("jwks fixture missing required field: issuer")
		}
		if f.JWKSURL == "" {
			return nil, fmt.Errorf("jwks fixture for issuer %s missing required field: jwks_url", f.Issuer)
		}

		var algo jwa.SignatureAlgorithm
		if f.Algorithm != "" {
			var ok bool
			algo, ok = jwa.LookupSignatureAlgorithm(f.Algorithm)
			if !ok {
				return nil, fmt.Errorf("jwks fixture for issuer %s: unknown algorithm %q", f.Issuer, f.Algorithm)
			}
		}

		// KeyID and Algorithm may be zero; the fixture picks its defaults
		jwksFixture, err := httpfixture.NewJWKSFixture(httpfixture.JWKSFixtureConfig{
			Issuer:    f.Issuer,
			JWKSURL:   f.JWKSURL,
			KeyID:     f.KeyID,
			Algorithm: algo,
			Clock:     clk,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create JWKS fixture for issuer %s: %w", f.Issuer, err)
		}

		jwksFixtures[f.Issuer] = jwksFixture
	}

	providers := make([]httpfixture.FixtureProvider, 0)
	if len(rules) > 0 {
		providers = append(providers, httpfixture.NewRuleBasedProvider(rules))
	}
	for _, jwks := range jwksFixtures {
		providers = append(providers, jwks)
	}

	// Non-nil even when empty, so callers can install it unconditionally
	return httpfixture.NewCompositeFixtureProvider(providers, jwksFixtures), nil
}
