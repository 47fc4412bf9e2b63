// Package httpfixture provides canned HTTP responses for hermetic testing.
// A FixtureProvider decides which requests get a fixture; the Transport in
// this package turns providers into an http.RoundTripper so components that
// fetch identity provider keys over HTTPS can run without the network.
package httpfixture

import (
	"net/http"
	"regexp"
	"time"
)

// Fixture is a canned HTTP response.
type Fixture struct {
	// StatusCode is the HTTP status code to return
	StatusCode int

	// Headers are the response headers
	Headers map[string]string

	// Body is the response body
	Body string

	// Delay optionally simulates latency before the response is returned
	Delay *time.Duration
}

// FixtureProvider supplies fixtures for HTTP requests.
// GetFixture returns nil when no fixture matches the request.
type FixtureProvider interface {
	GetFixture(req *http.Request) *Fixture
}

// FixtureRequest describes the requests a rule matches.
type FixtureRequest struct {
	// Method is the HTTP method to match; "*" or empty matches any method
	Method string

	// URL is the URL to match, interpreted per URLType
	URL string

	// URLType is "exact" (default) or "pattern" (regular expression)
	URLType string

	// Headers, when set, must all be present with matching values
	Headers map[string]string
}

// HTTPFixtureRule pairs a request matcher with the response to serve.
type HTTPFixtureRule struct {
	Request  FixtureRequest
	Response Fixture
}

// RuleBasedProvider matches requests against an ordered list of rules.
// The first matching rule wins.
type RuleBasedProvider struct {
	rules []HTTPFixtureRule
}

// NewRuleBasedProvider creates a provider from rules.
func NewRuleBasedProvider(rules []HTTPFixtureRule) *RuleBasedProvider {
	return &RuleBasedProvider{rules: rules}
}

// GetFixture implements FixtureProvider.
func (p *RuleBasedProvider) GetFixture(req *http.Request) *Fixture {
	for i := range p.rules {
		rule := &p.rules[i]
		if matchesRule(&rule.Request, req) {
			resp := rule.Response
			return &resp
		}
	}
	return nil
}

// matchesRule checks a request against one rule's matcher
func matchesRule(m *FixtureRequest, req *http.Request) bool {
	if m.Method != "" && m.Method != "*" && m.Method != req.Method {
		return false
	}

	switch m.URLType {
	case "pattern":
		// Anchor the pattern so partial matches don't slip through
		re, err := regexp.Compile("^" + m.URL + "$")
		if err != nil {
			return false
		}
		if !re.MatchString(req.URL.String()) {
			return false
		}
	default: // "exact" or unset
		if m.URL != req.URL.String() {
			return false
		}
	}

	for key, want := range m.Headers {
		if req.Header.Get(key) != want {
			return false
		}
	}

	return true
}

// MapProvider serves fixtures from a map keyed by "METHOD URL".
type MapProvider struct {
	fixtures map[string]*Fixture
}

// NewMapProvider creates a provider from a fixture map.
// Keys have the form "GET https://example.com/path".
func NewMapProvider(fixtures map[string]*Fixture) *MapProvider {
	return &MapProvider{fixtures: fixtures}
}

// GetFixture implements FixtureProvider.
func (p *MapProvider) GetFixture(req *http.Request) *Fixture {
	return p.fixtures[req.Method+" "+req.URL.String()]
}

// FuncProvider adapts a function to the FixtureProvider interface,
// for fixtures with dynamic content.
type FuncProvider func(req *http.Request) *Fixture

// NewFuncProvider creates a provider from a function.
func NewFuncProvider(fn func(req *http.Request) *Fixture) FuncProvider {
	return FuncProvider(fn)
}

// GetFixture implements FixtureProvider.
func (p FuncProvider) GetFixture(req *http.Request) *Fixture {
	return p(req)
}

// CompositeFixtureProvider combines multiple providers, consulting each in
// order. It also exposes the JWKS fixtures by issuer so tests can mint tokens
// against the same keys the fixtures serve.
type CompositeFixtureProvider struct {
	providers    []FixtureProvider
	jwksFixtures map[string]*JWKSFixture
}

// NewCompositeFixtureProvider creates a composite provider.
func NewCompositeFixtureProvider(providers []FixtureProvider, jwksFixtures map[string]*JWKSFixture) *CompositeFixtureProvider {
	return &CompositeFixtureProvider{
		providers:    providers,
		jwksFixtures: jwksFixtures,
	}
}

// GetFixture implements FixtureProvider. The first provider with a fixture
// for the request wins.
func (p *CompositeFixtureProvider) GetFixture(req *http.Request) *Fixture {
	for _, provider := range p.providers {
		if fixture := provider.GetFixture(req); fixture != nil {
			return fixture
		}
	}
	return nil
}

// JWKSFixtureForIssuer returns the JWKS fixture registered for an issuer,
// or nil when none exists.
func (p *CompositeFixtureProvider) JWKSFixtureForIssuer(issuer string) *JWKSFixture {
	return p.jwksFixtures[issuer]
}
