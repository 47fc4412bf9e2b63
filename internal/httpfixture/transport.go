package httpfixture

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/crossfed-io/crossfed/internal/clock"
)

// Transport is an http.RoundTripper that answers from a FixtureProvider
// instead of the network.
type Transport struct {
	provider FixtureProvider
	fallback http.RoundTripper
	strict   bool
	clock    clock.Clock
}

// TransportConfig configures a fixture transport.
type TransportConfig struct {
	Provider FixtureProvider

	// Fallback handles requests no fixture matches. Ignored in strict mode.
	Fallback http.RoundTripper

	// Strict makes an unmatched request an error instead of falling back.
	// Hermetic tests run strict so an accidental real request fails loudly.
	Strict bool

	// Clock simulates fixture delays. Nil means system clock.
	Clock clock.Clock
}

// NewTransport creates a fixture transport.
func NewTransport(config TransportConfig) *Transport {
	clk := config.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Transport{
		provider: config.Provider,
		fallback: config.Fallback,
		strict:   config.Strict,
		clock:    clk,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	fixture := t.provider.GetFixture(req)

	if fixture != nil {
		if fixture.Delay != nil {
			t.clock.Sleep(*fixture.Delay)
		}
		return createResponse(fixture, req), nil
	}

	if t.strict {
		return nil, fmt.Errorf("no fixture provided for request: %s %s", req.Method, req.URL)
	}

	if t.fallback != nil {
		return t.fallback.RoundTrip(req)
	}

	return nil, fmt.Errorf("no fixture provided and no fallback configured")
}

func createResponse(fixture *Fixture, req *http.Request) *http.Response {
	resp := &http.Response{
		StatusCode: fixture.StatusCode,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(fixture.Body)),
		Request:    req,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}

	for key, value := range fixture.Headers {
		resp.Header.Set(key, value)
	}

	return resp
}
