package issuer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/crossfed-io/crossfed/internal/clock"
	"github.com/crossfed-io/crossfed/internal/service"
	"github.com/crossfed-io/crossfed/internal/trust"
)

func newStubUnderTest(ttl time.Duration, clk clock.Clock) *StubIssuer {
	return NewStubIssuer(StubIssuerConfig{
		IssuerURL:             "https://crossfed.example.com",
		TTL:                   ttl,
		SessionContextMappers: []service.ClaimMapper{service.NewPassthroughSubjectMapper()},
		RequestContextMappers: []service.ClaimMapper{service.NewRequestAttributesMapper()},
		Clock:                 clk,
	})
}

func TestStubIssuer(t *testing.T) {
	ctx := context.Background()

	t.Run("issues token successfully", func(t *testing.T) {
		issuer := newStubUnderTest(5*time.Minute, nil)

		issueCtx := &service.IssueContext{
			Subject: &trust.Result{
				Subject:     "system:serviceaccount:dns:updater",
				Issuer:      "https://oidc.east.example.com",
				TrustDomain: "crossfed.test",
			},
			Audience:           "crossfed.test",
			DataSourceRegistry: service.NewDataSourceRegistry(),
		}

		token, err := issuer.Issue(ctx, issueCtx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if token == nil {
			t.Fatal("expected token, got nil")
		}

		if token.Value == "" {
			t.Error("expected non-empty token value")
		}

		if token.Type != string(service.TokenTypeAccessToken) {
			t.Errorf("expected access_token type, got %s", token.Type)
		}

		if !strings.Contains(token.Value, issueCtx.Subject.Subject) {
			t.Error("expected token to contain subject")
		}
	})

	t.Run("token expires after configured TTL", func(t *testing.T) {
		ttl := 10 * time.Minute
		issuer := newStubUnderTest(ttl, nil)

		issueCtx := &service.IssueContext{
			Subject: &trust.Result{
				Subject: "system:serviceaccount:dns:reader",
			},
			DataSourceRegistry: service.NewDataSourceRegistry(),
		}

		token, err := issuer.Issue(ctx, issueCtx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// The issuer reads the wall clock here, so allow a second of slack
		expectedExpiry := time.Now().Add(ttl)
		diff := token.ExpiresAt.Sub(expectedExpiry)
		if diff > time.Second || diff < -time.Second {
			t.Errorf("expected expiry around %v, got %v (diff: %v)",
				expectedExpiry, token.ExpiresAt, diff)
		}
	})

	t.Run("returns empty public keys for unsigned tokens", func(t *testing.T) {
		issuer := newStubUnderTest(5*time.Minute, nil)

		keys, err := issuer.PublicKeys(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if keys == nil {
			t.Fatal("expected keys slice, got nil")
		}

		if len(keys) != 0 {
			t.Errorf("expected empty keys slice, got %d keys", len(keys))
		}
	})

	t.Run("generates unique token values", func(t *testing.T) {
		// Session IDs derive from the clock, so two issuances at
		// distinct instants must not collide
		clk := clock.NewFixtureClock(time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC))
		issuer := newStubUnderTest(5*time.Minute, clk)

		issueCtx := &service.IssueContext{
			Subject: &trust.Result{
				Subject: "system:serviceaccount:dns:reader",
			},
			DataSourceRegistry: service.NewDataSourceRegistry(),
		}

		token1, _ := issuer.Issue(ctx, issueCtx)
		clk.Advance(10 * time.Millisecond)
		token2, _ := issuer.Issue(ctx, issueCtx)

		if token1.Value == token2.Value {
			t.Error("expected unique token values")
		}
	})
}
