package policy

import (
	"testing"

	"github.com/crossfed-io/crossfed/internal/claims"
	"github.com/crossfed-io/crossfed/internal/trust"
)

func TestNewTrustPolicy(t *testing.T) {
	t.Run("requires provider", func(t *testing.T) {
		_, err := NewTrustPolicy(TrustPolicyConfig{
			Subjects: []string{"system:serviceaccount:dns:external-dns"},
		})
		if err == nil {
			t.Fatal("expected error for missing provider")
		}
	})

	t.Run("requires at least one subject", func(t *testing.T) {
		_, err := NewTrustPolicy(TrustPolicyConfig{Provider: "cluster-east"})
		if err == nil {
			t.Fatal("expected error for missing subjects")
		}
	})

	t.Run("rejects invalid condition", func(t *testing.T) {
		_, err := NewTrustPolicy(TrustPolicyConfig{
			Provider:  "cluster-east",
			Subjects:  []string{"*"},
			Condition: "claims.namespace ==",
		})
		if err == nil {
			t.Fatal("expected error for malformed condition")
		}
	})

	t.Run("keeps condition script", func(t *testing.T) {
		p, err := NewTrustPolicy(TrustPolicyConfig{
			Provider:  "cluster-east",
			Subjects:  []string{"*"},
			Condition: `claims.namespace == "dns"`,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Condition() != `claims.namespace == "dns"` {
			t.Errorf("unexpected condition script: %q", p.Condition())
		}
	})
}

func TestTrustPolicyPermits(t *testing.T) {
	result := func(subject string, c claims.Claims) *trust.Result {
		return &trust.Result{Subject: subject, Claims: c}
	}

	t.Run("exact subject match", func(t *testing.T) {
		p, err := NewTrustPolicy(TrustPolicyConfig{
			Provider: "cluster-east",
			Subjects: []string{"system:serviceaccount:dns:external-dns"},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		ok, err := p.Permits(result("system:serviceaccount:dns:external-dns", nil))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Error("expected exact subject to be permitted")
		}

		ok, err = p.Permits(result("system:serviceaccount:dns:other", nil))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected non-matching subject to be rejected")
		}
	})

	t.Run("wildcard subject match", func(t *testing.T) {
		p, err := NewTrustPolicy(TrustPolicyConfig{
			Provider: "cluster-east",
			Subjects: []string{"system:serviceaccount:dns:*"},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		ok, _ := p.Permits(result("system:serviceaccount:dns:external-dns", nil))
		if !ok {
			t.Error("expected wildcard to permit namespace member")
		}

		ok, _ = p.Permits(result("system:serviceaccount:payments:worker", nil))
		if ok {
			t.Error("expected wildcard to reject other namespace")
		}
	})

	t.Run("nil result rejected", func(t *testing.T) {
		p, err := NewTrustPolicy(TrustPolicyConfig{
			Provider: "cluster-east",
			Subjects: []string{"*"},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		ok, err := p.Permits(nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected nil result to be rejected")
		}

		ok, _ = p.Permits(result("", nil))
		if ok {
			t.Error("expected empty subject to be rejected")
		}
	})

	t.Run("condition gates matching subject", func(t *testing.T) {
		p, err := NewTrustPolicy(TrustPolicyConfig{
			Provider:  "cluster-east",
			Subjects:  []string{"system:serviceaccount:dns:*"},
			Condition: `claims.namespace == "dns"`,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		ok, err := p.Permits(result("system:serviceaccount:dns:external-dns", claims.Claims{
			"namespace": "dns",
		}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Error("expected condition to pass for matching claims")
		}

		ok, err = p.Permits(result("system:serviceaccount:dns:external-dns", claims.Claims{
			"namespace": "sandbox",
		}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected condition to reject mismatched claims")
		}
	})

	t.Run("condition can reference subject", func(t *testing.T) {
		p, err := NewTrustPolicy(TrustPolicyConfig{
			Provider:  "cluster-east",
			Subjects:  []string{"*"},
			Condition: `subject.startsWith("system:serviceaccount:")`,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		ok, _ := p.Permits(result("system:serviceaccount:dns:external-dns", nil))
		if !ok {
			t.Error("expected serviceaccount subject to pass")
		}

		ok, _ = p.Permits(result("user:alice", nil))
		if ok {
			t.Error("expected non-serviceaccount subject to fail condition")
		}
	})

	t.Run("condition error on missing claim", func(t *testing.T) {
		p, err := NewTrustPolicy(TrustPolicyConfig{
			Provider:  "cluster-east",
			Subjects:  []string{"*"},
			Condition: `claims.namespace == "dns"`,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		ok, err := p.Permits(result("system:serviceaccount:dns:external-dns", claims.Claims{}))
		if err == nil {
			t.Fatal("expected evaluation error for absent claim")
		}
		if ok {
			t.Error("expected evaluation error to reject")
		}
	})
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"exact", "exact", true},
		{"exact", "other", false},
		{"*", "anything", true},
		{"*", "", true},
		{"system:serviceaccount:dns:*", "system:serviceaccount:dns:external-dns", true},
		{"system:serviceaccount:dns:*", "system:serviceaccount:dns:", true},
		{"system:serviceaccount:dns:*", "system:serviceaccount:payments:worker", false},
		{"*:external-dns", "system:serviceaccount:dns:external-dns", true},
		{"system:*:dns:*", "system:serviceaccount:dns:external-dns", true},
		{"system:*:dns:*", "system:serviceaccount:payments:worker", false},
		{"dns:List*", "dns:ListZones", true},
		{"dns:List*", "dns:ChangeRecordSets", false},
	}

	for _, tc := range tests {
		if got := MatchPattern(tc.pattern, tc.value); got != tc.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tc.pattern, tc.value, got, tc.want)
		}
	}
}
