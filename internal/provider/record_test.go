package provider

import (
	"strings"
	"testing"
)

func validRecord() Record {
	return Record{
		Name:      "cluster-east",
		IssuerURL: "https://oidc.east.example.com",
		ClientIDs: []string{"crossfed"},
	}
}

func TestRecordValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		rec := validRecord()
		if err := rec.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("requires name", func(t *testing.T) {
		rec := validRecord()
		rec.Name = ""
		if err := rec.Validate(); err == nil {
			t.Fatal("expected error for missing name")
		}
	})

	t.Run("requires issuer URL", func(t *testing.T) {
		rec := validRecord()
		rec.IssuerURL = ""
		if err := rec.Validate(); err == nil {
			t.Fatal("expected error for missing issuer URL")
		}
	})

	t.Run("rejects non-https issuer", func(t *testing.T) {
		rec := validRecord()
		rec.IssuerURL = "http://oidc.east.example.com"
		if err := rec.Validate(); err == nil {
			t.Fatal("expected error for http issuer")
		}
	})

	t.Run("requires a client ID", func(t *testing.T) {
		rec := validRecord()
		rec.ClientIDs = nil
		if err := rec.Validate(); err == nil {
			t.Fatal("expected error for missing client IDs")
		}
	})

	t.Run("accepts SHA-1 and SHA-256 thumbprints", func(t *testing.T) {
		rec := validRecord()
		rec.Thumbprints = []string{
			strings.Repeat("ab", 20),
			strings.Repeat("CD", 32),
		}
		if err := rec.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("rejects malformed thumbprints", func(t *testing.T) {
		for _, tp := range []string{
			"abc123",                  // wrong length
			strings.Repeat("zz", 20),  // not hex
			strings.Repeat("ab", 21),  // between SHA-1 and SHA-256
		} {
			rec := validRecord()
			rec.Thumbprints = []string{tp}
			if err := rec.Validate(); err == nil {
				t.Errorf("expected error for thumbprint %q", tp)
			}
		}
	})
}

func TestRecordAcceptsAudience(t *testing.T) {
	rec := validRecord()
	rec.ClientIDs = []string{"crossfed", "sts.amazonaws.com"}

	if !rec.AcceptsAudience([]string{"crossfed"}) {
		t.Error("expected configured audience to be accepted")
	}
	if !rec.AcceptsAudience([]string{"other", "sts.amazonaws.com"}) {
		t.Error("expected any matching audience in the list to be accepted")
	}
	if rec.AcceptsAudience([]string{"other"}) {
		t.Error("expected unconfigured audience to be rejected")
	}
	if rec.AcceptsAudience(nil) {
		t.Error("expected empty audience list to be rejected")
	}
}

func TestRegistry(t *testing.T) {
	east := validRecord()
	west := Record{
		Name:      "cluster-west",
		IssuerURL: "https://oidc.west.example.com/",
		ClientIDs: []string{"crossfed"},
	}

	t.Run("lookup by name and issuer", func(t *testing.T) {
		reg, err := NewRegistry([]Record{east, west})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		rec, ok := reg.Lookup("cluster-east")
		if !ok {
			t.Fatal("expected cluster-east to be registered")
		}
		if rec.IssuerURL != east.IssuerURL {
			t.Errorf("unexpected issuer: %s", rec.IssuerURL)
		}

		if _, ok := reg.Lookup("cluster-north"); ok {
			t.Error("expected unregistered name to be absent")
		}

		if got := len(reg.Records()); got != 2 {
			t.Errorf("expected 2 records, got %d", got)
		}
	})

	t.Run("issuer lookup ignores trailing slash", func(t *testing.T) {
		reg, err := NewRegistry([]Record{east, west})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// Registered without a slash, looked up with one
		if _, ok := reg.LookupIssuer("https://oidc.east.example.com/"); !ok {
			t.Error("expected trailing-slash lookup to match")
		}
		// Registered with a slash, looked up without one
		if _, ok := reg.LookupIssuer("https://oidc.west.example.com"); !ok {
			t.Error("expected slashless lookup to match")
		}
		if _, ok := reg.LookupIssuer("https://oidc.rogue.example.com"); ok {
			t.Error("expected unknown issuer to be absent")
		}
	})

	t.Run("rejects invalid record", func(t *testing.T) {
		bad := validRecord()
		bad.ClientIDs = nil
		if _, err := NewRegistry([]Record{bad}); err == nil {
			t.Fatal("expected error for invalid record")
		}
	})

	t.Run("rejects duplicate name", func(t *testing.T) {
		dup := east
		dup.IssuerURL = "https://oidc.other.example.com"
		if _, err := NewRegistry([]Record{east, dup}); err == nil {
			t.Fatal("expected error for duplicate name")
		}
	})

	t.Run("rejects duplicate issuer", func(t *testing.T) {
		dup := east
		dup.Name = "cluster-east-2"
		dup.IssuerURL = east.IssuerURL + "/"
		if _, err := NewRegistry([]Record{east, dup}); err == nil {
			t.Fatal("expected error for duplicate issuer")
		}
	})
}
