package provider

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCertThumbprints(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	cert := ts.Certificate()

	sha1Sum := sha1.Sum(cert.Raw)
	if got, want := CertThumbprintSHA1(cert), hex.EncodeToString(sha1Sum[:]); got != want {
		t.Errorf("SHA-1 thumbprint mismatch: got %s, want %s", got, want)
	}
	if got := CertThumbprintSHA1(cert); len(got) != 40 {
		t.Errorf("expected 40 hex chars, got %d", len(got))
	}

	sha256Sum := sha256.Sum256(cert.Raw)
	if got, want := CertThumbprintSHA256(cert), hex.EncodeToString(sha256Sum[:]); got != want {
		t.Errorf("SHA-256 thumbprint mismatch: got %s, want %s", got, want)
	}
	if got := CertThumbprintSHA256(cert); len(got) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(got))
	}
}

func TestNewPinnedHTTPClient(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	serverCert := ts.Certificate()
	pool := x509.NewCertPool()
	pool.AddCert(serverCert)

	// The pin is checked on top of standard chain verification, so the test
	// server's self-signed certificate has to be trusted first.
	trustServer := func(t *testing.T, client *http.Client) {
		t.Helper()
		tr, ok := client.Transport.(*http.Transport)
		if !ok {
			t.Fatalf("expected *http.Transport, got %T", client.Transport)
		}
		tr.TLSClientConfig.RootCAs = pool
	}

	t.Run("nil when record has no thumbprints", func(t *testing.T) {
		rec := validRecord()
		if client := NewPinnedHTTPClient(&rec); client != nil {
			t.Error("expected nil client for record without thumbprints")
		}
	})

	t.Run("matching pin accepted", func(t *testing.T) {
		rec := validRecord()
		rec.Thumbprints = []string{CertThumbprintSHA256(serverCert)}

		client := NewPinnedHTTPClient(&rec)
		if client == nil {
			t.Fatal("expected a pinned client")
		}
		trustServer(t, client)

		resp, err := client.Get(ts.URL)
		if err != nil {
			t.Fatalf("expected pinned request to succeed: %v", err)
		}
		resp.Body.Close()
	})

	t.Run("matching pin accepted case-insensitively", func(t *testing.T) {
		rec := validRecord()
		rec.Thumbprints = []string{strings.ToUpper(CertThumbprintSHA1(serverCert))}

		client := NewPinnedHTTPClient(&rec)
		trustServer(t, client)

		resp, err := client.Get(ts.URL)
		if err != nil {
			t.Fatalf("expected pinned request to succeed: %v", err)
		}
		resp.Body.Close()
	})

	t.Run("mismatched pin rejected", func(t *testing.T) {
		rec := validRecord()
		rec.Thumbprints = []string{strings.Repeat("ab", 32)}

		client := NewPinnedHTTPClient(&rec)
		trustServer(t, client)

		resp, err := client.Get(ts.URL)
		if err == nil {
			resp.Body.Close()
			t.Fatal("expected connection to be rejected for unmatched pin")
		}
		if !strings.Contains(err.Error(), "pinned thumbprint") {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
