package provider

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"time"
)

// CertThumbprintSHA1 returns the hex SHA-1 fingerprint of a certificate.
// This is the fingerprint format cloud IAM services historically expect when
// registering an OIDC provider.
func CertThumbprintSHA1(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// CertThumbprintSHA256 returns the hex SHA-256 fingerprint of a certificate.
func CertThumbprintSHA256(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// IssuerThumbprint holds the fingerprints of the certificate that anchors an
// issuer's TLS chain.
type IssuerThumbprint struct {
	// Subject is the certificate subject for operator display.
	Subject string

	// SHA1 is the hex SHA-1 fingerprint.
	SHA1 string

	// SHA256 is the hex SHA-256 fingerprint.
	SHA256 string

	// NotAfter is the certificate expiry, after which the pin must be
	// refreshed.
	NotAfter time.Time
}

// FetchIssuerThumbprint connects to the issuer URL over TLS and returns the
// fingerprints of the last certificate in the presented chain (the root or
// topmost intermediate). That certificate is the stable anchor to register in
// a provider record: leaf certificates rotate frequently, the chain root
// rarely does.
func FetchIssuerThumbprint(ctx context.Context, issuerURL string) (*IssuerThumbprint, error) {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer URL: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("issuer URL must be https, got %q", u.Scheme)
	}

	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "443")
	}

	dialer := &tls.Dialer{
		Config: &tls.Config{ServerName: u.Hostname()},
	}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to issuer: %w", err)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("issuer presented no certificates")
	}

	anchor := state.PeerCertificates[len(state.PeerCertificates)-1]
	return &IssuerThumbprint{
		Subject:  anchor.Subject.String(),
		SHA1:     CertThumbprintSHA1(anchor),
		SHA256:   CertThumbprintSHA256(anchor),
		NotAfter: anchor.NotAfter,
	}, nil
}
