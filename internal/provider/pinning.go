package provider

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"strings"
)

// NewPinnedHTTPClient returns an HTTP client whose TLS connections are only
// accepted when a certificate in the presented chain matches one of the
// record's thumbprints. This is the bootstrap anchor from the provider
// record: it guards the fetch of the issuer's signing keys, not individual
// token validations.
//
// If the record has no thumbprints, nil is returned and the caller should
// fall back to the default client (system trust store).
func NewPinnedHTTPClient(rec *Record) *http.Client {
	if len(rec.Thumbprints) == 0 {
		return nil
	}

	pins := make(map[string]bool, len(rec.Thumbprints))
	for _, tp := range rec.Thumbprints {
		pins[strings.ToLower(tp)] = true
	}

	tlsConfig := &tls.Config{
		// Chain validity is still checked by the standard verifier; the pin
		// is an additional requirement, not a replacement.
		VerifyPeerCertificate: func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				cert, err := x509.ParseCertificate(raw)
				if err != nil {
					continue
				}
				if pins[CertThumbprintSHA1(cert)] || pins[CertThumbprintSHA256(cert)] {
					return nil
				}
			}
			return fmt.Errorf("no certificate in chain matches a pinned thumbprint for provider %s", rec.Name)
		},
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	return &http.Client{Transport: transport}
}
