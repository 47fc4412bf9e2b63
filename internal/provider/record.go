// Package provider holds the identity provider records that anchor the
// federation trust exchange. A record names an external OIDC issuer, the
// audience values (client IDs) tokens from it must carry, and the certificate
// thumbprints that pin the issuer's TLS identity when its signing keys are
// first fetched. Records are authored by an administrator in configuration;
// there is no runtime create or delete API.
package provider

import (
	"fmt"
	"net/url"
	"strings"
)

// Record is a registered identity provider.
type Record struct {
	// Name is the administrative identifier for this provider,
	// referenced by trust policies.
	Name string `json:"name"`

	// IssuerURL is the provider's token issuer (the "iss" claim value).
	// Must be an https URL.
	IssuerURL string `json:"issuer_url"`

	// ClientIDs are the audience values accepted from this provider.
	// A token's "aud" claim must match one of these.
	ClientIDs []string `json:"client_ids"`

	// Thumbprints are hex-encoded SHA-1 or SHA-256 fingerprints of
	// certificates in the issuer's TLS chain. They pin the connection used
	// to bootstrap the provider's signing keys. Empty means the system
	// trust store is used instead.
	Thumbprints []string `json:"thumbprints,omitempty"`

	// JWKSURL optionally overrides OIDC discovery of the signing keys.
	JWKSURL string `json:"jwks_url,omitempty"`
}

// Validate checks that the record is complete enough to participate in a
// token exchange.
func (r *Record) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if r.IssuerURL == "" {
		return fmt.Errorf("provider %s: issuer_url is required", r.Name)
	}

	u, err := url.Parse(r.IssuerURL)
	if err != nil {
		return fmt.Errorf("provider %s: invalid issuer_url: %w", r.Name, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("provider %s: issuer_url must be https, got %q", r.Name, u.Scheme)
	}

	if len(r.ClientIDs) == 0 {
		return fmt.Errorf("provider %s: at least one client_id is required", r.Name)
	}

	for _, tp := range r.Thumbprints {
		if !isHexThumbprint(tp) {
			return fmt.Errorf("provider %s: thumbprint %q is not a hex SHA-1 or SHA-256 fingerprint", r.Name, tp)
		}
	}

	return nil
}

// AcceptsAudience reports whether any of the given audience values matches a
// configured client ID.
func (r *Record) AcceptsAudience(audiences []string) bool {
	for _, aud := range audiences {
		for _, clientID := range r.ClientIDs {
			if aud == clientID {
				return true
			}
		}
	}
	return false
}

// isHexThumbprint accepts 40 (SHA-1) or 64 (SHA-256) hex characters.
func isHexThumbprint(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for _, c := range strings.ToLower(s) {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Registry is an immutable lookup of provider records. A new registry is
// built on every configuration load; hot reload swaps the whole registry.
type Registry struct {
	byName   map[string]*Record
	byIssuer map[string]*Record
}

// NewRegistry builds a registry from records, validating each.
func NewRegistry(records []Record) (*Registry, error) {
	r := &Registry{
		byName:   make(map[string]*Record, len(records)),
		byIssuer: make(map[string]*Record, len(records)),
	}

	for i := range records {
		rec := records[i]
		if err := rec.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.byName[rec.Name]; exists {
			return nil, fmt.Errorf("duplicate provider name: %s", rec.Name)
		}
		issuer := normalizeIssuer(rec.IssuerURL)
		if _, exists := r.byIssuer[issuer]; exists {
			return nil, fmt.Errorf("duplicate provider issuer: %s", rec.IssuerURL)
		}
		r.byName[rec.Name] = &rec
		r.byIssuer[issuer] = &rec
	}

	return r, nil
}

// Lookup returns the record registered under the given name.
func (r *Registry) Lookup(name string) (*Record, bool) {
	rec, ok := r.byName[name]
	return rec, ok
}

// LookupIssuer returns the record whose issuer URL matches. Trailing slashes
// are ignored, since issuers are compared as normalized URLs.
func (r *Registry) LookupIssuer(issuerURL string) (*Record, bool) {
	rec, ok := r.byIssuer[normalizeIssuer(issuerURL)]
	return rec, ok
}

// Records returns all registered records.
func (r *Registry) Records() []*Record {
	out := make([]*Record, 0, len(r.byName))
	for _, rec := range r.byName {
		out = append(out, rec)
	}
	return out
}

func normalizeIssuer(issuer string) string {
	return strings.TrimSuffix(issuer, "/")
}
