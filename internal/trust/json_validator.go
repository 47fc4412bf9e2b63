package trust

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crossfed-io/crossfed/internal/claims"
)

// JSONValidator accepts unsigned JSON credentials carrying a Result shape.
// Useful for development setups and for trusting an upstream proxy that has
// already authenticated the workload. Claims pass through the configured
// filter before the result is returned.
type JSONValidator struct {
	credTypes     []CredentialType
	claimsFilter  claims.ClaimsFilter
	trustDomain   string
	requireIssuer bool
}

// JSONValidatorOption configures a JSONValidator.
type JSONValidatorOption func(*JSONValidator)

// WithClaimsFilter sets the claims filter applied to parsed credentials.
func WithClaimsFilter(filter claims.ClaimsFilter) JSONValidatorOption {
	return func(v *JSONValidator) {
		v.claimsFilter = filter
	}
}

// WithTrustDomain restricts the validator to credentials carrying the given
// trust domain.
func WithTrustDomain(trustDomain string) JSONValidatorOption {
	return func(v *JSONValidator) {
		v.trustDomain = trustDomain
	}
}

// WithRequireIssuer makes the issuer field mandatory.
func WithRequireIssuer(require bool) JSONValidatorOption {
	return func(v *JSONValidator) {
		v.requireIssuer = require
	}
}

// NewJSONValidator creates a JSON validator. Without options it passes all
// claims through and accepts any trust domain.
func NewJSONValidator(opts ...JSONValidatorOption) *JSONValidator {
	v := &JSONValidator{
		credTypes:    []CredentialType{CredentialTypeJSON},
		claimsFilter: &claims.PassthroughClaimsFilter{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate implements Validator.
func (v *JSONValidator) Validate(ctx context.Context, credential Credential) (*Result, error) {
	jsonCred, ok := credential.(*JSONCredential)
	if !ok {
		return nil, fmt.Errorf("expected JSONCredential, got %T", credential)
	}

	if len(jsonCred.RawJSON) == 0 {
		return nil, fmt.Errorf("empty JSON credential")
	}

	var result Result
	if err := json.Unmarshal(jsonCred.RawJSON, &result); err != nil {
		return nil, fmt.Errorf("failed to parse JSON credential: %w", err)
	}

	if err := v.verify(&result); err != nil {
		return nil, err
	}

	result.Claims = v.claimsFilter.Filter(result.Claims)

	return &result, nil
}

// verify applies the structural checks the validator was configured with.
func (v *JSONValidator) verify(result *Result) error {
	if result.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if v.requireIssuer && result.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if v.trustDomain != "" && result.TrustDomain != v.trustDomain {
		return fmt.Errorf("trust domain mismatch: expected %s, got %s", v.trustDomain, result.TrustDomain)
	}
	return nil
}

// CredentialTypes implements Validator.
func (v *JSONValidator) CredentialTypes() []CredentialType {
	return v.credTypes
}
