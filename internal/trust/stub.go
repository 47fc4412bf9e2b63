package trust

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/crossfed-io/crossfed/internal/claims"
	"github.com/crossfed-io/crossfed/internal/request"
)

// StubStore is an in-memory trust store for tests.
type StubStore struct {
	validatorsByType map[CredentialType][]Validator
}

// NewStubStore creates an empty stub trust store.
func NewStubStore() *StubStore {
	return &StubStore{
		validatorsByType: make(map[CredentialType][]Validator),
	}
}

// AddValidator registers a validator under every credential type it
// supports. Returns the store for chaining.
func (s *StubStore) AddValidator(v Validator) *StubStore {
	for _, credType := range v.CredentialTypes() {
		s.validatorsByType[credType] = append(s.validatorsByType[credType], v)
	}
	return s
}

// Validate tries each registered validator for the credential's type in
// order, returning the first success.
func (s *StubStore) Validate(ctx context.Context, credential Credential) (*Result, error) {
	credType := credential.Type()

	validators, ok := s.validatorsByType[credType]
	if !ok || len(validators) == 0 {
		return nil, fmt.Errorf("no validator found for credential type %s", credType)
	}

	var errors []error
	for _, v := range validators {
		result, err := v.Validate(ctx, credential)
		if err == nil {
			return result, nil
		}
		errors = append(errors, err)
	}

	return nil, fmt.Errorf("all validators failed for credential type %s: %w", credType, errors[len(errors)-1])
}

// ForActor returns the store unchanged. Use FilteredStore when a test needs
// actual per-actor filtering.
func (s *StubStore) ForActor(ctx context.Context, actor *Result, requestAttrs *request.RequestAttributes) (Store, error) {
	return s, nil
}

// StubValidator accepts any non-empty token and returns a canned result.
type StubValidator struct {
	credTypes []CredentialType
	result    *Result
	err       error
}

// NewStubValidator creates a stub validator for the given credential types,
// defaulting to bearer.
func NewStubValidator(credTypes ...CredentialType) *StubValidator {
	if len(credTypes) == 0 {
		credTypes = []CredentialType{CredentialTypeBearer}
	}

	return &StubValidator{
		credTypes: credTypes,
		result: &Result{
			Subject:     "test-subject",
			Issuer:      "https://test-issuer.example.com",
			TrustDomain: "test-domain",
			Claims: claims.Claims{
				"email": "test@example.com",
			},
			ExpiresAt: time.Now().Add(time.Hour),
			IssuedAt:  time.Now(),
			Audience:  []string{"https://crossfed.example.com"},
			Scope:     "read write",
		},
	}
}

// WithResult overrides the canned result.
func (v *StubValidator) WithResult(result *Result) *StubValidator {
	v.result = result
	return v
}

// WithError makes every Validate call fail with err.
func (v *StubValidator) WithError(err error) *StubValidator {
	v.err = err
	return v
}

// Validate implements the Validator interface.
func (v *StubValidator) Validate(ctx context.Context, credential Credential) (*Result, error) {
	if v.err != nil {
		return nil, v.err
	}

	switch cred := credential.(type) {
	case *BearerCredential:
		if cred.Token == "" {
			return nil, fmt.Errorf("empty token")
		}
	case *JWTCredential:
		if cred.Token == "" {
			return nil, fmt.Errorf("empty token")
		}
	case *OIDCCredential:
		if cred.Token == "" {
			return nil, fmt.Errorf("empty token")
		}
	default:
		if !slices.Contains(v.credTypes, credential.Type()) {
			return nil, fmt.Errorf("credential type %s not supported", credential.Type())
		}
	}

	return v.result, nil
}

// CredentialTypes implements the Validator interface.
func (v *StubValidator) CredentialTypes() []CredentialType {
	return v.credTypes
}
