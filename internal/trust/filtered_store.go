package trust

import (
	"context"
	"fmt"

	"github.com/crossfed-io/crossfed/internal/request"
)

// ValidatorFilter decides which validators an actor may use.
type ValidatorFilter interface {
	// IsAllowed reports whether the actor may use the named validator.
	// Request attributes carry context about the request being made.
	IsAllowed(actor *Result, validatorName string, requestAttrs *request.RequestAttributes) (bool, error)
}

// NamedValidator pairs a validator with the name filters refer to it by.
type NamedValidator struct {
	Name      string
	Validator Validator
}

// FilteredStore is a Store that dispatches by credential type and applies a
// ValidatorFilter when narrowed to an actor. Validators are tried in
// registration order within a credential type.
type FilteredStore struct {
	validatorsByType map[CredentialType][]NamedValidator
	validators       []NamedValidator
	filter           ValidatorFilter
}

// FilteredStoreOption configures a FilteredStore.
type FilteredStoreOption func(*FilteredStore) error

// WithValidatorFilter sets the store's validator filter.
func WithValidatorFilter(filter ValidatorFilter) FilteredStoreOption {
	return func(s *FilteredStore) error {
		s.filter = filter
		return nil
	}
}

// WithCELFilter sets a CEL expression as the store's filter. The expression
// must evaluate to a boolean and has access to:
//   - actor: the actor's validation result as a map
//   - validator_name: the name of the validator being checked
func WithCELFilter(script string) FilteredStoreOption {
	return func(s *FilteredStore) error {
		filter, err := NewCelValidatorFilter(script)
		if err != nil {
			return err
		}
		s.filter = filter
		return nil
	}
}

// NewFilteredStore creates an empty filtered store.
func NewFilteredStore(opts ...FilteredStoreOption) (*FilteredStore, error) {
	s := &FilteredStore{
		validatorsByType: make(map[CredentialType][]NamedValidator),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// AddValidator registers a named validator under every credential type it
// supports. Returns the store for chaining.
func (s *FilteredStore) AddValidator(name string, v Validator) *FilteredStore {
	nv := NamedValidator{Name: name, Validator: v}

	for _, credType := range v.CredentialTypes() {
		s.validatorsByType[credType] = append(s.validatorsByType[credType], nv)
	}
	s.validators = append(s.validators, nv)
	return s
}

// Validate implements Store. Validators registered for the credential's type
// are tried in order; the first success wins.
func (s *FilteredStore) Validate(ctx context.Context, credential Credential) (*Result, error) {
	credType := credential.Type()

	validators, ok := s.validatorsByType[credType]
	if !ok || len(validators) == 0 {
		return nil, fmt.Errorf("no validator found for credential type %s", credType)
	}

	var lastErr error
	for _, nv := range validators {
		result, err := nv.Validator.Validate(ctx, credential)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("all validators failed for credential type %s: %w", credType, lastErr)
}

// ForActor implements Store. With no filter configured the same store is
// returned; otherwise a new store holding only the validators the filter
// allows for this actor.
func (s *FilteredStore) ForActor(ctx context.Context, actor *Result, requestAttrs *request.RequestAttributes) (Store, error) {
	if actor == nil {
		return nil, fmt.Errorf("actor cannot be nil")
	}

	if s.filter == nil {
		return s, nil
	}

	filtered := &FilteredStore{
		validatorsByType: make(map[CredentialType][]NamedValidator),
		filter:           s.filter,
	}

	for _, nv := range s.validators {
		allowed, err := s.filter.IsAllowed(actor, nv.Name, requestAttrs)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate filter for validator %s: %w", nv.Name, err)
		}
		if allowed {
			filtered.AddValidator(nv.Name, nv.Validator)
		}
	}

	return filtered, nil
}

// Validators returns all registered validators in registration order.
func (s *FilteredStore) Validators() []NamedValidator {
	return s.validators
}
