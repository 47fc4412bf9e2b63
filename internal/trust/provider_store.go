package trust

import (
	"context"
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/crossfed-io/crossfed/internal/request"
)

// ProviderStore is a Store that routes subject tokens to the validator for
// their issuer. The issuer claim is read without verification purely for
// routing; the selected validator re-parses and verifies the token. A token
// whose issuer matches no registered provider fails with ErrUntrustedIssuer.
type ProviderStore struct {
	byIssuer   map[string]NamedValidator
	validators []NamedValidator
	filter     ValidatorFilter
}

// ProviderStoreOption is a functional option for configuring a ProviderStore
type ProviderStoreOption func(*ProviderStore) error

// WithProviderFilter sets a filter restricting which providers an actor may
// route tokens to. The validator name passed to the filter is the provider
// record name.
func WithProviderFilter(filter ValidatorFilter) ProviderStoreOption {
	return func(s *ProviderStore) error {
		s.filter = filter
		return nil
	}
}

// WithProviderCELFilter sets a CEL-based provider filter expression.
// The expression has access to:
//   - actor: the actor's Result object as a map
//   - validator_name: the provider record name being checked
//   - request: the request attributes as a map
func WithProviderCELFilter(script string) ProviderStoreOption {
	return func(s *ProviderStore) error {
		filter, err := NewCelValidatorFilter(script)
		if err != nil {
			return err
		}
		s.filter = filter
		return nil
	}
}

// NewProviderStore creates an empty provider store.
func NewProviderStore(opts ...ProviderStoreOption) (*ProviderStore, error) {
	s := &ProviderStore{
		byIssuer: make(map[string]NamedValidator),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// AddProvider registers a validator for an issuer URL under a provider name.
func (s *ProviderStore) AddProvider(name, issuerURL string, v Validator) *ProviderStore {
	nv := NamedValidator{Name: name, Validator: v}
	s.byIssuer[strings.TrimSuffix(issuerURL, "/")] = nv
	s.validators = append(s.validators, nv)
	return s
}

// Validate implements the Store interface. The credential must carry a
// JWT-shaped token whose issuer claim selects the provider.
func (s *ProviderStore) Validate(ctx context.Context, credential Credential) (*Result, error) {
	var tokenString string
	switch cred := credential.(type) {
	case *OIDCCredential:
		tokenString = cred.Token
	case *JWTCredential:
		tokenString = cred.Token
	case *BearerCredential:
		tokenString = cred.Token
	default:
		return nil, fmt.Errorf("unsupported credential type for provider store: %T", credential)
	}

	// Unverified parse for routing only
	parsed, err := jwt.Parse([]byte(tokenString), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	issuer, ok := parsed.Issuer()
	if !ok || issuer == "" {
		return nil, fmt.Errorf("%w: missing issuer claim", ErrInvalidToken)
	}

	nv, ok := s.byIssuer[strings.TrimSuffix(issuer, "/")]
	if !ok {
		return nil, fmt.Errorf("%w: no identity provider registered for issuer %q", ErrUntrustedIssuer, issuer)
	}

	return nv.Validator.Validate(ctx, credential)
}

// ForActor implements the Store interface. Returns a store containing only
// the providers the actor is allowed to route tokens to.
func (s *ProviderStore) ForActor(ctx context.Context, actor *Result, requestAttrs *request.RequestAttributes) (Store, error) {
	if actor == nil {
		return nil, fmt.Errorf("actor cannot be nil")
	}

	if s.filter == nil {
		return s, nil
	}

	filtered := &ProviderStore{
		byIssuer: make(map[string]NamedValidator),
		filter:   s.filter,
	}

	for issuer, nv := range s.byIssuer {
		allowed, err := s.filter.IsAllowed(actor, nv.Name, requestAttrs)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate filter for provider %s: %w", nv.Name, err)
		}
		if allowed {
			filtered.byIssuer[issuer] = nv
			filtered.validators = append(filtered.validators, nv)
		}
	}

	return filtered, nil
}

// Validators returns all registered validators.
func (s *ProviderStore) Validators() []NamedValidator {
	return s.validators
}
