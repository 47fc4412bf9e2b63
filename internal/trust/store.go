package trust

import (
	"context"

	"github.com/crossfed-io/crossfed/internal/request"
)

// Store routes credentials to validators. Implementations decide which
// validator handles a credential, typically by credential type or by the
// issuer embedded in it.
type Store interface {
	// Validate picks a validator for the credential and runs it.
	Validate(ctx context.Context, credential Credential) (*Result, error)

	// ForActor narrows the store to the validators the given actor may use.
	// requestAttrs carries request context (path, headers, envoy context
	// extensions) for the filtering decision.
	ForActor(ctx context.Context, actor *Result, requestAttrs *request.RequestAttributes) (Store, error)
}
