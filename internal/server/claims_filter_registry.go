package server

import (
	"github.com/crossfed-io/crossfed/internal/claims"
	"github.com/crossfed-io/crossfed/internal/trust"
)

// ClaimsFilterRegistry decides which request_context claims an actor may
// supply on an exchange. Different actors are trusted to assert different
// aspects of a request; an edge proxy may assert client IPs, an internal
// batch runner may not.
type ClaimsFilterRegistry interface {
	// GetFilter returns the filter applied to the actor's request_context
	// claims.
	GetFilter(actor *trust.Result) (claims.ClaimsFilter, error)
}

// StubClaimsFilterRegistry returns the same filter for every actor. Used in
// tests and single-tenant deployments.
type StubClaimsFilterRegistry struct {
	filter claims.ClaimsFilter
}

// NewStubClaimsFilterRegistry creates a registry that passes all claims
// through.
func NewStubClaimsFilterRegistry() *StubClaimsFilterRegistry {
	return &StubClaimsFilterRegistry{
		filter: &claims.PassthroughClaimsFilter{},
	}
}

// NewStubClaimsFilterRegistryWithFilter creates a registry that always
// returns the given filter.
func NewStubClaimsFilterRegistryWithFilter(filter claims.ClaimsFilter) *StubClaimsFilterRegistry {
	return &StubClaimsFilterRegistry{filter: filter}
}

// GetFilter implements ClaimsFilterRegistry.
func (r *StubClaimsFilterRegistry) GetFilter(actor *trust.Result) (claims.ClaimsFilter, error) {
	return r.filter, nil
}
