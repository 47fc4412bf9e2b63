package service

import (
	"context"

	"github.com/crossfed-io/crossfed/internal/claims"
	"github.com/crossfed-io/crossfed/internal/request"
	"github.com/crossfed-io/crossfed/internal/trust"
)

// ClaimMapper shapes the claims carried into an issued session credential.
// Mappers are where deployment policy lives: what identity and context data a
// session discloses.
type ClaimMapper interface {
	// Map produces claims for the input. Nil means nothing to contribute.
	Map(ctx context.Context, input *MapperInput) (claims.Claims, error)
}

// MapperInput is everything a claim mapper may draw on.
type MapperInput struct {
	// Subject is the validated workload identity.
	Subject *trust.Result

	// Actor is the validated identity of the requesting client, when one
	// was presented.
	Actor *trust.Result

	// RequestAttributes describe the exchange request.
	RequestAttributes *request.RequestAttributes

	// DataSourceRegistry lets mappers fetch lazily; only referenced sources
	// are hit.
	DataSourceRegistry *DataSourceRegistry

	// DataSourceInput is passed through to any data source fetch.
	DataSourceInput *DataSourceInput
}
