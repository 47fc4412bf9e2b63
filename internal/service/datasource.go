package service

import (
	"context"
	"time"

	"github.com/crossfed-io/crossfed/internal/request"
	"github.com/crossfed-io/crossfed/internal/trust"
)

// DataSource enriches role sessions with data from outside the exchange
// request, e.g. a workload inventory API or an ownership database.
type DataSource interface {
	// Name identifies this data source; it is the registry lookup key and
	// the argument mappers pass to datasource().
	Name() string

	// Fetch retrieves data for the input. Results stay serialized so a
	// source proxying a JSON API can hand bytes through untouched.
	//
	// A nil result with nil error means the source has nothing to
	// contribute. A non-nil error fails the exchange.
	Fetch(ctx context.Context, input *DataSourceInput) (*DataSourceResult, error)
}

// Cacheable marks a data source whose results may be cached.
type Cacheable interface {
	// CacheKey returns a masked copy of the input holding only the fields
	// that affect the result. The copy is both the cache key (after
	// serialization) and the input used to Fetch on a miss, so it must be
	// sufficient to call Fetch. Zero out fields that don't influence the
	// result to keep keys small.
	CacheKey(input *DataSourceInput) DataSourceInput

	// CacheTTL hints how long entries may live. Entries last at MOST this
	// long; zero disables TTL-based expiration.
	CacheTTL() time.Duration
}

// DataSourceContentType identifies the serialization of a result.
type DataSourceContentType string

const (
	// ContentTypeJSON marks JSON-encoded result data.
	ContentTypeJSON DataSourceContentType = "application/json"
)

// DataSourceResult is the serialized output of a fetch.
type DataSourceResult struct {
	// Data is the serialized payload.
	Data []byte

	// ContentType says how to deserialize Data.
	ContentType DataSourceContentType
}

// DataSourceInput carries the exchange context a data source may key on.
// All fields are JSON-serializable; caching layers serialize the masked
// input as the cache key.
type DataSourceInput struct {
	// Subject is the validated workload identity.
	Subject *trust.Result `json:"subject,omitempty"`

	// Actor is the validated identity of the requesting client, when one
	// was presented.
	Actor *trust.Result `json:"actor,omitempty"`

	// RequestAttributes describe the exchange request itself.
	RequestAttributes *request.RequestAttributes `json:"request_attributes,omitempty"`
}

// DataSourceRegistry stores data sources by name.
type DataSourceRegistry struct {
	sources map[string]DataSource
}

// NewDataSourceRegistry creates an empty registry.
func NewDataSourceRegistry() *DataSourceRegistry {
	return &DataSourceRegistry{
		sources: make(map[string]DataSource),
	}
}

// Register adds a data source under its own name.
func (r *DataSourceRegistry) Register(source DataSource) {
	r.sources[source.Name()] = source
}

// Get returns the named data source, or nil if not registered.
func (r *DataSourceRegistry) Get(name string) DataSource {
	return r.sources[name]
}

// Names lists all registered data source names.
func (r *DataSourceRegistry) Names() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	return names
}
