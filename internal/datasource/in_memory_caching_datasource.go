package datasource

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/crossfed-io/crossfed/internal/clock"
	"github.com/crossfed-io/crossfed/internal/service"
)

// InMemoryCachingDataSource caches a Cacheable data source's results in a
// process-local map. It implements service.DataSource but deliberately not
// Cacheable, so caching layers never stack.
type InMemoryCachingDataSource struct {
	source    service.DataSource
	cacheable service.Cacheable
	clock     clock.Clock
	mu        sync.RWMutex
	entries   map[string]*cacheEntry
}

type cacheEntry struct {
	result    *service.DataSourceResult
	expiresAt time.Time
}

// InMemoryCachingDataSourceOption configures an InMemoryCachingDataSource.
type InMemoryCachingDataSourceOption func(*InMemoryCachingDataSource)

// WithClock sets the clock used for expiry decisions.
func WithClock(clk clock.Clock) InMemoryCachingDataSourceOption {
	return func(ds *InMemoryCachingDataSource) {
		ds.clock = clk
	}
}

// NewInMemoryCachingDataSource wraps source with in-memory caching. A source
// that does not implement Cacheable is returned unchanged.
func NewInMemoryCachingDataSource(source service.DataSource, opts ...InMemoryCachingDataSourceOption) service.DataSource {
	cacheable, ok := source.(service.Cacheable)
	if !ok {
		return source
	}

	ds := &InMemoryCachingDataSource{
		source:    source,
		cacheable: cacheable,
		clock:     clock.NewSystemClock(),
		entries:   make(map[string]*cacheEntry),
	}

	for _, opt := range opts {
		opt(ds)
	}

	return ds
}

// Name forwards to the wrapped source.
func (c *InMemoryCachingDataSource) Name() string {
	return c.source.Name()
}

// Fetch serves from cache when a live entry exists, otherwise fetches from
// the source and stores the result under the masked-input key.
func (c *InMemoryCachingDataSource) Fetch(ctx context.Context, input *service.DataSourceInput) (*service.DataSourceResult, error) {
	maskedInput := c.cacheable.CacheKey(input)

	cacheKeyStr, err := serializeInput(&maskedInput)
	if err != nil {
		// An unserializable key means no caching, not a failed fetch
		return c.source.Fetch(ctx, input)
	}

	c.mu.RLock()
	entry, found := c.entries[cacheKeyStr]
	c.mu.RUnlock()

	if found {
		if entry.expiresAt.IsZero() || c.clock.Now().Before(entry.expiresAt) {
			return entry.result, nil
		}
		c.mu.Lock()
		delete(c.entries, cacheKeyStr)
		c.mu.Unlock()
	}

	// Fetch with the full input; the masked copy is only the key
	result, err := c.source.Fetch(ctx, input)
	if err != nil {
		return nil, err
	}

	if result != nil {
		ttl := c.cacheable.CacheTTL()
		var expiresAt time.Time
		if ttl > 0 {
			expiresAt = c.clock.Now().Add(ttl)
		}

		c.mu.Lock()
		c.entries[cacheKeyStr] = &cacheEntry{
			result:    result,
			expiresAt: expiresAt,
		}
		c.mu.Unlock()
	}

	return result, nil
}

// Cleanup evicts expired entries. Call periodically; Fetch only evicts the
// entries it happens to touch.
func (c *InMemoryCachingDataSource) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for key, entry := range c.entries {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// Size returns the number of cached entries.
func (c *InMemoryCachingDataSource) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// serializeInput derives a deterministic fixed-size key from a masked input:
// JSON for stable field ordering, then a SHA-256 of the bytes.
func serializeInput(input *service.DataSourceInput) (string, error) {
	keyBytes, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to serialize input: %w", err)
	}

	hash := sha256.Sum256(keyBytes)
	return fmt.Sprintf("%x", hash), nil
}
