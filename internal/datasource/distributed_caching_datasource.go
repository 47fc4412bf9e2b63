package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang/groupcache"

	"github.com/crossfed-io/crossfed/internal/service"
)

// DistributedCachingDataSource shares a Cacheable data source's results
// across servers through groupcache. The peer pool must be set up before
// sources are created; see the groupcache documentation.
type DistributedCachingDataSource struct {
	source    service.DataSource
	cacheable service.Cacheable
	group     *groupcache.Group
}

// DistributedCachingConfig configures distributed caching.
type DistributedCachingConfig struct {
	// GroupName names the groupcache group; must be unique per data source.
	GroupName string

	// CacheSizeBytes caps the cache. Zero means 64MB.
	CacheSizeBytes int64
}

// NewDistributedCachingDataSource wraps source with groupcache. A source
// that does not implement Cacheable is returned unchanged.
func NewDistributedCachingDataSource(source service.DataSource, config DistributedCachingConfig) service.DataSource {
	cacheable, ok := source.(service.Cacheable)
	if !ok {
		return source
	}

	if config.GroupName == "" {
		config.GroupName = "datasource:" + source.Name()
	}
	if config.CacheSizeBytes == 0 {
		config.CacheSizeBytes = 64 << 20
	}

	// The getter runs on whichever peer owns the key, so everything it
	// needs must be recoverable from the key itself.
	getter := groupcache.GetterFunc(func(ctx context.Context, key string, dest groupcache.Sink) error {
		inputJSON := stripTTLSuffix(key)

		maskedInput, err := DeserializeInputFromJSON(inputJSON)
		if err != nil {
			return fmt.Errorf("failed to deserialize cache key: %w", err)
		}

		// The Cacheable contract guarantees the masked input is enough to
		// fetch with
		result, err := source.Fetch(ctx, maskedInput)
		if err != nil {
			return fmt.Errorf("data source fetch failed: %w", err)
		}
		if result == nil {
			return fmt.Errorf("data source returned nil result")
		}

		entryBytes, err := json.Marshal(cachedEntry{
			Data:        result.Data,
			ContentType: result.ContentType,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal cache entry: %w", err)
		}

		return dest.SetBytes(entryBytes)
	})

	return &DistributedCachingDataSource{
		source:    source,
		cacheable: cacheable,
		group:     groupcache.NewGroup(config.GroupName, config.CacheSizeBytes, getter),
	}
}

// cachedEntry carries result bytes plus content type through the cache.
type cachedEntry struct {
	Data        []byte                        `json:"data"`
	ContentType service.DataSourceContentType `json:"content_type"`
}

// Name forwards to the wrapped source.
func (c *DistributedCachingDataSource) Name() string {
	return c.source.Name()
}

// Fetch resolves through groupcache; the getter fires on a miss, possibly on
// a peer.
func (c *DistributedCachingDataSource) Fetch(ctx context.Context, input *service.DataSourceInput) (*service.DataSourceResult, error) {
	maskedInput := c.cacheable.CacheKey(input)

	// The key must round-trip to an input on the peer, hence JSON rather
	// than a hash
	cacheKeyStr, err := SerializeInputToJSON(&maskedInput)
	if err != nil {
		return c.source.Fetch(ctx, input)
	}

	// groupcache has no TTL; expiry comes from folding a rounded timestamp
	// into the key, so entries fall out of use as intervals roll over
	ttl := c.cacheable.CacheTTL()
	if ttl > 0 {
		roundedTimestamp := roundTimestampToInterval(time.Now(), ttl)
		cacheKeyStr = fmt.Sprintf("%s:ttl:%d", cacheKeyStr, roundedTimestamp.Unix())
	}

	var cachedBytes []byte
	err = c.group.Get(ctx, cacheKeyStr, groupcache.AllocatingByteSliceSink(&cachedBytes))
	if err != nil {
		return nil, fmt.Errorf("groupcache fetch failed: %w", err)
	}

	var entry cachedEntry
	if err := json.Unmarshal(cachedBytes, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached entry: %w", err)
	}

	return &service.DataSourceResult{
		Data:        entry.Data,
		ContentType: entry.ContentType,
	}, nil
}

// roundTimestampToInterval floors a timestamp to an interval boundary. With
// a 5-minute TTL, 10:02:30 and 10:04:59 share a boundary (10:00:00) and
// 10:05:00 starts a new one.
func roundTimestampToInterval(t time.Time, interval time.Duration) time.Time {
	unixNano := t.UnixNano()
	intervalNano := interval.Nanoseconds()
	roundedNano := (unixNano / intervalNano) * intervalNano
	return time.Unix(0, roundedNano)
}

// stripTTLSuffix drops the ":ttl:<unix>" suffix appended by Fetch, leaving
// the JSON input portion of the key.
func stripTTLSuffix(key string) string {
	const ttlMarker = ":ttl:"
	if idx := strings.Index(key, ttlMarker); idx >= 0 {
		return key[:idx]
	}
	return key
}

// SerializeInputToJSON serializes an input to a reversible JSON cache key.
func SerializeInputToJSON(input *service.DataSourceInput) (string, error) {
	jsonBytes, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to marshal input to JSON: %w", err)
	}
	return string(jsonBytes), nil
}

// DeserializeInputFromJSON recovers the input from a JSON cache key on the
// fetching peer.
func DeserializeInputFromJSON(key string) (*service.DataSourceInput, error) {
	var input service.DataSourceInput
	if err := json.Unmarshal([]byte(key), &input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to input: %w", err)
	}
	return &input, nil
}
