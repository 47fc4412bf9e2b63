package datasource

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/crossfed-io/crossfed/internal/clock"
	"github.com/crossfed-io/crossfed/internal/service"
	"github.com/crossfed-io/crossfed/internal/trust"
)

// countingCacheableSource counts fetches and masks its cache key down to the
// subject.
type countingCacheableSource struct {
	name       string
	fetchCount int
	ttl        time.Duration
}

func (m *countingCacheableSource) Name() string {
	return m.name
}

func (m *countingCacheableSource) Fetch(ctx context.Context, input *service.DataSourceInput) (*service.DataSourceResult, error) {
	m.fetchCount++
	return &service.DataSourceResult{
		Data:        []byte(fmt.Sprintf(`{"fetch_count":%d}`, m.fetchCount)),
		ContentType: service.ContentTypeJSON,
	}, nil
}

func (m *countingCacheableSource) CacheKey(input *service.DataSourceInput) service.DataSourceInput {
	masked := service.DataSourceInput{}
	if input.Subject != nil {
		masked.Subject = &trust.Result{
			Subject: input.Subject.Subject,
		}
	}
	return masked
}

func (m *countingCacheableSource) CacheTTL() time.Duration {
	return m.ttl
}

// countingPlainSource does not implement Cacheable.
type countingPlainSource struct {
	name       string
	fetchCount int
}

func (m *countingPlainSource) Name() string {
	return m.name
}

func (m *countingPlainSource) Fetch(ctx context.Context, input *service.DataSourceInput) (*service.DataSourceResult, error) {
	m.fetchCount++
	return &service.DataSourceResult{
		Data:        []byte(fmt.Sprintf(`{"fetch_count":%d}`, m.fetchCount)),
		ContentType: service.ContentTypeJSON,
	}, nil
}

func TestInMemoryCachingDataSource(t *testing.T) {
	ctx := context.Background()

	t.Run("caches results for cacheable source", func(t *testing.T) {
		source := &countingCacheableSource{
			name: "inventory",
			ttl:  1 * time.Hour,
		}

		cached := NewInMemoryCachingDataSource(source)

		input := &service.DataSourceInput{
			Subject: &trust.Result{
				Subject: "system:serviceaccount:dns:updater",
			},
		}

		result1, err := cached.Fetch(ctx, input)
		if err != nil {
			t.Fatalf("first fetch failed: %v", err)
		}
		if string(result1.Data) != `{"fetch_count":1}` {
			t.Errorf("expected fetch_count 1, got %s", result1.Data)
		}
		if source.fetchCount != 1 {
			t.Errorf("expected 1 fetch, got %d", source.fetchCount)
		}

		// Same input again must hit the cache
		result2, err := cached.Fetch(ctx, input)
		if err != nil {
			t.Fatalf("second fetch failed: %v", err)
		}
		if string(result2.Data) != `{"fetch_count":1}` {
			t.Errorf("expected cached fetch_count 1, got %s", result2.Data)
		}
		if source.fetchCount != 1 {
			t.Errorf("expected still 1 fetch (cached), got %d", source.fetchCount)
		}
	})

	t.Run("respects TTL expiration", func(t *testing.T) {
		clk := clock.NewFixtureClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))

		source := &countingCacheableSource{
			name: "inventory",
			ttl:  50 * time.Millisecond,
		}

		cached := NewInMemoryCachingDataSource(source, WithClock(clk))

		input := &service.DataSourceInput{
			Subject: &trust.Result{
				Subject: "system:serviceaccount:dns:updater",
			},
		}

		_, err := cached.Fetch(ctx, input)
		if err != nil {
			t.Fatalf("first fetch failed: %v", err)
		}
		if source.fetchCount != 1 {
			t.Errorf("expected 1 fetch, got %d", source.fetchCount)
		}

		clk.Advance(100 * time.Millisecond)

		_, err = cached.Fetch(ctx, input)
		if err != nil {
			t.Fatalf("second fetch failed: %v", err)
		}
		if source.fetchCount != 2 {
			t.Errorf("expected 2 fetches (cache expired), got %d", source.fetchCount)
		}
	})

	t.Run("different cache keys result in different cache entries", func(t *testing.T) {
		source := &countingCacheableSource{
			name: "inventory",
			ttl:  1 * time.Hour,
		}

		cached := NewInMemoryCachingDataSource(source)

		input1 := &service.DataSourceInput{
			Subject: &trust.Result{
				Subject: "system:serviceaccount:dns:updater",
			},
		}

		input2 := &service.DataSourceInput{
			Subject: &trust.Result{
				Subject: "system:serviceaccount:dns:reader",
			},
		}

		_, err := cached.Fetch(ctx, input1)
		if err != nil {
			t.Fatalf("fetch for updater failed: %v", err)
		}

		_, err = cached.Fetch(ctx, input2)
		if err != nil {
			t.Fatalf("fetch for reader failed: %v", err)
		}

		if source.fetchCount != 2 {
			t.Errorf("expected 2 fetches (different keys), got %d", source.fetchCount)
		}
	})

	t.Run("returns non-cacheable source as-is", func(t *testing.T) {
		source := &countingPlainSource{
			name: "non-cacheable",
		}

		wrapped := NewInMemoryCachingDataSource(source)

		if wrapped != source {
			t.Error("expected non-cacheable source to be returned as-is")
		}
	})

	t.Run("cleanup removes expired entries", func(t *testing.T) {
		clk := clock.NewFixtureClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))

		source := &countingCacheableSource{
			name: "inventory",
			ttl:  50 * time.Millisecond,
		}

		cached := NewInMemoryCachingDataSource(source, WithClock(clk)).(*InMemoryCachingDataSource)

		input := &service.DataSourceInput{
			Subject: &trust.Result{
				Subject: "system:serviceaccount:dns:updater",
			},
		}

		_, _ = cached.Fetch(ctx, input)

		if cached.Size() != 1 {
			t.Errorf("expected cache size 1, got %d", cached.Size())
		}

		clk.Advance(100 * time.Millisecond)

		cached.Cleanup()

		if cached.Size() != 0 {
			t.Errorf("expected cache size 0 after cleanup, got %d", cached.Size())
		}
	})
}
