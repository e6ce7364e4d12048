package keystore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/edgegate/edgegate/internal/cache"
)

const keyCachePrefix = "apikey:"

// CachedStore wraps a Store with a read cache so hot keys skip the inner
// store on most requests. Cache failures of any kind fall back to the
// inner store; entries go stale for at most the configured TTL after an
// out-of-band change to the underlying record.
type CachedStore struct {
	inner Store
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedStore creates a caching layer over inner. A non-positive ttl
// defaults to one minute. The cache's lifecycle stays with the caller;
// Close closes only the inner store.
func NewCachedStore(inner Store, c cache.Cache, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedStore{
		inner: inner,
		cache: c,
		ttl:   ttl,
	}
}

// Validate returns the record for an API key, checking the cache first.
// Only known keys are cached; unknown keys hit the inner store every time.
func (s *CachedStore) Validate(ctx context.Context, key string) (*APIKey, error) {
	cacheKey := keyCachePrefix + key

	if data, err := s.cache.Get(ctx, cacheKey); err == nil {
		var k APIKey
		if err := json.Unmarshal(data, &k); err == nil {
			return &k, nil
		}
		// Undecodable entry; drop it and resolve through the inner store.
		_ = s.cache.Delete(ctx, cacheKey)
	}

	k, err := s.inner.Validate(ctx, key)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(k); err == nil {
		_ = s.cache.Set(ctx, cacheKey, data, s.ttl)
	}

	return k, nil
}

// HealthCheck verifies the inner store is healthy. The cache is an
// optimization, so its health does not gate the store's.
func (s *CachedStore) HealthCheck(ctx context.Context) error {
	return s.inner.HealthCheck(ctx)
}

// Close closes the inner store.
func (s *CachedStore) Close() error {
	return s.inner.Close()
}
