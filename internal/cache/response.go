package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ResponseCacher defines the interface for upstream response caching.
// This interface enables easy mocking in tests.
type ResponseCacher interface {
	Get(ctx context.Context, path, query string) (*CachedResponse, error)
	Set(ctx context.Context, path, query string, resp *CachedResponse, ttl time.Duration) error
	Delete(ctx context.Context, path, query string) error
	Ping(ctx context.Context) error
}

// Ensure ResponseCache implements ResponseCacher
var _ ResponseCacher = (*ResponseCache)(nil)

// CachedResponse is an upstream response stored for replay. Only
// successful GET responses are cached; the engine decides when.
type CachedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	CachedAt time.Time   `json:"cached_at"`
}

// ResponseCache stores serialized upstream responses keyed by request
// path and query.
type ResponseCache struct {
	cache     Cache
	keyPrefix string
}

// NewResponseCache creates a response cache on top of the given Cache.
func NewResponseCache(cache Cache, keyPrefix string) *ResponseCache {
	if keyPrefix == "" {
		keyPrefix = "resp:"
	}
	return &ResponseCache{
		cache:     cache,
		keyPrefix: keyPrefix,
	}
}

// Get retrieves a cached response for the path and query.
func (c *ResponseCache) Get(ctx context.Context, path, query string) (*CachedResponse, error) {
	data, err := c.cache.Get(ctx, c.key(path, query))
	if err != nil {
		return nil, err
	}

	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached response: %w", err)
	}
	return &resp, nil
}

// Set stores a response. A non-positive TTL disables caching rather than
// storing forever.
func (c *ResponseCache) Set(ctx context.Context, path, query string, resp *CachedResponse, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	return c.cache.Set(ctx, c.key(path, query), data, ttl)
}

// Delete removes a cached response.
func (c *ResponseCache) Delete(ctx context.Context, path, query string) error {
	return c.cache.Delete(ctx, c.key(path, query))
}

// Ping checks if the underlying cache is healthy.
func (c *ResponseCache) Ping(ctx context.Context) error {
	return c.cache.Ping(ctx)
}

func (c *ResponseCache) key(path, query string) string {
	if query == "" {
		return c.keyPrefix + path
	}
	return c.keyPrefix + path + "?" + query
}
