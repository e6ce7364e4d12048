package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/config"
)

// RedisCache tests need a running Redis instance and are skipped unless
// TEST_REDIS=true. MemoryCache and ResponseCache tests always run.

func skipIfNoRedis(t *testing.T) {
	t.Helper()
	if os.Getenv("TEST_REDIS") != "true" {
		t.Skip("Skipping: TEST_REDIS not set")
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func testRedisConfig() *config.RedisConfig {
	return &config.RedisConfig{
		Host:     getEnvOrDefault("REDIS_HOST", "localhost"),
		Port:     6379,
		Password: getEnvOrDefault("REDIS_PASSWORD", ""),
		DB:       0,
		PoolSize: 10,
	}
}

func newTestRedisCache(t *testing.T) *RedisCache {
	t.Helper()
	skipIfNoRedis(t)

	ctx := context.Background()
	cache, err := NewRedisCache(ctx, testRedisConfig())
	require.NoError(t, err)

	t.Cleanup(func() {
		client := cache.Client()
		iter := client.Scan(ctx, 0, "edgegate-test:*", 0).Iterator()
		for iter.Next(ctx) {
			_ = client.Del(ctx, iter.Val())
		}
		_ = cache.Close()
	})

	return cache
}

func TestNewRedisCache_InvalidHost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := &config.RedisConfig{
		Host:     "invalid-host-that-does-not-exist",
		Port:     6379,
		PoolSize: 1,
	}

	_, err := NewRedisCache(ctx, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestRedisCache_SetAndGet(t *testing.T) {
	cache := newTestRedisCache(t)
	ctx := context.Background()

	t.Run("set and get value", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "edgegate-test:greeting", []byte("hello"), time.Minute))

		got, err := cache.Get(ctx, "edgegate-test:greeting")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), got)
	})

	t.Run("get non-existent key", func(t *testing.T) {
		_, err := cache.Get(ctx, "edgegate-test:absent")
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("set with TTL expiry", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "edgegate-test:brief", []byte("z"), 100*time.Millisecond))

		got, err := cache.Get(ctx, "edgegate-test:brief")
		require.NoError(t, err)
		assert.Equal(t, []byte("z"), got)

		time.Sleep(200 * time.Millisecond)

		_, err = cache.Get(ctx, "edgegate-test:brief")
		assert.ErrorIs(t, err, ErrCacheMiss)
	})
}

func TestRedisCache_Delete(t *testing.T) {
	cache := newTestRedisCache(t)
	ctx := context.Background()

	t.Run("delete existing key", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "edgegate-test:gone", []byte("x"), time.Minute))
		require.NoError(t, cache.Delete(ctx, "edgegate-test:gone"))

		_, err := cache.Get(ctx, "edgegate-test:gone")
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("delete non-existent key is not an error", func(t *testing.T) {
		assert.NoError(t, cache.Delete(ctx, "edgegate-test:absent"))
	})
}

func TestRedisCache_Exists(t *testing.T) {
	cache := newTestRedisCache(t)
	ctx := context.Background()

	exists, err := cache.Exists(ctx, "edgegate-test:maybe")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, cache.Set(ctx, "edgegate-test:maybe", []byte("y"), time.Minute))

	exists, err = cache.Exists(ctx, "edgegate-test:maybe")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRedisCache_Ping(t *testing.T) {
	cache := newTestRedisCache(t)
	assert.NoError(t, cache.Ping(context.Background()))
}
