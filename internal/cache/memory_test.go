package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryCache(t *testing.T) *MemoryCache {
	t.Helper()
	cache := NewMemoryCache()
	t.Cleanup(func() {
		_ = cache.Close()
	})
	return cache
}

func TestMemoryCache_SetAndGet(t *testing.T) {
	cache := newTestMemoryCache(t)
	ctx := context.Background()

	t.Run("set and get value", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "greeting", []byte("hello"), time.Minute))

		got, err := cache.Get(ctx, "greeting")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), got)
	})

	t.Run("get non-existent key", func(t *testing.T) {
		_, err := cache.Get(ctx, "absent")
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("zero TTL never expires", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "forever", []byte("v"), 0))

		got, err := cache.Get(ctx, "forever")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), got)
	})

	t.Run("overwrite replaces value", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "k", []byte("one"), time.Minute))
		require.NoError(t, cache.Set(ctx, "k", []byte("two"), time.Minute))

		got, err := cache.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), got)
	})
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	cache := newTestMemoryCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "brief", []byte("z"), 50*time.Millisecond))

	got, err := cache.Get(ctx, "brief")
	require.NoError(t, err)
	assert.Equal(t, []byte("z"), got)

	time.Sleep(100 * time.Millisecond)

	_, err = cache.Get(ctx, "brief")
	assert.ErrorIs(t, err, ErrCacheMiss)

	exists, err := cache.Exists(ctx, "brief")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryCache_StoredBytesAreIsolated(t *testing.T) {
	cache := newTestMemoryCache(t)
	ctx := context.Background()

	original := []byte("pristine")
	require.NoError(t, cache.Set(ctx, "iso", original, time.Minute))

	// Mutating the slice passed to Set must not affect the stored value.
	original[0] = 'X'

	got, err := cache.Get(ctx, "iso")
	require.NoError(t, err)
	assert.Equal(t, []byte("pristine"), got)

	// Mutating the slice returned by Get must not affect later reads.
	got[0] = 'Y'

	again, err := cache.Get(ctx, "iso")
	require.NoError(t, err)
	assert.Equal(t, []byte("pristine"), again)
}

func TestMemoryCache_Delete(t *testing.T) {
	cache := newTestMemoryCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "gone", []byte("x"), time.Minute))
	require.NoError(t, cache.Delete(ctx, "gone"))

	_, err := cache.Get(ctx, "gone")
	assert.ErrorIs(t, err, ErrCacheMiss)

	assert.NoError(t, cache.Delete(ctx, "absent"))
}

func TestMemoryCache_Exists(t *testing.T) {
	cache := newTestMemoryCache(t)
	ctx := context.Background()

	exists, err := cache.Exists(ctx, "maybe")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, cache.Set(ctx, "maybe", []byte("y"), time.Minute))

	exists, err = cache.Exists(ctx, "maybe")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMemoryCache_ContextCancellation(t *testing.T) {
	cache := newTestMemoryCache(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cache.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)

	err = cache.Set(ctx, "k", []byte("v"), time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryCache_CloseIsIdempotent(t *testing.T) {
	cache := NewMemoryCache()
	assert.NoError(t, cache.Close())
	assert.NoError(t, cache.Close())
}
