package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCache(t *testing.T) {
	config := LocalConfig{
		MaxSize:           100,
		DefaultExpiration: 5 * time.Minute,
	}

	cache := NewLocalCache(config)
	defer cache.Close()

	ctx := context.Background()

	t.Run("Set and Get", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "test_key", []byte("test_value"), time.Minute))

		retrieved, exists := cache.Get(ctx, "test_key")
		require.True(t, exists)
		assert.Equal(t, "test_value", string(retrieved))
	})

	t.Run("entry expiration", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "short", []byte("x"), 20*time.Millisecond))
		assert.True(t, cache.Exists(ctx, "short"))
		time.Sleep(40 * time.Millisecond)
		assert.False(t, cache.Exists(ctx, "short"))
	})

	t.Run("SetNX", func(t *testing.T) {
		ok, err := cache.SetNX(ctx, "once", []byte("1"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = cache.SetNX(ctx, "once", []byte("2"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		v, _ := cache.Get(ctx, "once")
		assert.Equal(t, "1", string(v))
	})

	t.Run("Delete and Clear", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "a", []byte("1"), 0))
		require.NoError(t, cache.Set(ctx, "b", []byte("2"), 0))
		require.NoError(t, cache.Delete(ctx, "a"))
		assert.False(t, cache.Exists(ctx, "a"))
		require.NoError(t, cache.Clear(ctx))
		assert.False(t, cache.Exists(ctx, "b"))
	})
}

func TestLocalCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewLocalCache(LocalConfig{MaxSize: 2, DefaultExpiration: time.Minute})
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, cache.Set(ctx, "b", []byte("2"), 0))
	_, _ = cache.Get(ctx, "a")
	require.NoError(t, cache.Set(ctx, "c", []byte("3"), 0))

	assert.True(t, cache.Exists(ctx, "a"))
	assert.False(t, cache.Exists(ctx, "b"))
	assert.True(t, cache.Exists(ctx, "c"))
}

func TestGoCache(t *testing.T) {
	cache := NewGoCache(LocalConfig{DefaultExpiration: time.Minute, CleanupInterval: time.Minute})
	ctx := context.Background()

	ok, err := cache.SetNX(ctx, "k", []byte("v"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.SetNX(ctx, "k", []byte("w"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	v, found := cache.Get(ctx, "k")
	require.True(t, found)
	assert.Equal(t, "v", string(v))
}

func TestLayeredCacheBackfillsLocal(t *testing.T) {
	local := NewLocalCache(LocalConfig{MaxSize: 10, DefaultExpiration: time.Minute})
	remote := NewGoCache(LocalConfig{DefaultExpiration: time.Minute})
	layered := NewLayered(local, remote, time.Minute)
	ctx := context.Background()

	require.NoError(t, remote.Set(ctx, "k", []byte("remote"), 0))
	assert.False(t, local.Exists(ctx, "k"))

	v, ok := layered.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "remote", string(v))
	assert.True(t, local.Exists(ctx, "k"))

	require.NoError(t, layered.Delete(ctx, "k"))
	assert.False(t, layered.Exists(ctx, "k"))
}

func TestJSONHelpers(t *testing.T) {
	cache := NewLocalCache(LocalConfig{})
	ctx := context.Background()

	type payload struct {
		Total int `json:"total"`
	}
	require.NoError(t, SetJSON(ctx, cache, "p", payload{Total: 3}, time.Minute))

	var out payload
	require.True(t, GetJSON(ctx, cache, "p", &out))
	assert.Equal(t, 3, out.Total)

	assert.False(t, GetJSON(ctx, cache, "missing", &out))
}

func TestNewCacheRejectsUnknownType(t *testing.T) {
	_, err := NewCache(Config{Type: "memcached"})
	assert.Error(t, err)
}
