package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_BasicSetGet(t *testing.T) {
	c := NewLRU[string, string](100, time.Minute)

	t.Run("set and get returns value", func(t *testing.T) {
		c.Set("k", "v", 0)
		got, ok := c.Get("k")
		require.True(t, ok)
		assert.Equal(t, "v", got)
	})

	t.Run("get non-existent key returns false", func(t *testing.T) {
		_, ok := c.Get("missing")
		assert.False(t, ok)
	})

	t.Run("update existing key", func(t *testing.T) {
		c.Set("k2", "v1", 0)
		c.Set("k2", "v2", 0)
		got, ok := c.Get("k2")
		require.True(t, ok)
		assert.Equal(t, "v2", got)
	})
}

func TestLRU_Expiry(t *testing.T) {
	c := NewLRU[string, int](10, time.Minute)

	c.Set("short", 1, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("short")
	assert.False(t, ok, "expired entry should be gone")

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, c.CleanupExpired())
	assert.Equal(t, 1, c.Size())
}

func TestLRU_EvictsOldest(t *testing.T) {
	c := NewLRU[string, int](3, time.Minute)

	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, 0)
	}
	// Touch k0 so k1 becomes the eviction candidate.
	_, ok := c.Get("k0")
	require.True(t, ok)

	c.Set("k3", 3, 0)

	_, ok = c.Get("k1")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get("k0")
	assert.True(t, ok)
	assert.Equal(t, 3, c.Size())
}

func TestRows_CopiesOnReadAndWrite(t *testing.T) {
	r := NewRows(Config{MaxRows: 16, TTL: time.Minute, CleanupInterval: time.Minute})
	defer r.Close()

	original := map[string]any{"phase": "greeting"}
	r.Put("conversations", "c1", original)

	// Mutating the caller's map must not leak into the cache.
	original["phase"] = "ended"
	got, ok := r.Get("conversations", "c1")
	require.True(t, ok)
	assert.Equal(t, "greeting", got["phase"])

	// Mutating a read copy must not leak either.
	got["phase"] = "closing"
	again, ok := r.Get("conversations", "c1")
	require.True(t, ok)
	assert.Equal(t, "greeting", again["phase"])
}

func TestRows_RemoveAndEmptyKey(t *testing.T) {
	r := NewRows(Config{MaxRows: 16, TTL: time.Minute, CleanupInterval: time.Minute})
	defer r.Close()

	r.Put("conversations", "", map[string]any{"x": 1})
	assert.Equal(t, 0, r.Size(), "rows without a primary key are not cached")

	r.Put("conversations", "c1", map[string]any{"x": 1})
	r.Remove("conversations", "c1")
	_, ok := r.Get("conversations", "c1")
	assert.False(t, ok)
}
