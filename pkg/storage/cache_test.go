package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryLRUCache(t *testing.T) {
	cache, err := NewInMemoryLRUCache[string](WithMaxCacheSize[string](10))
	require.NoError(t, err)
	t.Cleanup(cache.Stop)

	cache.Set("key", "value", time.Minute)
	got, ok := cache.Get("key")
	require.True(t, ok)
	require.Equal(t, "value", got)

	cache.Delete("key")
	_, ok = cache.Get("key")
	require.False(t, ok)

	cache.Stop()
	cache.Stop()
}
