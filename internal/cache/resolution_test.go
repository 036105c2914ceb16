package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolutionCacheStoreAndLookup(t *testing.T) {
	c, err := NewResolutionCache(100, time.Minute, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()

	_, found := c.Lookup(ctx, "t1", "acme")
	assert.False(t, found)

	c.Store(ctx, "t1", "acme", "entity-1")
	c.Wait()

	id, found := c.Lookup(ctx, "t1", "acme")
	require.True(t, found)
	assert.Equal(t, "entity-1", id)

	// Tenants do not share entries.
	_, found = c.Lookup(ctx, "t2", "acme")
	assert.False(t, found)
}

func TestResolutionCacheInvalidate(t *testing.T) {
	c, err := NewResolutionCache(100, time.Minute, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	c.Store(ctx, "t1", "acme", "entity-1")
	c.Wait()

	require.NoError(t, c.Invalidate(ctx, "t1", "acme"))
	c.Wait()

	_, found := c.Lookup(ctx, "t1", "acme")
	assert.False(t, found)
}

func TestResolutionCacheMetrics(t *testing.T) {
	c, err := NewResolutionCache(100, time.Minute, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	c.Lookup(ctx, "t1", "miss")
	c.Store(ctx, "t1", "acme", "entity-1")
	c.Wait()
	c.Lookup(ctx, "t1", "acme")

	m := c.Snapshot()
	assert.Equal(t, int64(1), m.L1Hits)
	assert.Equal(t, int64(1), m.L1Misses)
	assert.Equal(t, int64(1), m.Stores)
	assert.Equal(t, 0.5, c.HitRate())
}
