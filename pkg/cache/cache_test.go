package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "tick:2026-03-02", "done", time.Hour))

	value, ok, err := c.Get(ctx, "tick:2026-03-02")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "done", value)

	require.NoError(t, c.Delete(ctx, "tick:2026-03-02"))

	_, ok, err = c.Get(ctx, "tick:2026-03-02")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "key", "value", time.Minute))

	_, ok, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)

	_, ok, err = c.Get(ctx, "key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheZeroTTLNeverExpires(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "key", "value", 0))

	now = now.Add(24 * time.Hour)

	_, ok, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.True(t, ok)
}
