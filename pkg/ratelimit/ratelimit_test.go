package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowLimiterBoundary(t *testing.T) {
	limiter := NewWindowLimiter(10, time.Minute)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		result, err := limiter.Allow(ctx, "wh-1")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	tenth, err := limiter.Allow(ctx, "wh-1")
	require.NoError(t, err)
	assert.True(t, tenth.Allowed)
	assert.Zero(t, tenth.Remaining)

	eleventh, err := limiter.Allow(ctx, "wh-1")
	require.NoError(t, err)
	assert.False(t, eleventh.Allowed)
	assert.Zero(t, eleventh.Remaining)
	assert.False(t, eleventh.ResetAt.IsZero())
}

func TestWindowLimiterRejectionIsSideEffectFree(t *testing.T) {
	limiter := NewWindowLimiter(2, time.Minute)
	ctx := context.Background()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		result, err := limiter.Allow(ctx, "wh-1")
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "wh-1")
		require.NoError(t, err)
		assert.False(t, result.Allowed)
	}

	// Rejections recorded nothing, so the window empties when the two
	// allowed requests age out.
	now = now.Add(time.Minute + time.Second)

	result, err := limiter.Allow(ctx, "wh-1")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestWindowLimiterKeysIndependent(t *testing.T) {
	limiter := NewWindowLimiter(1, time.Minute)
	ctx := context.Background()

	first, err := limiter.Allow(ctx, "wh-1")
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	blocked, err := limiter.Allow(ctx, "wh-1")
	require.NoError(t, err)
	assert.False(t, blocked.Allowed)

	other, err := limiter.Allow(ctx, "wh-2")
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestWindowLimiterResetAtTracksOldest(t *testing.T) {
	limiter := NewWindowLimiter(2, time.Minute)
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }

	first, err := limiter.Allow(ctx, "wh-1")
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Minute), first.ResetAt)

	limiter.now = func() time.Time { return base.Add(30 * time.Second) }

	second, err := limiter.Allow(ctx, "wh-1")
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Minute), second.ResetAt)
}
