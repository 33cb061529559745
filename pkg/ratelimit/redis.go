package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a sliding-window limiter over a Redis sorted set, shared
// across api replicas. Members are scored by request time in nanoseconds.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter creates a limiter allowing limit requests per window per
// key, counted in Redis.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	redisKey := "ratelimit:" + key
	now := l.now()
	cutoff := now.Add(-l.window).UnixNano()

	if err := l.client.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, fmt.Errorf("ratelimit prune failed: %w", err)
	}

	count, err := l.client.ZCard(ctx, redisKey).Result()
	if err != nil {
		return nil, fmt.Errorf("ratelimit count failed: %w", err)
	}

	resetAt, err := l.windowReset(ctx, redisKey, now)
	if err != nil {
		return nil, err
	}

	if int(count) >= l.limit {
		return &Result{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10)

	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, redisKey, l.window)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("ratelimit record failed: %w", err)
	}

	return &Result{
		Allowed:   true,
		Remaining: l.limit - int(count) - 1,
		ResetAt:   resetAt,
	}, nil
}

// windowReset reports when the oldest surviving request leaves the window,
// or one full window from now for an empty key.
func (l *RedisLimiter) windowReset(ctx context.Context, redisKey string, now time.Time) (time.Time, error) {
	oldest, err := l.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("ratelimit reset lookup failed: %w", err)
	}

	if len(oldest) == 0 {
		return now.Add(l.window), nil
	}

	return time.Unix(0, int64(oldest[0].Score)).Add(l.window), nil
}
