// Package ratelimit provides a sliding-window request limiter keyed by
// webhook id.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultLimit is the number of requests allowed per key per window.
	DefaultLimit = 10

	// DefaultWindow is the sliding window length.
	DefaultWindow = time.Minute
)

// Result reports the limiter's verdict for one request. ResetAt is when the
// oldest counted request ages out of the window.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter decides whether a request under a key may proceed. A rejected
// request must not consume budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (*Result, error)
}

// WindowLimiter is an in-process sliding-window limiter.
type WindowLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	history map[string][]time.Time
	now     func() time.Time
}

// NewWindowLimiter creates a limiter allowing limit requests per window per
// key.
func NewWindowLimiter(limit int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		limit:   limit,
		window:  window,
		history: make(map[string][]time.Time),
		now:     time.Now,
	}
}

func (l *WindowLimiter) Allow(_ context.Context, key string) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.history[key][:0]
	for _, at := range l.history[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	if len(kept) >= l.limit {
		l.history[key] = kept

		return &Result{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   kept[0].Add(l.window),
		}, nil
	}

	kept = append(kept, now)
	l.history[key] = kept

	return &Result{
		Allowed:   true,
		Remaining: l.limit - len(kept),
		ResetAt:   kept[0].Add(l.window),
	}, nil
}
