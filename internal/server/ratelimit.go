package server

import (
	"sync"
	"time"
)

// Mutation scopes. Each has its own budget per client, so a burst of
// submissions does not lock a reviewer out of deciding.
const (
	scopeIntake   = "intake"
	scopeDecision = "decision"
)

// RateLimiter bounds mutating calls per scope and client in a sliding window.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  map[string][]time.Time
	now    func() time.Time
}

// NewRateLimiter creates a rate limiter. If limit <= 0, Allow always succeeds.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		calls:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow counts one call by client in scope. When the budget is spent it
// returns false and how long until the oldest call leaves the window.
func (rl *RateLimiter) Allow(scope, client string) (bool, time.Duration) {
	if rl.limit <= 0 {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := scope + "|" + client
	now := rl.now()
	cutoff := now.Add(-rl.window)

	kept := rl.calls[key][:0]
	for _, ts := range rl.calls[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= rl.limit {
		rl.calls[key] = kept
		return false, kept[0].Add(rl.window).Sub(now)
	}
	rl.calls[key] = append(kept, now)
	return true, 0
}
