package relayhub

import (
	"sync"
	"time"
)

// SubscribeRateLimiter bounds how often a single client token may open
// subscriptions, over a sliding window.
type SubscribeRateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
}

func NewSubscribeRateLimiter(limit int, interval time.Duration) *SubscribeRateLimiter {
	return &SubscribeRateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *SubscribeRateLimiter) Allow(clientID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[clientID]

	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[clientID] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[clientID] = fresh

	return true
}
