package auth

import (
	"sync"
	"time"
)

// rateLimiter is a per-user sliding window counter over 60 seconds.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	seen   map[string][]time.Time
	now    func() time.Time
}

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{
		limit:  limit,
		window: time.Minute,
		seen:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// allow records one request for the user and reports whether it fits
// inside the window. A limit of 0 disables the limiter.
func (r *rateLimiter) allow(userID string) bool {
	if r.limit <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)
	kept := r.seen[userID][:0]
	for _, ts := range r.seen[userID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= r.limit {
		r.seen[userID] = kept
		return false
	}
	r.seen[userID] = append(kept, now)
	return true
}
