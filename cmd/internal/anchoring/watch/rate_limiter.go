package watch

import (
	"sync"
	"time"
)

// RateLimiter bounds the client frames one watch connection may send within
// a sliding window. It remembers only the last limit accepted frames.
type RateLimiter struct {
	mu     sync.Mutex
	stamps []time.Time // ring; stamps[next] is the oldest once full
	next   int
	full   bool
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter, falling back to the gateway
// defaults when limit or window is not positive.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{stamps: make([]time.Time, limit), window: window}
}

// Allow reports whether a frame arriving at now is within the limit and, if
// so, counts it.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.full && r.stamps[r.next].After(now.Add(-r.window)) {
		return false
	}
	r.stamps[r.next] = now
	r.next++
	if r.next == len(r.stamps) {
		r.next = 0
		r.full = true
	}
	return true
}
