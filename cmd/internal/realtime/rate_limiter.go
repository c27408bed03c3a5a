package realtime

import (
	"sync"
	"time"
)

// RateLimiter caps the number of client commands accepted inside a sliding
// window. One limiter per connection; a ring of the last `limit` permit
// timestamps is enough state to answer the question exactly.
type RateLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	head   int
	count  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		stamps: make([]time.Time, limit),
		window: window,
	}
}

// Allow reports whether a command arriving at "now" is within the limit. When
// the ring is full, the oldest permit decides: if it has aged out of the
// window its slot is reused, otherwise the command is denied.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < len(r.stamps) {
		r.stamps[(r.head+r.count)%len(r.stamps)] = now
		r.count++
		return true
	}

	oldest := r.stamps[r.head]
	if oldest.After(now.Add(-r.window)) {
		return false
	}
	r.stamps[r.head] = now
	r.head = (r.head + 1) % len(r.stamps)
	return true
}
