package realtime

import (
	"sync"
	"time"
)

// logLimiter rate-limits log lines by an explicit key: at most one Allow per
// key per window. Expiry-class auth failures go through it so repeated
// invalid-credential attempts cannot flood the log.
//
// The key map is bounded: entries older than the window are swept whenever
// the map grows past maxKeys, and if a sweep cannot get it under the bound
// (many distinct hot keys) the map is reset wholesale. Occasionally logging
// twice for a key is acceptable; growing without bound is not.
type logLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	maxKeys int
	seen    map[string]time.Time
}

func newLogLimiter(window time.Duration, maxKeys int) *logLimiter {
	if window <= 0 {
		window = authLogWindow
	}
	if maxKeys <= 0 {
		maxKeys = authLogMaxKeys
	}
	return &logLimiter{
		window:  window,
		maxKeys: maxKeys,
		seen:    make(map[string]time.Time),
	}
}

// Allow reports whether a log line for key should be emitted at time now.
func (l *logLimiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.seen[key]; ok && now.Sub(last) < l.window {
		return false
	}

	if len(l.seen) >= l.maxKeys {
		l.sweepLocked(now)
	}

	l.seen[key] = now
	return true
}

// sweepLocked drops expired entries; resets the map if still over the bound.
// Caller holds l.mu.
func (l *logLimiter) sweepLocked(now time.Time) {
	cut := now.Add(-l.window)
	for k, t := range l.seen {
		if t.Before(cut) {
			delete(l.seen, k)
		}
	}
	if len(l.seen) >= l.maxKeys {
		l.seen = make(map[string]time.Time)
	}
}
