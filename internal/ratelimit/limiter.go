// Package ratelimit provides the local request throttle and the generic
// response cache used by the sync engine before any upstream network I/O.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

const (
	// Window is the sliding window over which requests are counted.
	Window = time.Minute
	// MaxRequestsPerWindow is the per-key request budget inside Window.
	MaxRequestsPerWindow = 15
)

// Limiter is a sliding-window request throttle keyed by logical endpoint.
// Keys include the business id so tenants never throttle each other.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	max     int
	window  time.Duration

	now func() time.Time
}

// NewLimiter returns a limiter with the default 15-per-60s budget.
func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[string][]time.Time),
		max:     MaxRequestsPerWindow,
		window:  Window,
		now:     time.Now,
	}
}

// Allow reports whether a request may be made now for the key. A permitted
// call is recorded immediately; there is no separate commit step.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	pruned := l.prune(key, now)
	if len(pruned) >= l.max {
		l.windows[key] = pruned
		return false
	}
	l.windows[key] = append(pruned, now)
	return true
}

// WaitSeconds returns how many seconds until the oldest in-window request
// ages out, or 0 when the key is under its budget.
func (l *Limiter) WaitSeconds(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	pruned := l.prune(key, now)
	l.windows[key] = pruned
	if len(pruned) < l.max {
		return 0
	}

	wait := pruned[0].Add(l.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return int(math.Ceil(wait.Seconds()))
}

// prune drops timestamps older than the window. Caller holds the lock.
func (l *Limiter) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	stamps := l.windows[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
