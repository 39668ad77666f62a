// Package rate is an in-process fixed-window limiter keyed by caller.
package rate

import (
	"sync"
	"time"
)

type bucket struct {
	count int
	start time.Time
}

type Limiter struct {
	mu      sync.Mutex
	buckets map[string]bucket
	lastGC  time.Time
	now     func() time.Time
}

func NewLimiter() *Limiter {
	return NewLimiterWithClock(func() time.Time { return time.Now().UTC() })
}

func NewLimiterWithClock(now func() time.Time) *Limiter {
	return &Limiter{buckets: map[string]bucket{}, lastGC: now(), now: now}
}

// Allow counts one hit for key and reports whether it fits in the window.
// When it does not, retryAfter is the time left until the window resets.
func (l *Limiter) Allow(key string, limit int, window time.Duration) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastGC) > time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.start) > 3*window {
				delete(l.buckets, k)
			}
		}
		l.lastGC = now
	}
	b, found := l.buckets[key]
	if !found || now.Sub(b.start) >= window {
		l.buckets[key] = bucket{count: 1, start: now}
		return true, 0
	}
	if b.count >= limit {
		return false, b.start.Add(window).Sub(now)
	}
	b.count++
	l.buckets[key] = b
	return true, 0
}

// Reset forgets key, e.g. after a successful login.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}
