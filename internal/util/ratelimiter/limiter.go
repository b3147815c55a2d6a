package ratelimiter

import (
	"sync"
	"time"
)

// Limiter allows one action per key per interval. It is safe for concurrent use.
// The space guard keys it by volume path so each volume warns at most once per interval.
type Limiter struct {
	mu          sync.Mutex
	interval    time.Duration
	lastAllowed map[string]time.Time
}

// New creates a new rate limiter with the specified interval.
func New(interval time.Duration) *Limiter {
	return &Limiter{
		interval:    interval,
		lastAllowed: make(map[string]time.Time),
	}
}

// Allow reports whether an action for key may happen now.
// When rate-limited it returns false and the remaining wait.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	last, seen := l.lastAllowed[key]
	if !seen || now.Sub(last) >= l.interval {
		l.lastAllowed[key] = now
		return true, 0
	}

	return false, l.interval - now.Sub(last)
}

// Reset forgets key so its next action is allowed immediately.
// An empty key resets every key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if key == "" {
		l.lastAllowed = make(map[string]time.Time)
		return
	}
	delete(l.lastAllowed, key)
}

// Interval returns the configured rate limit interval.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}
