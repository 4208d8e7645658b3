// Package ratelimit provides a keyed token-bucket limiter, used to throttle
// connection attempts per peer IP before the TLS handshake.
package ratelimit

import (
	"sync"
	"time"

	"mudward.io/mudward/internal/clock"
)

// Limiter manages rate limiting for multiple keys.
type Limiter struct {
	buckets map[string]*bucket
	mu      sync.Mutex
}

type bucket struct {
	tokens   int
	limit    int
	interval time.Duration
	lastFill time.Time
	mu       sync.Mutex
}

// NewLimiter creates a limiter.
func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket)}
}

// Allow reports whether a request for key fits within limit requests per
// interval.
func (l *Limiter) Allow(key string, limit int, interval time.Duration) bool {
	l.mu.Lock()
	b, exists := l.buckets[key]
	if !exists {
		b = &bucket{
			tokens:   limit,
			limit:    limit,
			interval: interval,
			lastFill: clock.Now(),
		}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	return b.take()
}

func (b *bucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := clock.Now()
	if now.Sub(b.lastFill) >= b.interval {
		b.tokens = b.limit
		b.lastFill = now
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Reset clears the bucket for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// CleanupExpired removes buckets that have been idle for longer than maxAge.
func (l *Limiter) CleanupExpired(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := clock.Now()
	for key, b := range l.buckets {
		b.mu.Lock()
		if now.Sub(b.lastFill) > maxAge {
			delete(l.buckets, key)
		}
		b.mu.Unlock()
	}
}
