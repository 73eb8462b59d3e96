// Package ratelimit implements per-namespace submission rate limiting
// with lazy-refill token buckets. It protects the store from a runaway
// client flooding the queue; execution throughput is bounded separately
// by the dispatcher's concurrency limit.
package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
}

// bucket is a token bucket with lazy refill (no background goroutine).
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(limit int64) *bucket {
	return &bucket{
		tokens:   float64(limit),
		max:      float64(limit),
		rate:     float64(limit) / 60.0, // per-minute limit -> per-second rate
		lastFill: time.Now(),
	}
}

// refill adds tokens based on elapsed time since last refill.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// tryConsume attempts to consume one token.
func (b *bucket) tryConsume(now time.Time) (remaining int64, allowed bool) {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return int64(b.tokens), true
	}
	return 0, false
}

// retryAfter returns seconds until one token is available.
func (b *bucket) retryAfter() float64 {
	if b.tokens >= 1 {
		return 0
	}
	return (1 - b.tokens) / b.rate
}

// Limiter enforces a submissions-per-minute budget for one namespace.
type Limiter struct {
	mu       sync.Mutex
	bucket   *bucket // nil if unlimited
	limit    int64
	lastUsed time.Time
}

func newLimiter(limit int64) *Limiter {
	l := &Limiter{limit: limit, lastUsed: time.Now()}
	if limit > 0 {
		l.bucket = newBucket(limit)
	}
	return l
}

// Allow consumes one submission token.
func (l *Limiter) Allow() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	if l.bucket == nil {
		return Result{Allowed: true}
	}

	remaining, ok := l.bucket.tryConsume(now)
	if ok {
		return Result{
			Allowed:   true,
			Limit:     l.limit,
			Remaining: remaining,
		}
	}
	return Result{
		Allowed:           false,
		Limit:             l.limit,
		Remaining:         0,
		RetryAfterSeconds: l.bucket.retryAfter(),
	}
}

// Registry manages per-namespace Limiters sharing one limit.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	limit    int64 // submissions per minute, 0 = unlimited
}

// NewRegistry creates a registry enforcing the given per-namespace limit.
func NewRegistry(limit int64) *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
		limit:    limit,
	}
}

// Allow consumes one submission token for the namespace, creating its
// limiter on first use. Uses double-check locking to minimize write-lock
// contention.
func (r *Registry) Allow(namespace string) Result {
	r.mu.RLock()
	l, ok := r.limiters[namespace]
	r.mu.RUnlock()
	if ok {
		return l.Allow()
	}

	r.mu.Lock()
	// Double-check after acquiring write lock.
	if existing, ok := r.limiters[namespace]; ok {
		r.mu.Unlock()
		return existing.Allow()
	}
	l = newLimiter(r.limit)
	r.limiters[namespace] = l
	r.mu.Unlock()
	return l.Allow()
}

// EvictStale removes limiters not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}
