// Package ratelimit throttles users and protects vendor quotas with
// in-memory token buckets.
package ratelimit

import (
	"sync"
	"time"
)

// bucket tracks the token state for a single key.
type bucket struct {
	tokens   float64
	last     time.Time
	capacity int
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter implements a token-bucket rate limiter keyed by arbitrary string
// identifiers (e.g. user id, service id). Each bucket refills at
// rate/window per second up to rate tokens.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	defaultRate int
	window      time.Duration
	now         func() time.Time // injectable clock for testing
}

// New creates a Limiter that allows defaultRate requests per window.
func New(defaultRate int, window time.Duration) *Limiter {
	return &Limiter{
		buckets:     make(map[string]*bucket),
		defaultRate: defaultRate,
		window:      window,
		now:         time.Now,
	}
}

func (l *Limiter) effectiveRate(customRate int) int {
	if customRate > 0 {
		return customRate
	}
	return l.defaultRate
}

// load returns the refilled bucket for key. Must be called with l.mu held.
func (l *Limiter) load(key string, rate int) *bucket {
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rate), last: now, capacity: rate}
		l.buckets[key] = b
		return b
	}
	// The rate may have changed since the bucket was created.
	b.capacity = rate

	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens += elapsed * float64(rate) / l.window.Seconds()
		b.last = now
	}
	if b.tokens > float64(rate) {
		b.tokens = float64(rate)
	}
	return b
}

// Take consumes one token for key when available. A positive customRate
// overrides the default rate. A zero effective rate disables limiting.
func (l *Limiter) Take(key string, customRate int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	rate := l.effectiveRate(customRate)
	if rate <= 0 {
		return Decision{Allowed: true}
	}
	b := l.load(key, rate)

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	return l.decide(b, allowed)
}

// Status reports the state of key without consuming a token.
func (l *Limiter) Status(key string, customRate int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	rate := l.effectiveRate(customRate)
	if rate <= 0 {
		return Decision{Allowed: true}
	}
	b := l.load(key, rate)
	return l.decide(b, b.tokens >= 1)
}

// decide fills in the header values. Must be called with l.mu held.
func (l *Limiter) decide(b *bucket, allowed bool) Decision {
	d := Decision{Allowed: allowed, Limit: b.capacity, Remaining: int(b.tokens)}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	deficit := float64(b.capacity) - b.tokens
	if deficit <= 0 {
		d.ResetAt = l.now()
	} else {
		perSecond := float64(b.capacity) / l.window.Seconds()
		d.ResetAt = l.now().Add(time.Duration(deficit / perSecond * float64(time.Second)))
	}
	return d
}

// Sweep drops buckets that have been full for at least one window, since
// they are indistinguishable from new ones.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for key, b := range l.buckets {
		if now.Sub(b.last) >= l.window {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
