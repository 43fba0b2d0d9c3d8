// Package ratelimit implements the token bucket FRET uses to bound how
// fast a node accepts inbound requests; the service keeps one bucket per
// RPC kind, shared by every calling peer (§4.5).
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a single token bucket: capacity tokens, refilled continuously
// at refillPerSec. Safe for concurrent use.
type Bucket struct {
	mu sync.Mutex

	capacity      float64
	refillPerSec  float64
	tokens        float64
	lastRefill    time.Time
	now           func() time.Time
}

// NewBucket returns a Bucket starting full, so a node's first burst after
// startup isn't throttled by a cold cache.
func NewBucket(capacity float64, refillPerSec float64, nowFunc func() time.Time) *Bucket {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	if capacity <= 0 {
		capacity = 1
	}
	if refillPerSec < 0 {
		refillPerSec = 0
	}
	return &Bucket{
		capacity:     capacity,
		refillPerSec: refillPerSec,
		tokens:       capacity,
		lastRefill:   nowFunc(),
		now:          nowFunc,
	}
}

func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillPerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// TryTake attempts to remove cost tokens. Returns whether it succeeded.
func (b *Bucket) TryTake(cost float64) bool {
	if cost <= 0 {
		cost = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// RetryAfterMs reports how long, in milliseconds, the caller should wait
// before cost tokens would become available. Returns 0 if they're
// available now.
func (b *Bucket) RetryAfterMs(cost float64) int64 {
	if cost <= 0 {
		cost = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= cost {
		return 0
	}
	if b.refillPerSec <= 0 {
		return -1 // never refills; caller should treat as permanently blocked
	}
	deficit := cost - b.tokens
	seconds := deficit / b.refillPerSec
	return int64(seconds*1000) + 1
}

// Tokens returns the current token count, for diagnostics (§4.11 admin
// surface).
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// Limiter wraps a single Bucket shared by every caller of one RPC kind,
// so the allowance is per-handler for the whole service instance rather
// than split per remote peer (§4.5, §4.9): Scenario 4's drain-then-wait
// behavior is a property of the handler, not of any one peer's traffic.
type Limiter struct {
	bucket *Bucket
}

// NewLimiter returns a Limiter around a single Bucket of the given
// capacity and refill rate.
func NewLimiter(capacity, refillPerSec float64, nowFunc func() time.Time) *Limiter {
	return &Limiter{bucket: NewBucket(capacity, refillPerSec, nowFunc)}
}

// TryTake attempts to consume cost tokens from the shared bucket.
func (l *Limiter) TryTake(cost float64) bool {
	return l.bucket.TryTake(cost)
}

// RetryAfterMs reports the wait time for cost tokens to free up.
func (l *Limiter) RetryAfterMs(cost float64) int64 {
	return l.bucket.RetryAfterMs(cost)
}

// Tokens returns the shared bucket's current token count, for
// diagnostics (§4.11 admin surface).
func (l *Limiter) Tokens() float64 {
	return l.bucket.Tokens()
}
