package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a lazily refilled token bucket. Refill happens on each
// Consume call as elapsed*refillRate, capped at capacity. The invariant
// 0 <= tokens <= capacity holds at every observation point; a bucket with
// zero capacity rejects everything.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func NewTokenBucket(capacity, refillRate float64, now time.Time) *TokenBucket {
	if capacity < 0 {
		capacity = 0
	}
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now,
	}
}

// Consume takes one token if available. capFactor scales the effective
// capacity at consume time (adaptive load shedding); 1 means no reduction.
func (b *TokenBucket) Consume(now time.Time, capFactor float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	effective := b.capacity * capFactor
	if effective <= 0 {
		return false
	}

	b.refillLocked(now, effective)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Remaining reports the current token count after refilling to now.
func (b *TokenBucket) Remaining(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now, b.capacity)
	return b.tokens
}

func (b *TokenBucket) Capacity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

func (b *TokenBucket) refillLocked(now time.Time, effective float64) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		b.lastRefill = now
	}
	if b.tokens > effective {
		b.tokens = effective
	}
	if b.tokens < 0 {
		b.tokens = 0
	}
}
