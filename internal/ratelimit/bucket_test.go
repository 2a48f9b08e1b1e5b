package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucketExactCapacity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewTokenBucket(10, 1, now)

	for i := 0; i < 10; i++ {
		assert.True(t, b.Consume(now, 1), "consume %d within capacity should succeed", i+1)
	}
	assert.False(t, b.Consume(now, 1), "consume past capacity should fail")
	assert.GreaterOrEqual(t, b.Remaining(now), 0.0)
}

func TestTokenBucketRefill(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewTokenBucket(5, 2, now)

	for i := 0; i < 5; i++ {
		assert.True(t, b.Consume(now, 1))
	}
	assert.False(t, b.Consume(now, 1))

	// 2 tokens/s for 2 seconds buys exactly 4 more requests.
	now = now.Add(2 * time.Second)
	for i := 0; i < 4; i++ {
		assert.True(t, b.Consume(now, 1), "refilled token %d", i+1)
	}
	assert.False(t, b.Consume(now, 1))
}

func TestTokenBucketNeverExceedsCapacity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewTokenBucket(3, 100, now)

	assert.InDelta(t, 3, b.Remaining(now.Add(time.Hour)), 1e-9)
}

func TestTokenBucketZeroCapacity(t *testing.T) {
	now := time.Now()
	b := NewTokenBucket(0, 10, now)

	assert.False(t, b.Consume(now, 1))
	assert.False(t, b.Consume(now.Add(time.Hour), 1))
}

func TestTokenBucketNegativeCapacityClampsToZero(t *testing.T) {
	now := time.Now()
	b := NewTokenBucket(-5, 1, now)

	assert.Equal(t, 0.0, b.Capacity())
	assert.False(t, b.Consume(now, 1))
}

func TestTokenBucketCapFactor(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewTokenBucket(10, 1, now)

	// Half factor halves the effective capacity at consume time.
	for i := 0; i < 5; i++ {
		assert.True(t, b.Consume(now, 0.5), "consume %d under reduced capacity", i+1)
	}
	assert.False(t, b.Consume(now, 0.5))

	// Zero factor denies everything regardless of balance.
	assert.False(t, NewTokenBucket(10, 1, now).Consume(now, 0))
}
