package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time        { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBucketStartsFull(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := NewBucket(5, 1, clock.now)
	assert.Equal(t, 5.0, b.Tokens())
}

func TestTryTakeDrainsAndRejectsWhenEmpty(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := NewBucket(2, 0, clock.now)
	assert.True(t, b.TryTake(1))
	assert.True(t, b.TryTake(1))
	assert.False(t, b.TryTake(1))
}

func TestBucketRefillsOverTime(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := NewBucket(2, 1, clock.now) // 1 token/sec
	b.TryTake(2)
	assert.False(t, b.TryTake(1))

	clock.advance(1500 * time.Millisecond)
	assert.True(t, b.TryTake(1))
}

func TestBucketRefillNeverExceedsCapacity(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := NewBucket(3, 10, clock.now)
	clock.advance(time.Hour)
	assert.Equal(t, 3.0, b.Tokens())
}

func TestRetryAfterMsZeroWhenAvailable(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := NewBucket(3, 1, clock.now)
	assert.EqualValues(t, 0, b.RetryAfterMs(1))
}

func TestRetryAfterMsPositiveWhenEmpty(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := NewBucket(1, 1, clock.now)
	b.TryTake(1)
	wait := b.RetryAfterMs(1)
	assert.Greater(t, wait, int64(0))
}

func TestRetryAfterMsNegativeWhenRefillDisabled(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := NewBucket(1, 0, clock.now)
	b.TryTake(1)
	assert.EqualValues(t, -1, b.RetryAfterMs(1))
}

func TestLimiterSharesOneBucketAcrossCallers(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := NewLimiter(1, 0, clock.now)
	assert.True(t, l.TryTake(1), "first caller drains the instance's only token")
	assert.False(t, l.TryTake(1), "a second caller, even a different peer, finds the same bucket empty")
}

func TestLimiterRefillsOnTheSharedBucket(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := NewLimiter(1, 1, clock.now)
	l.TryTake(1)
	assert.EqualValues(t, 0, l.Tokens())
	clock.advance(time.Second)
	assert.True(t, l.TryTake(1), "the shared bucket refills like any other")
}
