package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestFirstSightingIsNotADuplicate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New(0, 0, clock.now)
	assert.False(t, c.SeenOrRecord("abc"))
}

func TestRepeatWithinTTLIsADuplicate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New(time.Second, 0, clock.now)
	assert.False(t, c.SeenOrRecord("abc"))
	assert.True(t, c.SeenOrRecord("abc"))
}

func TestRepeatAfterTTLIsNotADuplicate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New(time.Second, 0, clock.now)
	assert.False(t, c.SeenOrRecord("abc"))
	clock.advance(2 * time.Second)
	assert.False(t, c.SeenOrRecord("abc"))
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New(time.Hour, 3, clock.now)
	c.SeenOrRecord("a")
	c.SeenOrRecord("b")
	c.SeenOrRecord("c")
	c.SeenOrRecord("d") // evicts "a"

	assert.Equal(t, 3, c.Size())
	assert.False(t, c.SeenOrRecord("a"), "a was evicted so it looks new again")
}

func TestSweepReclaimsCapacityFromExpiredEntries(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New(time.Second, 2, clock.now)
	c.SeenOrRecord("a")
	c.SeenOrRecord("b")
	clock.advance(2 * time.Second)
	c.SeenOrRecord("c")
	assert.Equal(t, 1, c.Size(), "expired a and b should have been swept before c was counted")
}

func TestStoredResponseIsReturnedForDuplicate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New(time.Second, 0, clock.now)
	assert.False(t, c.SeenOrRecord("abc"))
	c.StoreResponse("abc", []byte("first-response"))

	assert.True(t, c.SeenOrRecord("abc"))
	resp, ok := c.Response("abc")
	assert.True(t, ok)
	assert.Equal(t, []byte("first-response"), resp)
}

func TestResponseExpiresWithItsEntry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New(time.Second, 0, clock.now)
	c.SeenOrRecord("abc")
	c.StoreResponse("abc", []byte("stale"))
	clock.advance(2 * time.Second)
	assert.False(t, c.SeenOrRecord("abc"), "entry should have expired")
	_, ok := c.Response("abc")
	assert.False(t, ok, "response should have been swept along with the expired entry")
}

func TestManyIDsStayBoundedByCapacity(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New(time.Hour, 100, clock.now)
	for i := 0; i < 1000; i++ {
		c.SeenOrRecord(fmt.Sprintf("id-%d", i))
	}
	assert.Equal(t, 100, c.Size())
}
