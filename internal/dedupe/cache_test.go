// ABOUTME: Tests for the dedupe cache used to drop redelivered events
// ABOUTME: Validates TTL expiration, size limits, eviction order, and concurrency safety

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, maxSize)
	c.now = clock.Now
	return c, clock
}

func TestCache_FirstSightingIsNew(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)

	assert.False(t, c.Seen("$event1"))
	assert.True(t, c.Seen("$event1"))
	assert.True(t, c.Contains("$event1"))
	assert.False(t, c.Contains("$event2"))
	assert.False(t, c.Contains("$event2"), "Contains does not record")
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	c.Seen("a")
	clock.Advance(30 * time.Second)
	c.Seen("b")
	assert.Equal(t, 2, c.Len())

	clock.Advance(30 * time.Second)
	assert.False(t, c.Contains("a"), "a expired at exactly the TTL")
	assert.True(t, c.Contains("b"))
	assert.Equal(t, 1, c.Len())

	assert.False(t, c.Seen("a"), "expired keys are new again")
}

func TestCache_RepeatDoesNotExtendWindow(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	c.Seen("a")
	clock.Advance(50 * time.Second)
	assert.True(t, c.Seen("a"))
	clock.Advance(20 * time.Second)
	assert.False(t, c.Seen("a"))
}

func TestCache_SizeLimitEvictsOldest(t *testing.T) {
	c, _ := newTestCache(time.Hour, 3)

	for _, k := range []string{"a", "b", "c", "d"} {
		assert.False(t, c.Seen(k))
	}
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("d"))
}

func TestCache_Unbounded(t *testing.T) {
	c, _ := newTestCache(time.Hour, 0)
	for i := range 500 {
		c.Seen(fmt.Sprintf("k%d", i))
	}
	assert.Equal(t, 500, c.Len())
}

func TestCache_ConcurrentSeenAdmitsOnce(t *testing.T) {
	c := New(time.Minute, 1000)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("same") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fresh.Load())
}
