// ABOUTME: Size-bounded TTL set of recently seen keys
// ABOUTME: The bot front-end uses it to drop Matrix events the homeserver redelivers

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key  string
	seen time.Time
}

// Cache remembers keys for ttl, holding at most maxSize of them. Keys are kept
// in first-seen order, so expired ones are always at the front and are swept
// on each call without a background goroutine.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // of *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache. A non-positive maxSize means unbounded.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether key was seen within the TTL and records it if not.
// The check and the mark are one atomic step.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)

	if _, ok := c.index[key]; ok {
		return true
	}

	if c.maxSize > 0 && c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Contains reports whether key is remembered, without recording it.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
	_, ok := c.index[key]
	return ok
}

// Len returns the number of unexpired keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
	return c.order.Len()
}

func (c *Cache) sweepLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Sub(front.Value.(*entry).seen) < c.ttl {
			return
		}
		c.removeLocked(front)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry).key)
}
