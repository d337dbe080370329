// ABOUTME: TTL cache of inbound message IDs the bridge has already handled
// ABOUTME: Keeps auto-replies from firing twice when the backend redelivers a message

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// minSweepInterval bounds how often expired IDs are swept.
const minSweepInterval = time.Second

type entry struct {
	id     string
	seenAt time.Time
}

// Cache remembers message IDs for a fixed TTL, holding at most maxSize IDs.
// When full, the oldest ID is forgotten first.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	stop    chan struct{}
	once    sync.Once
}

// New creates a Cache and starts its sweeper.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		stop:    make(chan struct{}),
	}
	go c.sweep(sweepInterval(ttl))
	return c
}

func sweepInterval(ttl time.Duration) time.Duration {
	if iv := ttl / 2; iv > minSweepInterval {
		return iv
	}
	return minSweepInterval
}

// Seen reports whether id was marked within the TTL.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[id]
	return ok && time.Since(el.Value.(*entry).seenAt) < c.ttl
}

// CheckAndMark marks id and reports whether it was already marked within the
// TTL. The check and the mark happen under one lock.
func (c *Cache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if el, ok := c.index[id]; ok {
		e := el.Value.(*entry)
		dup := now.Sub(e.seenAt) < c.ttl
		e.seenAt = now
		c.order.MoveToBack(el)
		return dup
	}

	for c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[id] = c.order.PushBack(&entry{id: id, seenAt: now})
	return false
}

// Len returns the number of remembered IDs, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry).id)
}

func (c *Cache) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire(time.Now())
		case <-c.stop:
			return
		}
	}
}

// expire drops IDs older than the TTL. Entries are in mark order, so the scan
// stops at the first live one.
func (c *Cache) expire(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*entry).seenAt) < c.ttl {
			return
		}
		c.removeLocked(el)
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}
