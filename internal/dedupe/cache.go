// ABOUTME: Dedupe contract plus the in-process TTL cache used for inbound webhook message ids
// ABOUTME: Ids are marked only after a message was handled, so failed deliveries are retried

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Deduper remembers which inbound message ids were already handled.
type Deduper interface {
	// Seen reports whether key was marked and has not expired.
	Seen(ctx context.Context, key string) (bool, error)
	// Mark records key as handled.
	Mark(ctx context.Context, key string) error
	Close() error
}

type cacheEntry struct {
	markedAt time.Time
	element  *list.Element
}

// MemoryCache is a TTL and size bounded Deduper held in process memory.
// The oldest entry is evicted when the cache is full.
type MemoryCache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys, oldest mark at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewMemoryCache creates a cache and starts its background expiry loop.
func NewMemoryCache(ttl time.Duration, maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &MemoryCache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.expireLoop()
	return c
}

// Seen reports whether key was marked within the TTL.
func (c *MemoryCache) Seen(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key]
	if !ok {
		return false, nil
	}
	return c.now().Sub(e.markedAt) < c.ttl, nil
}

// Mark records key, refreshing its TTL if already present.
func (c *MemoryCache) Mark(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		e.markedAt = now
		c.order.MoveToBack(e.element)
		return nil
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(string))
		}
	}

	c.seen[key] = &cacheEntry{markedAt: now, element: c.order.PushBack(key)}
	return nil
}

// Len returns the number of tracked keys, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *MemoryCache) expireLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire drops entries past their TTL. Marks are ordered, so it stops at
// the first live entry.
func (c *MemoryCache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key := front.Value.(string)
		if now.Sub(c.seen[key].markedAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

// Close stops the expiry loop. It is safe to call more than once.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
	return nil
}
