// ABOUTME: TTL and size bounded seen-set for child reply ids
// ABOUTME: Keys combine agent id and upstream reply id; the oldest entries evict first

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultTTL        = 10 * time.Minute
	DefaultMaxEntries = 10000
)

// Key builds the cache key for a reply from agentID.
func Key(agentID, replyID string) string {
	return agentID + "\x00" + replyID
}

type entry struct {
	key    string
	seenAt time.Time
}

// Cache is a thread-safe seen-set. Entries are kept in a list ordered by the
// time they were last marked, oldest at the front.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Options configures a Cache. Zero values fall back to the defaults.
type Options struct {
	TTL        time.Duration
	MaxEntries int
	Now        func() time.Time
}

// New creates a cache and starts its background sweeper. Call Close to stop it.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     opts.TTL,
		maxSize: opts.MaxEntries,
		now:     opts.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval(opts.TTL))
	return c
}

func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// CheckAndMark marks key and reports whether it was already live.
// Two concurrent callers with the same key get exactly one false.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key as seen now.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Forget removes key, typically after the work it guarded failed.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
}

// Len returns the number of entries, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) liveLocked(key string) bool {
	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	e, _ := elem.Value.(*entry)
	return c.now().Sub(e.seenAt) < c.ttl
}

func (c *Cache) markLocked(key string) {
	now := c.now()

	if elem, ok := c.entries[key]; ok {
		e, _ := elem.Value.(*entry)
		e.seenAt = now
		c.order.MoveToBack(elem)
		return
	}

	for len(c.entries) >= c.maxSize {
		c.removeFrontLocked()
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, seenAt: now})
}

func (c *Cache) removeFrontLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e, _ := front.Value.(*entry)
	c.order.Remove(front)
	delete(c.entries, e.key)
}

// Sweep drops expired entries. The order list is sorted by seenAt, so it
// stops at the first live entry.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e, _ := front.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			break
		}
		c.removeFrontLocked()
		removed++
	}
	return removed
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
