// ABOUTME: Tests for the reply dedupe cache
// ABOUTME: Validates TTL expiry, size bound, sweeping, forgetting, and concurrent marking

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, max int) (*Cache, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(Options{TTL: ttl, MaxEntries: max, Now: clk.Now})
	t.Cleanup(c.Close)
	return c, clk
}

func TestKey(t *testing.T) {
	assert.Equal(t, Key("b1", "r1"), Key("b1", "r1"))
	assert.NotEqual(t, Key("b1", "r1"), Key("b2", "r1"))
	// The separator keeps "a"+"bc" and "ab"+"c" apart.
	assert.NotEqual(t, Key("a", "bc"), Key("ab", "c"))
}

func TestCache_SeenAndExpiry(t *testing.T) {
	c, clk := newTestCache(t, time.Minute, 10)

	assert.False(t, c.Seen("k"))
	c.Mark("k")
	assert.True(t, c.Seen("k"))

	clk.Advance(59 * time.Second)
	assert.True(t, c.Seen("k"))

	clk.Advance(time.Second)
	assert.False(t, c.Seen("k"))
}

func TestCache_MarkRefreshes(t *testing.T) {
	c, clk := newTestCache(t, time.Minute, 10)

	c.Mark("k")
	clk.Advance(40 * time.Second)
	c.Mark("k")
	clk.Advance(40 * time.Second)

	assert.True(t, c.Seen("k"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_CheckAndMark(t *testing.T) {
	c, clk := newTestCache(t, time.Minute, 10)

	assert.False(t, c.CheckAndMark("k"), "first sighting is new")
	assert.True(t, c.CheckAndMark("k"), "second sighting is a duplicate")

	clk.Advance(time.Minute)
	assert.False(t, c.CheckAndMark("k"), "expired entries count as new")
}

func TestCache_CheckAndMarkConcurrent(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 100)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("same") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
}

func TestCache_Forget(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Mark("k")
	c.Forget("k")
	c.Forget("never-marked")

	assert.False(t, c.Seen("k"))
	assert.Equal(t, 0, c.Len())
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c, clk := newTestCache(t, time.Hour, 3)

	for i := range 3 {
		c.Mark(fmt.Sprintf("k%d", i))
		clk.Advance(time.Second)
	}
	// Refreshing k0 makes k1 the oldest.
	c.Mark("k0")
	c.Mark("k3")

	assert.Equal(t, 3, c.Len())
	assert.True(t, c.Seen("k0"))
	assert.False(t, c.Seen("k1"))
	assert.True(t, c.Seen("k2"))
	assert.True(t, c.Seen("k3"))
}

func TestCache_Sweep(t *testing.T) {
	c, clk := newTestCache(t, time.Minute, 10)

	c.Mark("old-1")
	c.Mark("old-2")
	clk.Advance(30 * time.Second)
	c.Mark("young")
	clk.Advance(30 * time.Second)

	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("young"))
	assert.Equal(t, 0, c.Sweep())
}

func TestCache_Defaults(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	assert.Equal(t, DefaultTTL, c.ttl)
	assert.Equal(t, DefaultMaxEntries, c.maxSize)
}

func TestCache_CloseTwice(t *testing.T) {
	c := New(Options{TTL: time.Second})
	c.Close()
	c.Close()
}

func TestSweepInterval(t *testing.T) {
	assert.Equal(t, time.Second, sweepInterval(100*time.Millisecond))
	assert.Equal(t, 5*time.Second, sweepInterval(10*time.Second))
	assert.Equal(t, time.Minute, sweepInterval(time.Hour))
}
