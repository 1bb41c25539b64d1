package messaging

import (
	"fmt"
	"sync"
	"time"
)

// Defaults for the deduplication cache.
const (
	DefaultDedupWindow     = 5 * time.Minute
	DefaultDedupMaxEntries = 10000
	dedupSweepInterval     = 30 * time.Second
)

// ErrDedupCacheFull is returned when the cache hits its hard entry cap
// even after evicting expired entries.
var ErrDedupCacheFull = fmt.Errorf("deduplication cache full")

// DedupCache tracks recently seen envelope ids within a sliding time
// window so at-least-once senders do not double-deliver in process.
// Entries older than the window are evicted by a periodic sweep; a hard
// entry cap bounds memory under load.
type DedupCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	window  time.Duration
	maxSize int
	done    chan struct{}
	once    sync.Once
}

// NewDedupCache creates a cache and starts its sweep loop. Zero values
// select the defaults.
func NewDedupCache(window time.Duration, maxEntries int) *DedupCache {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultDedupMaxEntries
	}
	c := &DedupCache{
		entries: make(map[string]time.Time),
		window:  window,
		maxSize: maxEntries,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen records id and reports whether it was already seen within the
// window. A repeat id after the window has elapsed is treated as new.
func (c *DedupCache) Seen(id string) (bool, error) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts, ok := c.entries[id]; ok && now.Sub(ts) < c.window {
		c.entries[id] = now
		return true, nil
	}

	if len(c.entries) >= c.maxSize {
		c.evictExpiredLocked(now)
		if len(c.entries) >= c.maxSize {
			return false, ErrDedupCacheFull
		}
	}

	c.entries[id] = now
	return false, nil
}

// Forget removes id so a later send may record it again. Used when a
// send is rejected after the id was recorded: the rejection contract
// tells the caller to retry, and that retry must not read as a
// duplicate.
func (c *DedupCache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Len returns the number of tracked ids.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the sweep loop.
func (c *DedupCache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *DedupCache) sweepLoop() {
	ticker := time.NewTicker(dedupSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.evictExpiredLocked(time.Now())
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

func (c *DedupCache) evictExpiredLocked(now time.Time) {
	for id, ts := range c.entries {
		if now.Sub(ts) >= c.window {
			delete(c.entries, id)
		}
	}
}
