package discovery

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultCacheTTL bounds how long a ready result is served without asking
// the host again.
const DefaultCacheTTL = 20 * time.Second

const cachePruneAt = 500

type cacheEntry struct {
	result Result
	at     time.Time
}

// readyCache holds ready results only.
type readyCache struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	entries map[string]cacheEntry
}

func newReadyCache(clk clock.Clock, ttl time.Duration) *readyCache {
	return &readyCache{clock: clk, ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *readyCache) get(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	if c.clock.Since(e.at) >= c.ttl {
		delete(c.entries, key)
		return Result{}, false
	}
	return e.result, true
}

func (c *readyCache) put(key string, r Result) {
	if r.State != StateReady {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if len(c.entries) >= cachePruneAt {
		for k, e := range c.entries {
			if now.Sub(e.at) >= c.ttl {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = cacheEntry{result: r, at: now}
}
