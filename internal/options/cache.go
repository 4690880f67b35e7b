package options

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

type cacheKey struct {
	provider  string
	parameter string
	context   string
}

func (k cacheKey) String() string {
	return k.provider + "/" + k.parameter + "/" + k.context
}

type cacheEntry struct {
	opts    []Option
	expires time.Time
}

// cache is a TTL map. A zero ttl disables caching.
type cache struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	entries map[cacheKey]cacheEntry
}

func newCache(clk clock.Clock, ttl time.Duration) *cache {
	return &cache{clock: clk, ttl: ttl, entries: map[cacheKey]cacheEntry{}}
}

func (c *cache) get(k cacheKey) ([]Option, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(e.expires) {
		delete(c.entries, k)
		return nil, false
	}
	return e.opts, true
}

func (c *cache) put(k cacheKey, opts []Option) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = cacheEntry{opts: opts, expires: c.clock.Now().Add(c.ttl)}
}

func (c *cache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[cacheKey]cacheEntry{}
}
