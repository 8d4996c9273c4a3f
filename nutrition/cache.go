package nutrition

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultCacheTTL is how long an analysis is reused.
const DefaultCacheTTL = 24 * time.Hour

// A Cache stores analyses by key.
type Cache interface {
	// Get returns the entry for key; ok is false on a miss or an expired entry.
	Get(ctx context.Context, key string) (info Info, ok bool, err error)
	Set(ctx context.Context, key string, info Info, ttl time.Duration) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (CacheStats, error)
	Close() error
}

// CacheStats describes the live content of a cache.
type CacheStats struct {
	Backend string   `json:"backend"`
	Size    int      `json:"cache_size"`
	TTL     string   `json:"cache_timeout"`
	Keys    []string `json:"cached_keys"`
}

type memoryEntry struct {
	info    Info
	expires time.Time
}

// MemoryCache is a process-local Cache whose expiry follows an injected clock.
type MemoryCache struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memoryEntry
}

// NewMemoryCache returns an empty MemoryCache on clk, the wall clock when nil.
func NewMemoryCache(clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryCache{clock: clk, entries: map[string]memoryEntry{}}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) (Info, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Info{}, false, nil
	}
	if !c.clock.Now().Before(e.expires) {
		delete(c.entries, key)
		return Info{}, false, nil
	}
	return e.info, true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, info Info, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{info: info, expires: c.clock.Now().Add(ttl)}
	return nil
}

// Clear implements Cache.
func (c *MemoryCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]memoryEntry{}
	return nil
}

// Stats implements Cache. Expired entries are dropped first.
func (c *MemoryCache) Stats(context.Context) (CacheStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	keys := make([]string, 0, len(c.entries))
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return CacheStats{Backend: "memory", Size: len(keys), Keys: keys}, nil
}

// Close implements Cache.
func (c *MemoryCache) Close() error {
	return nil
}
