package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type marker struct {
	token string
	at    time.Time
}

// MemoryCache is a mutex-guarded in-process dedup store. Expired entries are
// evicted lazily on access and in bulk by Sweep.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]marker
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithClock replaces the time source; tests use it to step past the TTL.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) { c.now = now }
}

// NewMemoryCache creates a cache with the given TTL window.
func NewMemoryCache(ttl time.Duration, opts ...MemoryOption) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]marker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCache) live(key string, now time.Time) (marker, bool) {
	m, ok := c.entries[key]
	if !ok {
		return marker{}, false
	}
	if now.Sub(m.at) >= c.ttl {
		delete(c.entries, key)
		return marker{}, false
	}
	return m, true
}

// IsProcessed implements Cache.
func (c *MemoryCache) IsProcessed(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.live(key, c.now())
	return ok, nil
}

// MarkProcessed implements Cache.
func (c *MemoryCache) MarkProcessed(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	token := uuid.NewString()
	c.entries[key] = marker{token: token, at: c.now()}
	return token, nil
}

// TryMark implements Cache. The check and the insert happen under one lock.
func (c *MemoryCache) TryMark(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if m, ok := c.live(key, now); ok {
		return m.token, false, nil
	}
	token := uuid.NewString()
	c.entries[key] = marker{token: token, at: now}
	return token, true, nil
}

// Sweep removes every expired entry and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, m := range c.entries {
		if now.Sub(m.at) >= c.ttl {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Run sweeps on every interval tick until ctx is cancelled.
func (c *MemoryCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Clear drops every entry.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]marker)
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
