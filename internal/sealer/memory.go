package sealer

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// MemoryCache is an in-process NonceCache with a size bound and TTL.
// Entries are evicted oldest first once the bound is reached.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[Key]memoryEntry
	order   []Key
	limit   int
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	nonce   *big.Int
	expires time.Time
}

// NewMemoryCache creates a cache holding at most limit entries. A zero ttl
// keeps entries until evicted.
func NewMemoryCache(limit int, ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[Key]memoryEntry),
		limit:   max(limit, 1),
		ttl:     ttl,
		now:     time.Now,
	}
}

// GetNonce implements NonceCache
func (c *MemoryCache) GetNonce(_ context.Context, key Key) (*big.Int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	// expired entries stay in place until overwritten or evicted
	if !e.expires.IsZero() && c.now().After(e.expires) {
		return nil, false, nil
	}
	return new(big.Int).Set(e.nonce), true, nil
}

// SetNonce implements NonceCache
func (c *MemoryCache) SetNonce(_ context.Context, key Key, nonce *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := memoryEntry{nonce: new(big.Int).Set(nonce)}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}

	if _, exists := c.entries[key]; !exists {
		for len(c.order) >= c.limit {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = e
	return nil
}

// Len returns the number of stored entries, including expired ones
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
