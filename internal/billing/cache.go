package billing

import (
	"sync"
	"time"
)

// balanceCache is a TTL read cache for GetBalance. It is owned by the
// Service; mutations invalidate synchronously so the next read on the same
// account always reflects the committed balance. Fills are versioned: a
// reader snapshots the account generation before going to storage and the
// fill is discarded if an invalidation bumped the generation in between,
// so a slow read can never re-cache a pre-mutation balance.
type balanceCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
	gens    map[string]uint64
	now     func() time.Time
}

type cacheEntry struct {
	balance   Balance
	expiresAt time.Time
}

func newBalanceCache(ttl time.Duration) *balanceCache {
	return &balanceCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		gens:    make(map[string]uint64),
		now:     time.Now,
	}
}

func (c *balanceCache) get(accountID string) (Balance, bool) {
	if c.ttl <= 0 {
		return Balance{}, false
	}
	c.mu.RLock()
	entry, ok := c.entries[accountID]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		return Balance{}, false
	}
	return entry.balance, true
}

// generation snapshots the invalidation counter for the account. Callers
// take it before reading storage and hand it back to put.
func (c *balanceCache) generation(accountID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[accountID]
}

// put commits a fill only if no invalidation happened since gen was
// observed; a read overtaken by a mutation loses.
func (c *balanceCache) put(accountID string, b Balance, gen uint64) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[accountID] != gen {
		return
	}
	c.entries[accountID] = cacheEntry{balance: b, expiresAt: c.now().Add(c.ttl)}
}

func (c *balanceCache) invalidate(accountID string) {
	c.mu.Lock()
	c.gens[accountID]++
	delete(c.entries, accountID)
	c.mu.Unlock()
}
