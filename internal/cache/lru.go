package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// LRUCache is a thread-safe LRU cache with per-entry expiry.
// It backs the community tier and serves as L1 of the two-phase cache.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	hits    int64
	misses  int64
	now     func() time.Time
}

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// Stats describes cache occupancy and effectiveness.
type Stats struct {
	Size     int   `json:"size"`
	Capacity int   `json:"capacity"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
}

// NewLRUCache creates an LRU cache holding at most maxSize entries
// (10000 when maxSize is not positive).
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Get returns the value under key, or nil when absent or expired.
func (c *LRUCache) Get(ctx context.Context, caseID, key string) ([]byte, error) {
	if caseID == "" {
		return nil, ErrMissingScope
	}
	fullKey := scopedKey(caseID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[fullKey]
	if !ok {
		c.misses++
		return nil, nil
	}
	entry := elem.Value.(*lruEntry)
	if c.now().After(entry.expiresAt) {
		c.remove(elem)
		c.misses++
		return nil, nil
	}

	c.order.MoveToFront(elem)
	c.hits++
	return entry.value, nil
}

// Set stores value under key for ttl, evicting the least recently used
// entries beyond capacity.
func (c *LRUCache) Set(ctx context.Context, caseID, key string, value []byte, ttl time.Duration) error {
	if caseID == "" {
		return ErrMissingScope
	}
	fullKey := scopedKey(caseID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if elem, ok := c.items[fullKey]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		return nil
	}

	c.items[fullKey] = c.order.PushFront(&lruEntry{key: fullKey, value: value, expiresAt: expiresAt})
	for c.order.Len() > c.maxSize {
		c.remove(c.order.Back())
	}
	return nil
}

// Delete removes key.
func (c *LRUCache) Delete(ctx context.Context, caseID, key string) error {
	if caseID == "" {
		return ErrMissingScope
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[scopedKey(caseID, key)]; ok {
		c.remove(elem)
	}
	return nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	return nil
}

// Stats returns a point-in-time view of the cache.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: c.order.Len(), Capacity: c.maxSize, Hits: c.hits, Misses: c.misses}
}

func scopedKey(caseID, key string) string {
	return caseID + ":" + key
}

func (c *LRUCache) remove(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry).key)
}
