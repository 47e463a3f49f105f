package cache

import (
	"sync"

	"tileview/internal/lru"
	"tileview/internal/tile"
)

// MemoryCache implements an in-memory LRU cache bounded by the total length of
// the stored values.
type MemoryCache struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	items    *lru.Map[tile.Key, []byte]
}

// NewMemoryCache creates a new in-memory LRU cache holding at most maxBytes
func NewMemoryCache(maxBytes int64) *MemoryCache {
	return &MemoryCache{
		maxBytes: maxBytes,
		items:    lru.New[tile.Key, []byte](),
	}
}

func (c *MemoryCache) Has(key tile.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.items.Contains(key)
}

func (c *MemoryCache) Get(key tile.Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.items.Get(key)
}

// Set stores value as the most recently used entry. A value larger than the
// whole cache is not kept.
func (c *MemoryCache) Set(key tile.Key, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := int64(len(value))
	if n > c.maxBytes {
		if prev, ok := c.items.Remove(key); ok {
			c.size -= int64(len(prev))
		}
		return
	}

	prev, replaced := c.items.Put(key, value)
	if replaced {
		c.size -= int64(len(prev))
	}
	c.size += n

	for c.size > c.maxBytes {
		_, evicted, ok := c.items.RemoveOldest()
		if !ok {
			break
		}
		c.size -= int64(len(evicted))
	}
}

func (c *MemoryCache) Remove(key tile.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.items.Remove(key); ok {
		c.size -= int64(len(prev))
	}
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items.Clear()
	c.size = 0
}

// Size returns the total length of the cached values.
func (c *MemoryCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.size
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.items.Len()
}

func (c *MemoryCache) MaxBytes() int64 {
	return c.maxBytes
}
