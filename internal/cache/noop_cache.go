package cache

import "tileview/internal/tile"

// NoopCache stands in for a disabled memory tier.
type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(key tile.Key) ([]byte, bool) {
	return nil, false
}

func (c *NoopCache) Set(key tile.Key, value []byte) {
}

func (c *NoopCache) Has(key tile.Key) bool {
	return false
}

func (c *NoopCache) Remove(key tile.Key) {
}

func (c *NoopCache) Clear() {
}

func (c *NoopCache) Size() int64 {
	return 0
}
