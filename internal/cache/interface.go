package cache

import "tileview/internal/tile"

// Cache holds encoded tile bytes keyed by tile.
type Cache interface {
	Get(key tile.Key) ([]byte, bool)
	Set(key tile.Key, value []byte)
	Has(key tile.Key) bool // Check if tile exists without touching its recency
	Remove(key tile.Key)
	Clear()
	Size() int64
}
