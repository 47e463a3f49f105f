// Package texture caches GPU textures for map tiles and for standalone images.
// Everything in it runs on the render goroutine; only the statistics may be
// read from elsewhere.
package texture

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tileview/internal/decode"
	"tileview/internal/gpu"
	"tileview/internal/lru"
	"tileview/internal/metrics"
	"tileview/internal/tile"
)

const statsLogInterval = 10 * time.Second

// Texture is a tile's texture. MemoryUsage is what its last upload occupies.
type Texture struct {
	Key         tile.Key
	Handle      gpu.Handle
	MemoryUsage int64

	lastVisible uint64
}

type Stats struct {
	Textures     int64 `json:"textures"`
	MemoryUsage  int64 `json:"memory_usage"`
	SoftLimit    int64 `json:"soft_limit"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Uploads      int64 `json:"uploads"`
	Allocations  int64 `json:"allocations"`
	Reuses       int64 `json:"reuses"`
	FailedReuses int64 `json:"failed_reuses"`
	Deletes      int64 `json:"deletes"`
}

// TileCache keeps tile textures in recency order. Once the estimated memory
// use passes the soft limit, new tiles take over the texture of the least
// recently used tile, unless that tile was on screen in this frame or the
// previous one. Old textures beyond what the limit needs are deleted.
type TileCache struct {
	dev       gpu.Device
	softLimit int64
	tiles     *lru.Map[tile.Key, *Texture]
	epoch     uint64
	log       *zap.Logger

	usage        atomic.Int64
	count        atomic.Int64
	hits         atomic.Int64
	misses       atomic.Int64
	uploads      atomic.Int64
	allocs       atomic.Int64
	reuses       atomic.Int64
	failedReuses atomic.Int64
	deletes      atomic.Int64

	lastStatsLog time.Time
}

func NewTileCache(dev gpu.Device, softLimit int64, log *zap.Logger) *TileCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &TileCache{
		dev:          dev,
		softLimit:    softLimit,
		tiles:        lru.New[tile.Key, *Texture](),
		log:          log,
		lastStatsLog: time.Now(),
	}
}

// BeginFrame advances the visibility epoch. Call it once per frame before any
// lookups.
func (c *TileCache) BeginFrame() {
	c.epoch++

	if now := time.Now(); now.Sub(c.lastStatsLog) >= statsLogInterval {
		c.lastStatsLog = now
		s := c.Stats()
		c.log.Debug("Tile texture cache",
			zap.Int64("textures", s.Textures),
			zap.Int64("memory_usage", s.MemoryUsage),
			zap.Int64("hits", s.Hits),
			zap.Int64("misses", s.Misses),
			zap.Int64("uploads", s.Uploads),
			zap.Int64("allocations", s.Allocations),
			zap.Int64("reuses", s.Reuses),
			zap.Int64("failed_reuses", s.FailedReuses),
			zap.Int64("deletes", s.Deletes),
		)
	}
}

func (c *TileCache) Epoch() uint64 {
	return c.epoch
}

// Bind looks key up for drawing without allocating, counting hits and misses.
func (c *TileCache) Bind(key tile.Key) *Texture {
	tex, _ := c.Get(key, false)
	if tex == nil {
		c.misses.Add(1)
		metrics.TextureEvents.WithLabelValues("miss").Inc()
		return nil
	}
	c.hits.Add(1)
	metrics.TextureEvents.WithLabelValues("hit").Inc()
	return tex
}

// Get returns the texture for key and marks it visible in this frame. On a
// miss it returns nil unless allocate is set, in which case it recycles or
// creates a texture that has nothing uploaded yet.
func (c *TileCache) Get(key tile.Key, allocate bool) (*Texture, error) {
	if tex, ok := c.tiles.Get(key); ok {
		tex.lastVisible = c.epoch
		return tex, nil
	}
	if !allocate {
		return nil, nil
	}

	for c.usage.Load() > c.softLimit {
		oldKey, old, ok := c.tiles.Oldest()
		if !ok {
			break
		}
		if old.lastVisible+1 >= c.epoch {
			// Still on screen; recycling it would make it flicker.
			c.failedReuses.Add(1)
			metrics.TextureEvents.WithLabelValues("failed_reuse").Inc()
			break
		}

		c.tiles.Remove(oldKey)
		if c.usage.Load()-old.MemoryUsage > c.softLimit {
			// Left over from a burst; recycling it would keep usage high.
			c.release(old)
			continue
		}

		old.Key = key
		old.lastVisible = c.epoch
		c.tiles.Put(key, old)
		c.reuses.Add(1)
		metrics.TextureEvents.WithLabelValues("reuse").Inc()
		return old, nil
	}

	h, err := c.dev.CreateTexture()
	if err != nil {
		return nil, err
	}
	tex := &Texture{Key: key, Handle: h, lastVisible: c.epoch}
	c.tiles.Put(key, tex)
	c.count.Add(1)
	c.allocs.Add(1)
	metrics.TextureEvents.WithLabelValues("allocation").Inc()
	return tex, nil
}

// Upload stores bmp as the texture for key.
func (c *TileCache) Upload(key tile.Key, bmp *decode.Bitmap) (*Texture, error) {
	tex, err := c.Get(key, true)
	if err != nil {
		return nil, err
	}

	if err := c.dev.Upload(tex.Handle, bmp); err != nil {
		c.tiles.Remove(key)
		c.release(tex)
		return nil, err
	}

	size := bmp.ByteSize()
	c.usage.Add(size - tex.MemoryUsage)
	tex.MemoryUsage = size
	c.uploads.Add(1)
	metrics.TextureEvents.WithLabelValues("upload").Inc()
	metrics.TextureBytes.Set(float64(c.usage.Load()))
	return tex, nil
}

// release deletes a texture that is no longer in the map and takes its memory
// off the total.
func (c *TileCache) release(tex *Texture) {
	c.count.Add(-1)
	c.usage.Add(-tex.MemoryUsage)
	c.deletes.Add(1)
	if err := c.dev.DeleteTexture(tex.Handle); err != nil {
		c.log.Debug("Failed to delete tile texture", zap.Stringer("tile", tex.Key), zap.Error(err))
	}
	metrics.TextureEvents.WithLabelValues("delete").Inc()
	metrics.TextureBytes.Set(float64(c.usage.Load()))
}

// ResetForContextLoss forgets every texture. The device has already
// destroyed them, so nothing is deleted.
func (c *TileCache) ResetForContextLoss() {
	c.tiles.Clear()
	c.count.Store(0)
	c.usage.Store(0)
	metrics.TextureBytes.Set(0)
}

// MemoryUsage is the sum of MemoryUsage over all cached textures.
func (c *TileCache) MemoryUsage() int64 {
	return c.usage.Load()
}

func (c *TileCache) Len() int {
	return c.tiles.Len()
}

func (c *TileCache) SoftLimit() int64 {
	return c.softLimit
}

// Stats may be called from any goroutine.
func (c *TileCache) Stats() Stats {
	return Stats{
		Textures:     c.count.Load(),
		MemoryUsage:  c.usage.Load(),
		SoftLimit:    c.softLimit,
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Uploads:      c.uploads.Load(),
		Allocations:  c.allocs.Load(),
		Reuses:       c.reuses.Load(),
		FailedReuses: c.failedReuses.Load(),
		Deletes:      c.deletes.Load(),
	}
}
