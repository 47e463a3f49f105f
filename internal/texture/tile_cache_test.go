package texture

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tileview/internal/decode"
	"tileview/internal/gpu"
	"tileview/internal/tile"
)

// 16x16 RGBA: 1 KiB per tile.
func tileBitmap() *decode.Bitmap {
	return decode.NewBitmap(16, 16)
}

func sumUsage(c *TileCache) int64 {
	var total int64
	c.tiles.Range(func(_ tile.Key, tex *Texture) bool {
		total += tex.MemoryUsage
		return true
	})
	return total
}

func TestTileCacheMissWithoutAllocate(t *testing.T) {
	dev := gpu.NewSoftDevice()
	c := NewTileCache(dev, 1<<20, nil)
	c.BeginFrame()

	tex, err := c.Get(tile.New("SV", 0, 0), false)
	require.NoError(t, err)
	assert.Nil(t, tex)
	assert.Nil(t, c.Bind(tile.New("SV", 0, 0)))
	assert.Equal(t, 0, dev.LiveTextures())
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestTileCacheUploadAccountsMemory(t *testing.T) {
	dev := gpu.NewSoftDevice()
	c := NewTileCache(dev, 1<<20, nil)
	c.BeginFrame()

	k := tile.New("SV", 1, 2)
	tex, err := c.Upload(k, tileBitmap())
	require.NoError(t, err)
	assert.Equal(t, int64(1024), tex.MemoryUsage)
	assert.Equal(t, int64(1024), c.MemoryUsage())

	// Re-uploading a smaller bitmap adjusts by the delta.
	_, err = c.Upload(k, decode.NewBitmap(8, 8))
	require.NoError(t, err)
	assert.Equal(t, int64(256), c.MemoryUsage())
	assert.Equal(t, sumUsage(c), c.MemoryUsage())

	bound := c.Bind(k)
	require.NotNil(t, bound)
	got, ok := dev.Contents(bound.Handle)
	require.True(t, ok)
	assert.Equal(t, 8, got.Width)
}

func TestTileCacheNeverRecyclesVisibleTextures(t *testing.T) {
	dev := gpu.NewSoftDevice()
	c := NewTileCache(dev, 2*1024, nil)

	c.BeginFrame()
	visible := []tile.Key{tile.New("SV", 0, 0), tile.New("SV", 1, 0), tile.New("SV", 2, 0)}
	for _, k := range visible {
		_, err := c.Upload(k, tileBitmap())
		require.NoError(t, err)
	}

	// Next frame shows a new tile; everything from the previous frame is
	// still protected, so a fresh texture is allocated.
	c.BeginFrame()
	_, err := c.Upload(tile.New("SV", 3, 0), tileBitmap())
	require.NoError(t, err)
	for _, k := range visible {
		assert.NotNil(t, c.Bind(k))
	}
	assert.Equal(t, int64(4), c.Stats().Allocations)
	assert.Equal(t, int64(0), c.Stats().Reuses)
	assert.Equal(t, int64(1), c.Stats().FailedReuses)
	assert.Equal(t, sumUsage(c), c.MemoryUsage())
}

func TestTileCacheRecyclesStaleTextures(t *testing.T) {
	dev := gpu.NewSoftDevice()
	c := NewTileCache(dev, 2*1024, nil)

	c.BeginFrame()
	for x := 0; x < 3; x++ {
		_, err := c.Upload(tile.New("SV", x, 0), tileBitmap())
		require.NoError(t, err)
	}
	c.BeginFrame()
	c.BeginFrame()

	tex, err := c.Upload(tile.New("SV", 9, 9), tileBitmap())
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Stats().Reuses)
	assert.Equal(t, tile.New("SV", 9, 9), tex.Key)
	assert.Nil(t, c.Bind(tile.New("SV", 0, 0)))
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, 3, dev.LiveTextures())
	assert.Equal(t, sumUsage(c), c.MemoryUsage())
}

func TestTileCacheConvergesNearSoftLimit(t *testing.T) {
	dev := gpu.NewSoftDevice()
	const limit = 10 * 1024
	c := NewTileCache(dev, limit, nil)

	for i := 0; i < 1000; i++ {
		c.BeginFrame()
		_, err := c.Upload(tile.New("SV", i, 0), tileBitmap())
		require.NoError(t, err)
		assert.Equal(t, sumUsage(c), c.MemoryUsage())
	}

	// Each frame protects the current and previous tile, so the cache may
	// overshoot the limit by a couple of tiles but no more.
	assert.LessOrEqual(t, c.MemoryUsage(), int64(limit+2*1024))
	assert.Greater(t, c.Stats().Reuses, int64(900))
	assert.LessOrEqual(t, dev.LiveTextures(), 13)
}

func TestTileCacheShrinksAfterBurst(t *testing.T) {
	dev := gpu.NewSoftDevice()
	const limit = 10 * 1024
	c := NewTileCache(dev, limit, nil)

	// A single frame needs far more than the limit.
	c.BeginFrame()
	for i := 0; i < 1000; i++ {
		_, err := c.Upload(tile.New("SV", i, 0), tileBitmap())
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1000*1024), c.MemoryUsage())

	for i := 0; i < 50; i++ {
		c.BeginFrame()
		_, err := c.Upload(tile.New("SV", i, 1), tileBitmap())
		require.NoError(t, err)
		assert.Equal(t, sumUsage(c), c.MemoryUsage())
	}

	assert.LessOrEqual(t, c.MemoryUsage(), int64(limit+2*1024))
	assert.LessOrEqual(t, dev.LiveTextures(), 13)
	assert.Equal(t, int64(dev.LiveTextures()), c.Stats().Textures)
	assert.Greater(t, c.Stats().Deletes, int64(980))
}

func TestTileCacheResetForContextLoss(t *testing.T) {
	dev := gpu.NewSoftDevice()
	c := NewTileCache(dev, 1<<20, nil)
	c.BeginFrame()

	k := tile.New("SV", 0, 0)
	_, err := c.Upload(k, tileBitmap())
	require.NoError(t, err)

	dev.Reset()
	c.ResetForContextLoss()

	assert.Equal(t, int64(0), c.MemoryUsage())
	assert.Equal(t, 0, c.Len())
	assert.Nil(t, c.Bind(k))

	tex, err := c.Upload(k, tileBitmap())
	require.NoError(t, err)
	assert.Equal(t, dev.Generation(), tex.Handle.Generation)
}

type failingDevice struct {
	*gpu.SoftDevice
}

func (failingDevice) Upload(gpu.Handle, *decode.Bitmap) error {
	return errors.New("out of memory")
}

func TestTileCacheFailedUploadDropsEntry(t *testing.T) {
	dev := failingDevice{gpu.NewSoftDevice()}
	c := NewTileCache(dev, 1<<20, nil)
	c.BeginFrame()

	_, err := c.Upload(tile.New("SV", 0, 0), tileBitmap())
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.MemoryUsage())
	assert.Equal(t, 0, dev.LiveTextures())
}
