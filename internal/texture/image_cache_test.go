package texture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tileview/internal/decode"
	"tileview/internal/gpu"
)

func TestImageCacheSharesTextures(t *testing.T) {
	dev := gpu.NewSoftDevice()
	c := NewImageCache(dev)
	bmp := decode.NewBitmap(4, 4)

	a, err := c.Acquire(bmp)
	require.NoError(t, err)
	b, err := c.Acquire(bmp)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, dev.Uploads())
	assert.Equal(t, 4, a.Width())
}

func TestImageCacheDeletesReleasedTexturesLazily(t *testing.T) {
	dev := gpu.NewSoftDevice()
	c := NewImageCache(dev)
	first := decode.NewBitmap(1, 1)

	img, err := c.Acquire(first)
	require.NoError(t, err)
	c.Release(img)
	assert.Equal(t, 1, dev.LiveTextures())

	_, err = c.Acquire(decode.NewBitmap(2, 2))
	require.NoError(t, err)
	assert.Equal(t, 1, dev.LiveTextures())
	assert.Equal(t, 1, c.Len())
}

func TestImageCacheReapDeletesReleasedTextures(t *testing.T) {
	dev := gpu.NewSoftDevice()
	c := NewImageCache(dev)
	shared := decode.NewBitmap(1, 1)

	a, err := c.Acquire(shared)
	require.NoError(t, err)
	b, err := c.Acquire(shared)
	require.NoError(t, err)

	c.Release(a)
	c.Reap()
	assert.Equal(t, 1, dev.LiveTextures(), "still held once")

	c.Release(b)
	c.Reap()
	assert.Equal(t, 0, dev.LiveTextures())
	assert.Equal(t, 0, c.Len())
}

func TestImageCacheReacquireBeforeReap(t *testing.T) {
	dev := gpu.NewSoftDevice()
	c := NewImageCache(dev)
	bmp := decode.NewBitmap(1, 1)

	img, err := c.Acquire(bmp)
	require.NoError(t, err)
	c.Release(img)

	again, err := c.Acquire(bmp)
	require.NoError(t, err)
	assert.Same(t, img, again)

	_, err = c.Acquire(decode.NewBitmap(2, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, dev.LiveTextures())
	assert.NoError(t, dev.Draw(again.Handle(), gpu.Quad{}))
}

func TestImageCacheContextLoss(t *testing.T) {
	dev := gpu.NewSoftDevice()
	c := NewImageCache(dev)
	bmp := decode.NewBitmap(1, 1)

	old, err := c.Acquire(bmp)
	require.NoError(t, err)

	dev.Reset()
	c.ResetForContextLoss()

	fresh, err := c.Acquire(bmp)
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)

	// Releasing the stale image must not disturb the new one.
	c.Release(old)
	_, err = c.Acquire(decode.NewBitmap(2, 2))
	require.NoError(t, err)
	assert.NoError(t, dev.Draw(fresh.Handle(), gpu.Quad{}))
}

func TestImageCacheOverReleasePanics(t *testing.T) {
	c := NewImageCache(gpu.NewSoftDevice())
	img, err := c.Acquire(decode.NewBitmap(1, 1))
	require.NoError(t, err)
	c.Release(img)
	assert.Panics(t, func() { c.Release(img) })
}
