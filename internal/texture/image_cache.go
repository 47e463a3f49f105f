package texture

import (
	"fmt"

	"tileview/internal/decode"
	"tileview/internal/gpu"
)

// Image is a texture shared by everyone drawing the same bitmap.
type Image struct {
	bmp    *decode.Bitmap
	handle gpu.Handle
	refs   int
}

func (img *Image) Handle() gpu.Handle {
	return img.handle
}

func (img *Image) Width() int {
	return img.bmp.Width
}

func (img *Image) Height() int {
	return img.bmp.Height
}

// ImageCache uploads each bitmap once and keeps its texture while at least
// one holder has acquired it. Released textures are deleted lazily, by Reap or
// the next upload, and only if they still belong to the current context.
type ImageCache struct {
	dev      gpu.Device
	images   map[*decode.Bitmap]*Image
	released []*Image
}

func NewImageCache(dev gpu.Device) *ImageCache {
	return &ImageCache{
		dev:    dev,
		images: make(map[*decode.Bitmap]*Image),
	}
}

// Acquire returns the texture for bmp, uploading it if needed. Every Acquire
// must be matched by a Release.
func (c *ImageCache) Acquire(bmp *decode.Bitmap) (*Image, error) {
	if img, ok := c.images[bmp]; ok {
		img.refs++
		return img, nil
	}

	c.Reap()

	h, err := c.dev.CreateTexture()
	if err != nil {
		return nil, err
	}
	if err := c.dev.Upload(h, bmp); err != nil {
		_ = c.dev.DeleteTexture(h)
		return nil, err
	}

	img := &Image{bmp: bmp, handle: h, refs: 1}
	c.images[bmp] = img
	return img, nil
}

func (c *ImageCache) Release(img *Image) {
	if img.refs <= 0 {
		panic(fmt.Sprintf("texture: image %v released more often than acquired", img.handle))
	}
	img.refs--
	if img.refs == 0 {
		c.released = append(c.released, img)
	}
}

// Reap deletes the textures whose last holder released them. Call it once the
// frame no longer draws them.
func (c *ImageCache) Reap() {
	gen := c.dev.Generation()
	for _, img := range c.released {
		if img.refs > 0 {
			continue
		}
		if c.images[img.bmp] == img {
			delete(c.images, img.bmp)
		}
		if img.handle.Generation == gen {
			_ = c.dev.DeleteTexture(img.handle)
		}
	}
	c.released = c.released[:0]
}

// ResetForContextLoss forgets all textures without deleting them.
func (c *ImageCache) ResetForContextLoss() {
	c.images = make(map[*decode.Bitmap]*Image)
	c.released = nil
}

func (c *ImageCache) Len() int {
	return len(c.images)
}
