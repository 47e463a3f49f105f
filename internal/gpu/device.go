// Package gpu describes the small part of a graphics device the renderer needs:
// textures that can be created, filled, drawn and deleted. Handles carry the
// generation of the context that created them, so a handle that survived a
// context loss is recognised as dead instead of aliasing a new texture.
package gpu

import (
	"errors"

	"tileview/internal/decode"
)

var (
	ErrStaleHandle   = errors.New("gpu: handle belongs to a lost context")
	ErrUnknownHandle = errors.New("gpu: unknown texture handle")
)

type Handle struct {
	ID         uint32
	Generation uint64
}

func (h Handle) IsZero() bool {
	return h.ID == 0
}

// Quad places a texture on screen. X and Y are the top-left corner in pixels.
// Smaller depth is drawn in front.
type Quad struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
	Depth  float64
	Alpha  float64
}

// Device must only be used from the render goroutine.
type Device interface {
	// Generation changes every time the context is recreated.
	Generation() uint64
	CreateTexture() (Handle, error)
	Upload(h Handle, bmp *decode.Bitmap) error
	Draw(h Handle, q Quad) error
	DeleteTexture(h Handle) error
}
