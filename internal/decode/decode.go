// Package decode turns encoded tile bytes into uncompressed RGBA bitmaps that
// can be uploaded to the GPU.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
)

var ErrEmpty = errors.New("decode: empty input")

// Bitmap is an 8-bit RGBA image. Rows are Stride bytes apart.
type Bitmap struct {
	Width  int
	Height int
	Stride int
	Pix    []byte
}

func NewBitmap(width, height int) *Bitmap {
	return &Bitmap{
		Width:  width,
		Height: height,
		Stride: width * 4,
		Pix:    make([]byte, width*height*4),
	}
}

// ByteSize is the memory a texture built from the bitmap occupies.
func (b *Bitmap) ByteSize() int64 {
	return int64(b.Stride) * int64(b.Height)
}

type Decoder interface {
	Decode(data []byte) (*Bitmap, error)
}

// Func adapts a function to the Decoder interface.
type Func func(data []byte) (*Bitmap, error)

func (f Func) Decode(data []byte) (*Bitmap, error) {
	return f(data)
}

// Std decodes PNG and JPEG with the image package.
type Std struct{}

func (Std) Decode(data []byte) (*Bitmap, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile: %w", err)
	}
	return FromImage(img), nil
}

// FromImage converts any image to a Bitmap, copying only when the image is
// not already tightly packed RGBA.
func FromImage(img image.Image) *Bitmap {
	bounds := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && bounds.Min == (image.Point{}) {
		return &Bitmap{Width: bounds.Dx(), Height: bounds.Dy(), Stride: rgba.Stride, Pix: rgba.Pix}
	}

	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	return &Bitmap{Width: bounds.Dx(), Height: bounds.Dy(), Stride: rgba.Stride, Pix: rgba.Pix}
}
