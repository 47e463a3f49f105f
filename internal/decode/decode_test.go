package decode

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestStdDecodesPNG(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	src.Set(2, 1, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	bmp, err := Std{}.Decode(encodePNG(t, src))
	require.NoError(t, err)

	assert.Equal(t, 3, bmp.Width)
	assert.Equal(t, 2, bmp.Height)
	assert.Equal(t, 12, bmp.Stride)
	assert.Equal(t, int64(24), bmp.ByteSize())

	off := 1*bmp.Stride + 2*4
	assert.Equal(t, []byte{10, 20, 30, 255}, bmp.Pix[off:off+4])
}

func TestStdRejectsGarbage(t *testing.T) {
	_, err := Std{}.Decode(nil)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Std{}.Decode([]byte("not an image"))
	assert.Error(t, err)
}

func TestFromImageNormalisesOrigin(t *testing.T) {
	src := image.NewRGBA(image.Rect(5, 5, 7, 6))
	src.Set(6, 5, color.RGBA{R: 1, G: 2, B: 3, A: 4})

	bmp := FromImage(src)
	assert.Equal(t, 2, bmp.Width)
	assert.Equal(t, 1, bmp.Height)
	assert.Equal(t, []byte{1, 2, 3, 4}, bmp.Pix[4:8])
}
