// Package vipsdecode decodes tiles with libvips, which understands formats the
// image package does not (WebP, TIFF, JPEG 2000). It needs cgo and libvips.
package vipsdecode

import (
	"bytes"
	"fmt"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tileview/internal/decode"
)

type Config struct {
	MaxCacheMB  int
	Concurrency int
}

// Startup initialises libvips and routes its warnings into log. Call the
// returned function on shutdown.
func Startup(cfg Config, log *zap.Logger) func() {
	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(&vips.Config{
		ConcurrencyLevel: cfg.Concurrency,
		MaxCacheMem:      cfg.MaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	})

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.MaxCacheMB),
		zap.Int("concurrency", cfg.Concurrency),
	)
	return vips.Shutdown
}

// Decoder loads any format libvips supports and normalises it through a
// lossless PNG round trip into a decode.Bitmap.
type Decoder struct{}

func (Decoder) Decode(data []byte) (*decode.Bitmap, error) {
	if len(data) == 0 {
		return nil, decode.ErrEmpty
	}

	image, err := vips.NewImageFromBuffer(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load tile: %w", err)
	}
	defer image.Close()

	png, err := image.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to export tile: %w", err)
	}

	bmp, err := decode.Std{}.Decode(png)
	if err != nil {
		return nil, err
	}
	if bmp.Width != image.Width() || bmp.Height != image.Height() {
		return nil, fmt.Errorf("unexpected tile size %dx%d, want %dx%d", bmp.Width, bmp.Height, image.Width(), image.Height())
	}
	return bmp, nil
}

// Sniff reports whether data looks like a format only libvips can read.
func Sniff(data []byte) bool {
	switch {
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return true
	case len(data) >= 4 && (bytes.Equal(data[:4], []byte("II*\x00")) || bytes.Equal(data[:4], []byte("MM\x00*"))):
		return true
	default:
		return false
	}
}

// Auto uses the image package for PNG and JPEG and libvips for the rest.
type Auto struct {
	Std  decode.Std
	Vips Decoder
}

func (a Auto) Decode(data []byte) (*decode.Bitmap, error) {
	if Sniff(data) {
		return a.Vips.Decode(data)
	}
	return a.Std.Decode(data)
}
