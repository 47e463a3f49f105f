package source

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"time"

	"tileview/internal/maplayer"
	"tileview/internal/tile"
)

const checkerSize = 8

type SyntheticConfig struct {
	// Latency delays every fetch, to stand in for a slow source.
	Latency     time.Duration
	Synchronous bool
	Products    Products
}

// Synthetic draws a flat tile whose colour is derived from the key, with a
// checkered border so tile edges are visible.
type Synthetic struct {
	cfg     SyntheticConfig
	catalog *maplayer.Catalog
	fetches atomic.Int64
}

var _ Source = (*Synthetic)(nil)

func NewSynthetic(cfg SyntheticConfig, catalog *maplayer.Catalog) *Synthetic {
	return &Synthetic{cfg: cfg, catalog: catalog}
}

func (s *Synthetic) Name() string {
	return "synthetic"
}

func (s *Synthetic) Fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	s.fetches.Add(1)

	if !s.cfg.Products.Allows(key.Layer) {
		return nil, nil
	}
	layer, ok := s.catalog.Lookup(key.Layer)
	if !ok {
		return nil, nil
	}

	if s.cfg.Latency > 0 {
		timer := time.NewTimer(s.cfg.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return Render(key, layer.TilePixels)
}

// Render encodes the synthetic tile for key as PNG.
func Render(key tile.Key, size int) ([]byte, error) {
	fill := ColorFor(key)
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := fill
			border := x < checkerSize || y < checkerSize || x >= size-checkerSize || y >= size-checkerSize
			if border && (x/checkerSize+y/checkerSize)%2 == 0 {
				c = color.RGBA{A: 0xff}
			}
			img.SetRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode synthetic tile: %w", err)
	}
	return buf.Bytes(), nil
}

// ColorFor is the opaque fill colour of the synthetic tile for key.
func ColorFor(key tile.Key) color.RGBA {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	sum := h.Sum32()
	return color.RGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 0xff}
}

// Fetches counts calls to Fetch.
func (s *Synthetic) Fetches() int64 {
	return s.fetches.Load()
}

func (s *Synthetic) IsNetwork() bool     { return false }
func (s *Synthetic) IsSynchronous() bool { return s.cfg.Synchronous }
func (s *Synthetic) ShouldPersist() bool { return true }
func (s *Synthetic) Close() error        { return nil }
