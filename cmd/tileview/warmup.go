package main

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tileview/internal/maplayer"
	"tileview/internal/render"
	"tileview/internal/tile"
)

type resolver interface {
	Resolve(ctx context.Context, key tile.Key) ([]byte, bool)
}

// warmupKeys lists the tiles covering the view in the best layer for its
// scale and in up to spread layers on either side of it, best layer first.
func warmupKeys(catalog *maplayer.Catalog, st render.ViewState, spread int) []tile.Key {
	best := catalog.BestFor(st.MetresPerPixel)
	visible := st.VisibleRect()

	order := []int{best}
	for d := 1; d <= spread; d++ {
		order = append(order, best+d, best-d)
	}

	var keys []tile.Key
	for _, i := range order {
		layer, ok := catalog.At(i)
		if !ok {
			continue
		}
		tm := layer.TileMetres
		x0, x1 := int(math.Floor(visible.MinX/tm)), int(math.Ceil(visible.MaxX/tm))
		y0, y1 := int(math.Floor(visible.MinY/tm)), int(math.Ceil(visible.MaxY/tm))
		for x := x0; x < x1; x++ {
			for y := y0; y < y1; y++ {
				keys = append(keys, tile.New(layer.ID, x, y))
			}
		}
	}
	return keys
}

// warmupTiles pulls the tiles around the initial view into the caches with at
// most workerLimit fetches in flight.
func warmupTiles(ctx context.Context, catalog *maplayer.Catalog, st render.ViewState, spread, workerLimit int, r resolver, log *zap.Logger) int64 {
	keys := warmupKeys(catalog, st, spread)
	if len(keys) == 0 {
		return 0
	}

	log.Info("Starting tile warmup", zap.Int("tiles", len(keys)), zap.Int("layers", 2*spread+1))
	start := time.Now()

	if workerLimit <= 0 {
		workerLimit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workerLimit)

	var found atomic.Int64
	for _, key := range keys {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if _, ok := r.Resolve(gctx, key); ok {
				found.Add(1)
			} else {
				log.Debug("Warmup tile not found", zap.Stringer("tile", key))
			}
			return nil
		})
	}
	g.Wait()

	log.Info("Tile warmup completed",
		zap.Int64("found", found.Load()),
		zap.Int("requested", len(keys)),
		zap.Duration("duration", time.Since(start)),
	)
	return found.Load()
}
