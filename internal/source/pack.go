package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"tileview/internal/tile"
)

type PackStats struct {
	Layers int
	Tiles  int
	Bytes  int64
}

// Pack copies the given layers of a tile directory into an archive, all
// layers when none are given. A layer already in the archive keeps its zoom
// level and its tile range grows to cover the new tiles.
func Pack(ctx context.Context, from *Dir, to *ArchiveWriter, layers []string) (PackStats, error) {
	var stats PackStats

	if len(layers) == 0 {
		var err error
		if layers, err = from.Layers(); err != nil {
			return stats, err
		}
	}

	for _, layer := range layers {
		keys, err := from.Tiles(layer)
		if err != nil {
			return stats, err
		}
		if len(keys) == 0 {
			to.log.Warn("Skipping empty layer", zap.String("layer", layer))
			continue
		}

		n, size, err := to.packLayer(ctx, from, layer, keys)
		if err != nil {
			return stats, err
		}
		stats.Layers++
		stats.Tiles += n
		stats.Bytes += size
		to.log.Info("Packed layer", zap.String("layer", layer), zap.Int("tiles", n), zap.Int64("bytes", size))
	}
	return stats, nil
}

func (w *ArchiveWriter) packLayer(ctx context.Context, from *Dir, layer string, keys []tile.Key) (int, int64, error) {
	z, err := w.zoomLevelFor(ctx, layer)
	if err != nil {
		return 0, 0, err
	}
	for _, k := range keys {
		z.X0, z.X1 = min(z.X0, k.X), max(z.X1, k.X+1)
		z.Y0, z.Y1 = min(z.Y0, k.Y), max(z.Y1, k.Y+1)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(zoom_level, tile_column, tile_row) DO UPDATE SET tile_data = excluded.tile_data`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prepare tile insert: %w", err)
	}
	defer stmt.Close()

	var n int
	var size int64
	for _, k := range keys {
		data, err := from.Fetch(ctx, k)
		if err != nil {
			return 0, 0, err
		}
		if len(data) == 0 {
			continue
		}
		if _, err := stmt.ExecContext(ctx, z.Zoom, k.X, k.Y, data); err != nil {
			return 0, 0, fmt.Errorf("failed to write tile %s: %w", k, err)
		}
		n++
		size += int64(len(data))
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO zoom_levels (zoom_level, product_code, bbox_x0, bbox_x1, bbox_y0, bbox_y1)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(zoom_level) DO UPDATE SET
		bbox_x0 = excluded.bbox_x0,
		bbox_x1 = excluded.bbox_x1,
		bbox_y0 = excluded.bbox_y0,
		bbox_y1 = excluded.bbox_y1`, z.Zoom, z.ProductCode, z.X0, z.X1, z.Y0, z.Y1); err != nil {
		return 0, 0, fmt.Errorf("failed to add zoom level %d: %w", z.Zoom, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit layer %s: %w", layer, err)
	}
	return n, size, nil
}

// zoomLevelFor returns the archive's zoom level for layer, or a new one with
// an empty tile range numbered after the existing levels.
func (w *ArchiveWriter) zoomLevelFor(ctx context.Context, layer string) (ZoomLevel, error) {
	z := ZoomLevel{ProductCode: layer}
	err := w.db.QueryRowContext(ctx, `SELECT zoom_level, bbox_x0, bbox_x1, bbox_y0, bbox_y1
	FROM zoom_levels WHERE product_code = ?`, layer).Scan(&z.Zoom, &z.X0, &z.X1, &z.Y0, &z.Y1)
	switch {
	case err == nil:
		return z, nil
	case !errors.Is(err, sql.ErrNoRows):
		return z, fmt.Errorf("failed to read zoom level of %s: %w", layer, err)
	}

	if err := w.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(zoom_level) + 1, 0) FROM zoom_levels`).Scan(&z.Zoom); err != nil {
		return z, fmt.Errorf("failed to number zoom level of %s: %w", layer, err)
	}
	z.X0, z.Y0 = math.MaxInt, math.MaxInt
	z.X1, z.Y1 = math.MinInt, math.MinInt
	return z, nil
}
