package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"tileview/internal/tile"
)

// ZoomLevel maps a layer to the archive's internal zoom level and the range
// of tiles the archive holds for it. X0 and Y0 are inclusive, X1 and Y1
// exclusive.
type ZoomLevel struct {
	Zoom        int
	ProductCode string
	X0, X1      int
	Y0, Y1      int
}

func (z ZoomLevel) Contains(x, y int) bool {
	return z.X0 <= x && x < z.X1 && z.Y0 <= y && y < z.Y1
}

// Archive reads tiles from a sqlite tile archive. It is local and fast
// enough to be queried on the render goroutine, and its tiles are never
// copied into the persistent cache.
type Archive struct {
	path   string
	db     *sql.DB
	levels map[string]ZoomLevel
	log    *zap.Logger
}

var _ Source = (*Archive)(nil)

// OpenArchive opens an existing archive read-only.
func OpenArchive(path string, log *zap.Logger) (*Archive, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	a := &Archive{
		path: path,
		db:   db,
		log:  log,
	}
	if err := a.loadZoomLevels(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("Opened tile archive",
		zap.String("path", path),
		zap.Strings("products", a.Products()),
	)
	return a, nil
}

func (a *Archive) loadZoomLevels() error {
	rows, err := a.db.Query(`SELECT zoom_level, product_code, bbox_x0, bbox_x1, bbox_y0, bbox_y1
	FROM zoom_levels`)
	if err != nil {
		return fmt.Errorf("failed to read zoom levels: %w", err)
	}
	defer rows.Close()

	a.levels = make(map[string]ZoomLevel)
	for rows.Next() {
		var z ZoomLevel
		if err := rows.Scan(&z.Zoom, &z.ProductCode, &z.X0, &z.X1, &z.Y0, &z.Y1); err != nil {
			return fmt.Errorf("failed to read zoom levels: %w", err)
		}
		a.levels[z.ProductCode] = z
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read zoom levels: %w", err)
	}
	return nil
}

func (a *Archive) Name() string {
	return "archive:" + filepath.Base(a.path)
}

// Products returns the layers the archive has tiles for, sorted.
func (a *Archive) Products() []string {
	return slices.Sorted(maps.Keys(a.levels))
}

func (a *Archive) ZoomLevel(layer string) (ZoomLevel, bool) {
	z, ok := a.levels[layer]
	return z, ok
}

func (a *Archive) Fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	z, ok := a.levels[key.Layer]
	if !ok || !z.Contains(key.X, key.Y) {
		return nil, nil
	}

	query := `SELECT tile_data
	FROM tiles
	WHERE tile_row = ? AND tile_column = ? AND zoom_level = ?`

	var data []byte
	err := a.db.QueryRowContext(ctx, query, key.Y, key.X, z.Zoom).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tile %s from archive: %w", key, err)
	}
	return data, nil
}

func (a *Archive) IsNetwork() bool     { return false }
func (a *Archive) IsSynchronous() bool { return true }
func (a *Archive) ShouldPersist() bool { return false }

func (a *Archive) Close() error {
	return a.db.Close()
}
