package source

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ArchiveWriter creates or extends a sqlite tile archive.
type ArchiveWriter struct {
	db  *sql.DB
	log *zap.Logger
}

// CreateArchive opens path for writing, creating it and its schema when
// needed.
func CreateArchive(path string, log *zap.Logger) (*ArchiveWriter, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}

	w := &ArchiveWriter{db: db, log: log}
	if err := w.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate archive: %w", err)
	}

	log.Info("Archive ready for writing", zap.String("path", path))
	return w, nil
}

func (w *ArchiveWriter) runMigrations() error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(w.db, "migrations")
}

// AddZoomLevel records the layer and tile range stored under z.Zoom,
// replacing any previous definition.
func (w *ArchiveWriter) AddZoomLevel(ctx context.Context, z ZoomLevel) error {
	query := `INSERT INTO zoom_levels (zoom_level, product_code, bbox_x0, bbox_x1, bbox_y0, bbox_y1)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(zoom_level) DO UPDATE SET
		product_code = excluded.product_code,
		bbox_x0 = excluded.bbox_x0,
		bbox_x1 = excluded.bbox_x1,
		bbox_y0 = excluded.bbox_y0,
		bbox_y1 = excluded.bbox_y1`

	if _, err := w.db.ExecContext(ctx, query, z.Zoom, z.ProductCode, z.X0, z.X1, z.Y0, z.Y1); err != nil {
		return fmt.Errorf("failed to add zoom level %d: %w", z.Zoom, err)
	}
	return nil
}

func (w *ArchiveWriter) PutTile(ctx context.Context, zoom, x, y int, data []byte) error {
	query := `INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(zoom_level, tile_column, tile_row) DO UPDATE SET tile_data = excluded.tile_data`

	if _, err := w.db.ExecContext(ctx, query, zoom, x, y, data); err != nil {
		return fmt.Errorf("failed to write tile %d/%d/%d: %w", zoom, x, y, err)
	}
	return nil
}

func (w *ArchiveWriter) Close() error {
	return w.db.Close()
}
