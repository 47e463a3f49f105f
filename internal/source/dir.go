package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tileview/internal/tile"
)

// Dir serves tiles stored as plain files.
// Structure: {root}/{layer}/{x}_{y}.{ext}
type Dir struct {
	mu   sync.RWMutex
	root string
	ext  string
	log  *zap.Logger
}

var (
	_ Source = (*Dir)(nil)
	_ Sink   = (*Dir)(nil)
)

func NewDir(root, ext string, log *zap.Logger) (*Dir, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if ext == "" {
		ext = "png"
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tile directory: %w", err)
	}

	return &Dir{
		root: root,
		ext:  strings.TrimPrefix(ext, "."),
		log:  log,
	}, nil
}

func (d *Dir) buildFilePath(key tile.Key) string {
	fileName := fmt.Sprintf("%d_%d.%s", key.X, key.Y, d.ext)
	return filepath.Join(d.root, key.Layer, fileName)
}

func (d *Dir) Name() string {
	return "dir"
}

func (d *Dir) Fetch(_ context.Context, key tile.Key) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	data, err := os.ReadFile(d.buildFilePath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tile %s: %w", key, err)
	}
	return data, nil
}

// Store writes a tile atomically.
func (d *Dir) Store(_ context.Context, key tile.Key, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	filePath := d.buildFilePath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create layer directory: %w", err)
	}

	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write tile %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write tile %s: %w", key, err)
	}
	return nil
}

// Layers lists the layer directories present under the root.
func (d *Dir) Layers() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read tile directory: %w", err)
	}

	var layers []string
	for _, entry := range entries {
		if entry.IsDir() {
			layers = append(layers, entry.Name())
		}
	}
	return layers, nil
}

// Tiles lists the tiles stored for layer. Files that do not follow the
// naming scheme are skipped.
func (d *Dir) Tiles(layer string) ([]tile.Key, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(d.root, layer))
	if err != nil {
		return nil, fmt.Errorf("failed to read layer directory: %w", err)
	}

	suffix := "." + d.ext
	var keys []tile.Key
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}

		xs, ys, ok := strings.Cut(strings.TrimSuffix(name, suffix), "_")
		if !ok {
			continue
		}
		x, errX := strconv.Atoi(xs)
		y, errY := strconv.Atoi(ys)
		if errX != nil || errY != nil {
			d.log.Debug("Skipping unexpected file in tile directory", zap.String("layer", layer), zap.String("file", name))
			continue
		}
		keys = append(keys, tile.New(layer, x, y))
	}
	return keys, nil
}

func (d *Dir) IsNetwork() bool     { return false }
func (d *Dir) IsSynchronous() bool { return true }
func (d *Dir) ShouldPersist() bool { return false }
func (d *Dir) Close() error        { return nil }
