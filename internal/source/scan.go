package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var archiveExtensions = map[string]bool{
	".ostiles": true,
	".sqlite":  true,
	".db":      true,
	".mbtiles": true,
}

// ScanArchives opens every tile archive directly inside dir, in name order.
// Files that cannot be opened are logged and skipped.
func ScanArchives(dir string, log *zap.Logger) ([]*Archive, error) {
	if log == nil {
		log = zap.NewNop()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var archives []*Archive
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if !archiveExtensions[strings.ToLower(filepath.Ext(path))] {
			continue
		}

		a, err := OpenArchive(path, log)
		if err != nil {
			log.Warn("Failed to open tile archive, skipping", zap.String("path", path), zap.Error(err))
			continue
		}
		archives = append(archives, a)
	}

	log.Info("Scanned tile archives", zap.String("dir", dir), zap.Int("count", len(archives)))
	return archives, nil
}
