package cache

import (
	"go.uber.org/zap"

	"tileview/internal/disklru"
)

// diskValueCount is the number of values per disk entry: the encoded tile.
const diskValueCount = 1

type Config struct {
	Dir         string
	MemoryBytes int64
	DiskBytes   int64
	AppVersion  int
	WriteQueue  int
}

// New creates the tiered tile cache described by cfg. A zero size disables a
// tier; a disk tier that cannot be opened degrades to memory only.
func New(cfg Config, log *zap.Logger) *Tiered {
	if log == nil {
		log = zap.NewNop()
	}

	var memory Cache
	if cfg.MemoryBytes > 0 {
		log.Info("Using memory tile cache", zap.Int64("max_bytes", cfg.MemoryBytes))
		memory = NewMemoryCache(cfg.MemoryBytes)
	} else {
		log.Info("Memory tile cache disabled")
		memory = NewNoopCache()
	}

	var disk *disklru.Store
	if cfg.DiskBytes > 0 && cfg.Dir != "" {
		store, err := disklru.Open(cfg.Dir, cfg.AppVersion, diskValueCount, cfg.DiskBytes, disklru.WithLogger(log))
		if err != nil {
			log.Warn("Failed to open disk tile cache, continuing without it",
				zap.String("cache_dir", cfg.Dir),
				zap.Error(err),
			)
		} else {
			log.Info("Using disk tile cache",
				zap.String("cache_dir", cfg.Dir),
				zap.Int64("max_bytes", cfg.DiskBytes),
			)
			disk = store
		}
	} else {
		log.Info("Disk tile cache disabled")
	}

	return NewTiered(memory, disk, cfg.WriteQueue, log)
}
