package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tileview/internal/config"
	"tileview/internal/maplayer"
	"tileview/internal/source"
)

// buildSources opens the configured sources in priority order: local
// archives, the tile directory, the shared redis cache, the web service and
// finally the synthetic generator. Optional sources that cannot be reached
// are skipped with a warning.
func buildSources(ctx context.Context, cfg *config.Config, catalog *maplayer.Catalog, log *zap.Logger) ([]source.Source, error) {
	var sources []source.Source
	sc := cfg.Sources

	if sc.ArchiveDir != "" {
		archives, err := source.ScanArchives(sc.ArchiveDir, log)
		if err != nil {
			log.Warn("Failed to scan tile archives", zap.String("dir", sc.ArchiveDir), zap.Error(err))
		}
		for _, a := range archives {
			sources = append(sources, a)
		}
	}

	if sc.TileDir != "" {
		dir, err := source.NewDir(sc.TileDir, sc.TileExt, log)
		if err != nil {
			source.CloseAll(sources)
			return nil, fmt.Errorf("failed to open tile directory: %w", err)
		}
		sources = append(sources, dir)
	}

	if sc.Redis.Enabled {
		r, err := source.NewRedis(source.RedisConfig{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			TTL:      sc.Redis.TTL,
		}, log)
		if err != nil {
			log.Warn("Redis tile cache unavailable, continuing without it", zap.String("addr", sc.Redis.Addr), zap.Error(err))
		} else {
			sources = append(sources, r)
		}
	}

	if sc.Web.URLTemplate != "" {
		web, err := source.NewWeb(source.WebConfig{
			URLTemplate:  sc.Web.URLTemplate,
			UserAgent:    sc.Web.UserAgent,
			Timeout:      sc.Web.Timeout,
			Products:     sc.Web.Products,
			MaxTileBytes: sc.Web.MaxTileBytes(),
		}, catalog, log)
		if err != nil {
			source.CloseAll(sources)
			return nil, fmt.Errorf("failed to create web source: %w", err)
		}
		sources = append(sources, web)
	}

	if sc.Synthetic.Enabled {
		sources = append(sources, source.NewSynthetic(source.SyntheticConfig{
			Latency:     sc.Synthetic.Latency,
			Synchronous: sc.Synthetic.Synchronous,
		}, catalog))
	}

	if err := ctx.Err(); err != nil {
		source.CloseAll(sources)
		return nil, err
	}

	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, s.Name())
	}
	if len(names) == 0 {
		log.Warn("No tile sources configured, only cached tiles will be shown")
	}
	log.Info("Tile sources ready", zap.Strings("sources", names))
	return sources, nil
}
