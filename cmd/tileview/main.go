package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tileview/internal/cache"
	"tileview/internal/config"
	"tileview/internal/decode"
	"tileview/internal/decode/vipsdecode"
	"tileview/internal/fetch"
	"tileview/internal/gpu"
	httphandlers "tileview/internal/http"
	"tileview/internal/logger"
	"tileview/internal/maplayer"
	"tileview/internal/netwatch"
	"tileview/internal/render"
	"tileview/internal/source"
	"tileview/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logger.Level, cfg.Logger.Encoding)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("Tileview failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	var decoder decode.Decoder = decode.Std{}
	if cfg.Vips.Enabled {
		shutdownVips := vipsdecode.Startup(vipsdecode.Config{
			MaxCacheMB:  cfg.Vips.MaxCacheMB,
			Concurrency: cfg.Vips.Concurrency,
		}, log)
		defer shutdownVips()
		decoder = vipsdecode.Auto{}
	}

	catalog, err := maplayer.ForProducts(cfg.Layers)
	if err != nil {
		return fmt.Errorf("failed to build layer catalog: %w", err)
	}

	log.Info("Starting tileview",
		zap.String("addr", cfg.HTTP.Addr),
		zap.Strings("layers", cfg.Layers),
		zap.String("cache_dir", cfg.Cache.Dir),
	)

	tiered := cache.New(cache.Config{
		Dir:         cfg.Cache.Dir,
		MemoryBytes: cfg.Cache.MemoryBytes(),
		DiskBytes:   cfg.Cache.DiskBytes(),
		AppVersion:  cfg.Cache.AppVersion,
		WriteQueue:  cfg.Cache.WriteQueue,
	}, log)
	defer tiered.Close()

	var reach netwatch.Reachability = netwatch.Static(true)
	var monitor *netwatch.Monitor
	if cfg.Network.CheckAddr != "" {
		monitor = netwatch.NewMonitor(cfg.Network.CheckAddr, cfg.Network.CheckInterval, log)
		reach = monitor
	}

	sources, err := buildSources(ctx, cfg, catalog, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := source.CloseAll(sources); err != nil {
			log.Warn("Failed to close tile sources", zap.Error(err))
		}
	}()

	scheduler := fetch.NewScheduler(fetch.Config{Workers: cfg.Fetch.Workers}, tiered, decoder, reach, log)
	scheduler.SetSources(sources)

	camera := render.NewCamera(cfg.View.CenterX, cfg.View.CenterY, cfg.View.MetresPerPixel, cfg.View.Width, cfg.View.Height)
	opts := render.Options{
		Budget: render.BudgetConfig{
			AsyncFetches: cfg.Render.AsyncFetches,
			SyncFetches:  cfg.Render.SyncFetches,
			SoftDeadline: cfg.Render.SoftDeadline,
			HardDeadline: cfg.Render.HardDeadline,
		},
		FadeDuration:     cfg.Render.FadeDuration,
		TextureSoftLimit: cfg.GPU.SoftLimitBytes(),
	}
	renderer := render.New(catalog, camera, gpu.NewSoftDevice(), scheduler, opts, log)
	scheduler.SetDelegate(renderer)
	scheduler.Start()
	defer scheduler.Stop()

	if monitor != nil {
		// Tiles skipped while offline are worth asking for again.
		monitor.OnChange(func(reachable bool) {
			if reachable {
				renderer.RequestRedraw()
			}
		})
	}

	handlers := httphandlers.New(httphandlers.Deps{
		Catalog:       catalog,
		Cache:         tiered,
		Scheduler:     scheduler,
		Renderer:      renderer,
		Camera:        camera,
		Network:       reach,
		AllowedOrigin: cfg.HTTP.AllowedOrigin,
	}, log)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handlers.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Server started", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		renderer.Run(gctx, cfg.Render.FrameInterval)
		return nil
	})

	if monitor != nil {
		g.Go(func() error {
			monitor.Run(gctx)
			return nil
		})
	}

	if cfg.Warmup.Layers > 0 {
		g.Go(func() error {
			warmupTiles(gctx, catalog, camera.State(time.Now()), cfg.Warmup.Layers, cfg.Warmup.Workers, scheduler, log)
			return nil
		})
	}

	err = g.Wait()
	log.Info("Server stopped")
	return err
}
