package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tileview/internal/maplayer"
	"tileview/internal/tile"
)

const (
	tracerName = "tileview/internal/source"

	DefaultMaxTileBytes = 4 << 20
)

var ErrTileTooLarge = errors.New("tile exceeds the size limit")

// WebConfig describes a tile service. URLTemplate may contain {layer},
// {layercode}, {x}, {y}, {size} and {bbox}; {bbox} expands to "x0,y0,x1,y1"
// in metres, for WMS servers. Responses longer than MaxTileBytes are rejected.
type WebConfig struct {
	URLTemplate  string
	UserAgent    string
	Timeout      time.Duration
	Products     Products
	MaxTileBytes int64
}

// Web fetches tiles from an HTTP tile service.
type Web struct {
	cfg        WebConfig
	catalog    *maplayer.Catalog
	httpClient *http.Client
	tracer     trace.Tracer
	log        *zap.Logger
}

var _ Source = (*Web)(nil)

func NewWeb(cfg WebConfig, catalog *maplayer.Catalog, log *zap.Logger) (*Web, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.URLTemplate == "" {
		return nil, fmt.Errorf("web source needs a URL template")
	}
	if _, err := url.Parse(strings.NewReplacer("{", "", "}", "").Replace(cfg.URLTemplate)); err != nil {
		return nil, fmt.Errorf("invalid URL template: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTileBytes <= 0 {
		cfg.MaxTileBytes = DefaultMaxTileBytes
	}

	return &Web{
		cfg:     cfg,
		catalog: catalog,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		tracer: otel.Tracer(tracerName),
		log:    log,
	}, nil
}

// URLFor returns the request URL for key, or false when the layer is not
// served by this source.
func (w *Web) URLFor(key tile.Key) (string, bool) {
	if !w.cfg.Products.Allows(key.Layer) {
		return "", false
	}
	layer, ok := w.catalog.Lookup(key.Layer)
	if !ok {
		return "", false
	}

	x0 := layer.TileMetres * float64(key.X)
	y0 := layer.TileMetres * float64(key.Y)
	bbox := fmt.Sprintf("%s,%s,%s,%s",
		formatMetres(x0), formatMetres(y0),
		formatMetres(x0+layer.TileMetres), formatMetres(y0+layer.TileMetres),
	)

	r := strings.NewReplacer(
		"{layer}", url.QueryEscape(layer.ID),
		"{layercode}", url.QueryEscape(layer.LayerCode),
		"{x}", strconv.Itoa(key.X),
		"{y}", strconv.Itoa(key.Y),
		"{size}", strconv.Itoa(layer.TilePixels),
		"{bbox}", bbox,
	)
	return r.Replace(w.cfg.URLTemplate), true
}

func formatMetres(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (w *Web) Name() string {
	return "web"
}

func (w *Web) Fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	tileURL, ok := w.URLFor(key)
	if !ok {
		return nil, nil
	}

	ctx, span := w.tracer.Start(ctx, "web.Fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tile.key", key.String()),
			attribute.String("url.full", tileURL),
		),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tileURL, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if w.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", w.cfg.UserAgent)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := w.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to fetch tile %s: %w", key, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode/100 != 2 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		w.log.Debug("Tile service returned non-2xx",
			zap.Stringer("tile", key),
			zap.Int("status", resp.StatusCode),
		)
		return nil, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, w.cfg.MaxTileBytes+1))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read tile %s: %w", key, err)
	}
	if int64(len(data)) > w.cfg.MaxTileBytes {
		span.SetStatus(codes.Error, ErrTileTooLarge.Error())
		return nil, fmt.Errorf("failed to read tile %s: %w (%d bytes)", key, ErrTileTooLarge, w.cfg.MaxTileBytes)
	}
	span.SetStatus(codes.Ok, "")
	return data, nil
}

func (w *Web) IsNetwork() bool     { return true }
func (w *Web) IsSynchronous() bool { return false }
func (w *Web) ShouldPersist() bool { return true }

func (w *Web) Close() error {
	w.httpClient.CloseIdleConnections()
	return nil
}
