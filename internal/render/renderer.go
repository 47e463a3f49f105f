// Package render draws the map. Each frame it picks the layer closest to the
// current scale, walks the visible tiles from the centre outwards, fetches
// what it can afford within the frame budget and fills gaps from
// neighbouring layers.
package render

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tileview/internal/decode"
	"tileview/internal/gpu"
	"tileview/internal/maplayer"
	"tileview/internal/metrics"
	"tileview/internal/texture"
	"tileview/internal/tile"
)

const (
	baseDepth     = 0.5
	fadeToDepth   = 0.0
	fallbackDepth = 0.1
	pinDepth      = -1.0
)

// Fetcher supplies tiles missing from the GPU.
type Fetcher interface {
	// Request returns the tile if it can be had right away. Otherwise it
	// queues a fetch when asyncOK is set and returns nil.
	Request(key tile.Key, asyncOK bool) *decode.Bitmap
	// Clear drops queued fetches that no longer matter.
	Clear()
	// FinishRequest releases a key whose result has been consumed.
	FinishRequest(key tile.Key)
}

type Options struct {
	Budget       BudgetConfig
	FadeDuration time.Duration
	// FallbackOffsets are the catalog index offsets tried, in order, for
	// areas the wanted layer could not fill. Positive is finer.
	FallbackOffsets  []int
	TextureSoftLimit int64
	// Clock is read by the frame budget. Nil means time.Now.
	Clock func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Budget:           DefaultBudgetConfig(),
		FadeDuration:     400 * time.Millisecond,
		FallbackOffsets:  []int{1, -1, -2, -3},
		TextureSoftLimit: 64 << 20,
	}
}

// FrameStats describes the last frame drawn.
type FrameStats struct {
	Layer      string        `json:"layer"`
	FadeFrom   string        `json:"fade_from,omitempty"`
	FadeTo     string        `json:"fade_to,omitempty"`
	FadeAlpha  float64       `json:"fade_alpha"`
	Drawn      int           `json:"drawn"`
	Requests   int           `json:"requests"`
	Missed     int           `json:"missed"`
	Complete   bool          `json:"complete"`
	NeedRedraw bool          `json:"need_redraw"`
	Duration   time.Duration `json:"duration"`
}

type Stats struct {
	Frames    int64         `json:"frames"`
	LastFrame FrameStats    `json:"last_frame"`
	Textures  texture.Stats `json:"textures"`
	Pins      int           `json:"pins"`
}

type tileEvent struct {
	key tile.Key
	bmp *decode.Bitmap
}

// Pin is a caller image drawn in front of the map at a fixed screen
// position until it is unpinned.
type Pin struct {
	bmp  *decode.Bitmap
	x, y float64
	img  *texture.Image
}

type pinOp struct {
	pin   *Pin
	unpin bool
}

// Renderer must be driven from a single goroutine, the one that owns the GPU
// device. TileReady, PinImage, UnpinImage, RequestRedraw and Stats may be
// called from anywhere.
type Renderer struct {
	catalog *maplayer.Catalog
	view    Viewport
	dev     gpu.Device
	tiles   *texture.TileCache
	images  *texture.ImageCache
	fetcher Fetcher
	opts    Options
	log     *zap.Logger

	mu     sync.Mutex
	events []tileEvent
	pinOps []pinOp

	redraw    atomic.Bool
	frames    atomic.Int64
	lastFrame atomic.Pointer[FrameStats]
	pinCount  atomic.Int64

	// Render goroutine only.
	state ViewState
	dirty dirtyArea
	fade  fadeState
	pins  []*Pin
	frame FrameStats
}

func New(catalog *maplayer.Catalog, view Viewport, dev gpu.Device, fetcher Fetcher, opts Options, log *zap.Logger) *Renderer {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.FadeDuration <= 0 {
		opts.FadeDuration = DefaultOptions().FadeDuration
	}
	if opts.FallbackOffsets == nil {
		opts.FallbackOffsets = DefaultOptions().FallbackOffsets
	}

	r := &Renderer{
		catalog: catalog,
		view:    view,
		dev:     dev,
		tiles:   texture.NewTileCache(dev, opts.TextureSoftLimit, log),
		images:  texture.NewImageCache(dev),
		fetcher: fetcher,
		opts:    opts,
		log:     log,
		fade:    newFadeState(),
	}
	r.lastFrame.Store(&FrameStats{})
	r.redraw.Store(true)
	return r
}

// Tiles gives access to the tile texture cache. Render goroutine only.
func (r *Renderer) Tiles() *texture.TileCache {
	return r.tiles
}

// TileReady queues a finished fetch for the render goroutine.
func (r *Renderer) TileReady(key tile.Key, bmp *decode.Bitmap) {
	r.mu.Lock()
	r.events = append(r.events, tileEvent{key: key, bmp: bmp})
	r.mu.Unlock()

	if bmp != nil {
		r.RequestRedraw()
	}
}

// PinImage shows bmp with its top-left corner at x, y screen pixels from the
// next frame on.
func (r *Renderer) PinImage(bmp *decode.Bitmap, x, y float64) *Pin {
	p := &Pin{bmp: bmp, x: x, y: y}
	r.mu.Lock()
	r.pinOps = append(r.pinOps, pinOp{pin: p})
	r.mu.Unlock()
	r.RequestRedraw()
	return p
}

func (r *Renderer) UnpinImage(p *Pin) {
	r.mu.Lock()
	r.pinOps = append(r.pinOps, pinOp{pin: p, unpin: true})
	r.mu.Unlock()
	r.RequestRedraw()
}

func (r *Renderer) RequestRedraw() {
	r.redraw.Store(true)
}

// RedrawPending reports whether something changed since the last frame.
func (r *Renderer) RedrawPending() bool {
	return r.redraw.Load()
}

// ResetForContextLoss forgets every texture after the device lost its
// context. Pinned images are uploaded again.
func (r *Renderer) ResetForContextLoss() {
	r.tiles.ResetForContextLoss()
	r.images.ResetForContextLoss()
	for _, p := range r.pins {
		p.img = nil
		r.acquirePin(p)
	}
	r.log.Info("GPU context lost, texture caches reset")
	r.RequestRedraw()
}

func (r *Renderer) drainEvents() {
	r.mu.Lock()
	events, ops := r.events, r.pinOps
	r.events, r.pinOps = nil, nil
	r.mu.Unlock()

	for _, ev := range events {
		if ev.bmp != nil {
			if _, err := r.tiles.Upload(ev.key, ev.bmp); err != nil {
				r.log.Warn("Failed to upload tile", zap.Stringer("tile", ev.key), zap.Error(err))
			}
		}
		r.fetcher.FinishRequest(ev.key)
	}

	for _, op := range ops {
		if op.unpin {
			r.removePin(op.pin)
			continue
		}
		r.acquirePin(op.pin)
		r.pins = append(r.pins, op.pin)
	}
	r.pinCount.Store(int64(len(r.pins)))
}

func (r *Renderer) acquirePin(p *Pin) {
	img, err := r.images.Acquire(p.bmp)
	if err != nil {
		r.log.Warn("Failed to upload pinned image", zap.Error(err))
		return
	}
	p.img = img
}

func (r *Renderer) removePin(p *Pin) {
	i := slices.Index(r.pins, p)
	if i < 0 {
		return
	}
	r.pins = slices.Delete(r.pins, i, i+1)
	if p.img != nil {
		r.images.Release(p.img)
		p.img = nil
	}
}

// DrawFrame draws one frame for the camera state at now and reports whether
// another frame is needed even if nothing else changes.
func (r *Renderer) DrawFrame(now time.Time) bool {
	started := time.Now()
	r.redraw.Store(false)
	r.drainEvents()

	r.state = r.view.State(now)
	r.frame = FrameStats{}
	r.tiles.BeginFrame()
	r.fetcher.Clear()

	needRedraw := r.state.Animating()

	current := r.catalog.BestFor(r.state.MetresPerPixel)
	from, to, alpha := r.fade.update(r.catalog, r.state, current, now, r.opts.FadeDuration)
	fading := to != noLayer
	base := current
	if fading {
		base = from
	}

	budget := NewBudget(r.opts.Budget, now, r.opts.Clock)
	if fading {
		// Fetch only what is cheap while two layers compete for the budget.
		budget.SetNoAsyncFetches()
	}

	visible := r.state.VisibleRect()
	r.dirty.reset(visible)
	if r.drawLayerWithFallbacks(base, budget, 1, baseDepth) {
		needRedraw = true
	}
	r.frame.Complete = r.dirty.isEmpty()
	if !r.dirty.drew {
		r.log.Debug("Failed to draw any tiles", zap.Int("layer", base))
	}

	if fading {
		r.dirty.reset(visible)
		r.drawLayerWithFallbacks(to, budget, alpha, fadeToDepth)
		needRedraw = true
	}

	r.drawPins()
	r.images.Reap()
	r.frame.Missed = r.opts.Budget.AsyncFetches - budget.RemainingAsync()

	if l, ok := r.catalog.At(current); ok {
		r.frame.Layer = l.ID
	}
	if fading {
		fl, _ := r.catalog.At(from)
		tl, _ := r.catalog.At(to)
		r.frame.FadeFrom, r.frame.FadeTo, r.frame.FadeAlpha = fl.ID, tl.ID, alpha
	}
	r.frame.NeedRedraw = needRedraw
	r.frame.Duration = time.Since(started)

	frame := r.frame
	r.lastFrame.Store(&frame)
	r.frames.Add(1)
	metrics.FrameDuration.Observe(frame.Duration.Seconds())
	if !frame.Complete {
		metrics.IncompleteFrames.Inc()
	}
	return needRedraw
}

// drawLayerWithFallbacks draws layer, then tries the fallback layers on
// whatever is still dirty. Each fallback is drawn further back so it never
// covers a tile of a preferred layer.
func (r *Renderer) drawLayerWithFallbacks(layer int, budget *Budget, alpha, depth float64) bool {
	if _, ok := r.catalog.At(layer); !ok {
		return false
	}

	needRedraw := r.drawLayer(layer, budget, alpha, depth)
	for _, off := range r.opts.FallbackOffsets {
		if r.dirty.isEmpty() {
			break
		}
		// A translucent pass stops at the first layer that drew anything
		// so transparent tiles never stack.
		if alpha < 1 && r.dirty.drew {
			break
		}
		if off == 0 {
			continue
		}
		depth += fallbackDepth
		if r.drawLayer(layer+off, budget, alpha, depth) {
			needRedraw = true
		}
	}
	return needRedraw
}

func (r *Renderer) drawLayer(index int, budget *Budget, alpha, depth float64) bool {
	layer, ok := r.catalog.At(index)
	if !ok || r.dirty.isEmpty() {
		return false
	}

	tileMetres := layer.TileMetres
	rect := r.dirty.tiles(tileMetres)
	r.dirty.zero()

	needRedraw := false
	spiral(rect, func(x, y int) {
		key := tile.New(layer.ID, x, y)
		if tex := r.bindTexture(key, budget); tex != nil && r.drawTile(tex, layer, x, y, alpha, depth) {
			r.dirty.drew = true
			r.frame.Drawn++
			return
		}

		r.dirty.addTile(tileMetres, x, y)
		if budget.IsExceeded() {
			needRedraw = true
		}
	})
	return needRedraw
}

func (r *Renderer) bindTexture(key tile.Key, budget *Budget) *texture.Texture {
	if tex := r.tiles.Bind(key); tex != nil {
		return tex
	}
	if budget.IsExceeded() {
		return nil
	}

	r.frame.Requests++
	bmp := r.fetcher.Request(key, budget.CanAsyncFetch())
	if bmp == nil {
		budget.FetchFailure()
		return nil
	}
	budget.FetchSuccess()

	tex, err := r.tiles.Upload(key, bmp)
	if err != nil {
		r.log.Warn("Failed to upload tile", zap.Stringer("tile", key), zap.Error(err))
		return nil
	}
	return tex
}

func (r *Renderer) drawTile(tex *texture.Texture, layer maplayer.Layer, x, y int, alpha, depth float64) bool {
	visible := r.state.VisibleRect()
	mpp := r.state.MetresPerPixel
	size := layer.TileMetres / mpp

	q := gpu.Quad{
		X:      (float64(x)*layer.TileMetres - visible.MinX) / mpp,
		Y:      (visible.MaxY - float64(y+1)*layer.TileMetres) / mpp,
		Width:  size,
		Height: size,
		Depth:  depth,
		Alpha:  alpha,
	}
	if err := r.dev.Draw(tex.Handle, q); err != nil {
		r.log.Debug("Failed to draw tile", zap.Stringer("tile", tex.Key), zap.Error(err))
		return false
	}
	return true
}

func (r *Renderer) drawPins() {
	for _, p := range r.pins {
		if p.img == nil {
			continue
		}
		q := gpu.Quad{
			X:      p.x,
			Y:      p.y,
			Width:  float64(p.img.Width()),
			Height: float64(p.img.Height()),
			Depth:  pinDepth,
			Alpha:  1,
		}
		if err := r.dev.Draw(p.img.Handle(), q); err != nil {
			r.log.Debug("Failed to draw pinned image", zap.Error(err))
		}
	}
}

// Stats may be called from any goroutine.
func (r *Renderer) Stats() Stats {
	return Stats{
		Frames:    r.frames.Load(),
		LastFrame: *r.lastFrame.Load(),
		Textures:  r.tiles.Stats(),
		Pins:      int(r.pinCount.Load()),
	}
}

// Run draws frames every interval while a redraw is pending or the previous
// frame asked for one, until ctx is cancelled.
func (r *Renderer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	again := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if again || r.redraw.Load() {
			again = r.DrawFrame(time.Now())
		}
	}
}
