package render

import (
	"math"
	"sync"
	"time"
)

type AnimationKind int

const (
	AnimationNone AnimationKind = iota
	AnimationPan
	AnimationZoom
)

func (k AnimationKind) String() string {
	switch k {
	case AnimationPan:
		return "panning"
	case AnimationZoom:
		return "zooming"
	default:
		return "none"
	}
}

// Animation describes a camera move in progress. StartMPP and FinalMPP are
// only meaningful while zooming.
type Animation struct {
	Kind     AnimationKind
	StartMPP float64
	FinalMPP float64
}

// ViewState is what the renderer needs to know about the camera for one
// frame. Width and Height are in screen pixels.
type ViewState struct {
	CenterX        float64
	CenterY        float64
	MetresPerPixel float64
	Width          int
	Height         int
	Animation      Animation
}

func (v ViewState) Animating() bool {
	return v.Animation.Kind != AnimationNone
}

// VisibleRect is the map area on screen.
func (v ViewState) VisibleRect() Rect {
	halfW := float64(v.Width) / 2 * v.MetresPerPixel
	halfH := float64(v.Height) / 2 * v.MetresPerPixel
	return Rect{
		MinX: v.CenterX - halfW,
		MinY: v.CenterY - halfH,
		MaxX: v.CenterX + halfW,
		MaxY: v.CenterY + halfH,
	}
}

// Viewport is the camera the renderer follows.
type Viewport interface {
	State(now time.Time) ViewState
}

// StaticViewport never moves.
type StaticViewport ViewState

func (v StaticViewport) State(time.Time) ViewState {
	return ViewState(v)
}

type zoomAnimation struct {
	start    time.Time
	duration time.Duration
	from, to float64
}

type panAnimation struct {
	start        time.Time
	duration     time.Duration
	fromX, fromY float64
	toX, toY     float64
}

// Camera is a Viewport that can be moved from any goroutine. Zooms are
// interpolated on a logarithmic scale so every zoom level takes the same
// share of the animation.
type Camera struct {
	mu     sync.Mutex
	x, y   float64
	mpp    float64
	width  int
	height int
	zoom   *zoomAnimation
	pan    *panAnimation
}

func NewCamera(x, y, metresPerPixel float64, width, height int) *Camera {
	return &Camera{x: x, y: y, mpp: metresPerPixel, width: width, height: height}
}

// MoveTo centres the camera on x, y immediately.
func (c *Camera) MoveTo(x, y float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.x, c.y = x, y
	c.pan = nil
}

// PanTo moves the centre linearly to x, y over d.
func (c *Camera) PanTo(x, y float64, now time.Time, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.settle(now)
	if d <= 0 {
		c.x, c.y = x, y
		c.pan = nil
		return
	}
	c.pan = &panAnimation{start: now, duration: d, fromX: c.x, fromY: c.y, toX: x, toY: y}
}

// ZoomTo changes the scale to metresPerPixel over d. A zoom that interrupts
// another starts from the current scale.
func (c *Camera) ZoomTo(metresPerPixel float64, now time.Time, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.settle(now)
	if d <= 0 {
		c.mpp = metresPerPixel
		c.zoom = nil
		return
	}
	c.zoom = &zoomAnimation{start: now, duration: d, from: c.mpp, to: metresPerPixel}
}

func (c *Camera) Resize(width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.width, c.height = width, height
}

func (c *Camera) State(now time.Time) ViewState {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.settle(now)
	st := ViewState{
		CenterX:        c.x,
		CenterY:        c.y,
		MetresPerPixel: c.mpp,
		Width:          c.width,
		Height:         c.height,
	}
	switch {
	case c.zoom != nil:
		st.Animation = Animation{Kind: AnimationZoom, StartMPP: c.zoom.from, FinalMPP: c.zoom.to}
	case c.pan != nil:
		st.Animation = Animation{Kind: AnimationPan}
	}
	return st
}

// settle advances running animations to now. Callers hold c.mu.
func (c *Camera) settle(now time.Time) {
	if z := c.zoom; z != nil {
		t := progress(z.start, z.duration, now)
		c.mpp = math.Exp(math.Log(z.from) + t*(math.Log(z.to)-math.Log(z.from)))
		if t >= 1 {
			c.mpp = z.to
			c.zoom = nil
		}
	}
	if p := c.pan; p != nil {
		t := progress(p.start, p.duration, now)
		c.x = p.fromX + t*(p.toX-p.fromX)
		c.y = p.fromY + t*(p.toY-p.fromY)
		if t >= 1 {
			c.x, c.y = p.toX, p.toY
			c.pan = nil
		}
	}
}

func progress(start time.Time, d time.Duration, now time.Time) float64 {
	t := float64(now.Sub(start)) / float64(d)
	return math.Max(0, math.Min(1, t))
}
