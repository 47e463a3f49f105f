package render

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVisibleRect(t *testing.T) {
	st := ViewState{CenterX: 1000, CenterY: 500, MetresPerPixel: 2, Width: 100, Height: 50}
	assert.Equal(t, Rect{MinX: 900, MinY: 450, MaxX: 1100, MaxY: 550}, st.VisibleRect())
}

func TestCameraZoomInterpolatesLogarithmically(t *testing.T) {
	t0 := time.Unix(0, 0)
	c := NewCamera(0, 0, 1, 100, 100)
	c.ZoomTo(4, t0, time.Second)

	st := c.State(t0.Add(500 * time.Millisecond))
	assert.InDelta(t, 2, st.MetresPerPixel, 1e-9)
	assert.Equal(t, Animation{Kind: AnimationZoom, StartMPP: 1, FinalMPP: 4}, st.Animation)
	assert.True(t, st.Animating())

	st = c.State(t0.Add(2 * time.Second))
	assert.Equal(t, 4.0, st.MetresPerPixel)
	assert.False(t, st.Animating())
}

func TestCameraInterruptedZoomStartsFromCurrentScale(t *testing.T) {
	t0 := time.Unix(0, 0)
	c := NewCamera(0, 0, 1, 100, 100)
	c.ZoomTo(4, t0, time.Second)
	c.ZoomTo(1, t0.Add(500*time.Millisecond), time.Second)

	st := c.State(t0.Add(500 * time.Millisecond))
	assert.InDelta(t, 2, st.Animation.StartMPP, 1e-9)
	assert.InDelta(t, math.Sqrt2, c.State(t0.Add(time.Second)).MetresPerPixel, 1e-9)
}

func TestCameraPanAndMove(t *testing.T) {
	t0 := time.Unix(0, 0)
	c := NewCamera(0, 0, 1, 100, 100)
	c.PanTo(100, -50, t0, time.Second)

	st := c.State(t0.Add(250 * time.Millisecond))
	assert.InDelta(t, 25, st.CenterX, 1e-9)
	assert.InDelta(t, -12.5, st.CenterY, 1e-9)
	assert.Equal(t, AnimationPan, st.Animation.Kind)

	c.MoveTo(7, 8)
	st = c.State(t0.Add(300 * time.Millisecond))
	assert.Equal(t, 7.0, st.CenterX)
	assert.Equal(t, 8.0, st.CenterY)
	assert.False(t, st.Animating())

	c.Resize(640, 480)
	st = c.State(t0)
	assert.Equal(t, 640, st.Width)
	assert.Equal(t, 480, st.Height)
}
