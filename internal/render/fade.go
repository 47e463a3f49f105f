package render

import (
	"math"
	"time"

	"tileview/internal/maplayer"
)

const noLayer = -1

// fadeState cross-fades between adjacent layers when the best layer changes.
// Layers are catalog indices.
type fadeState struct {
	previous  int
	fadingOut int
	fadeStart time.Time
}

func newFadeState() fadeState {
	return fadeState{previous: noLayer, fadingOut: noLayer}
}

// update returns the layers to fade between and the opacity of the layer
// being faded to, or noLayer twice when no fade is running.
func (f *fadeState) update(c *maplayer.Catalog, st ViewState, current int, now time.Time, d time.Duration) (from, to int, alpha float64) {
	from, to = noLayer, noLayer

	if st.Animation.Kind == AnimationZoom {
		start, final := st.Animation.StartMPP, st.Animation.FinalMPP
		from, to = c.BestFor(start), c.BestFor(final)
		if from == to {
			from, to = noLayer, noLayer
			f.fadingOut = noLayer
		} else {
			alpha = (math.Log(st.MetresPerPixel) - math.Log(start)) / (math.Log(final) - math.Log(start))
			// If the zoom is interrupted the fade carries on as if the
			// layer change had not been animated.
			if current != to {
				f.fadingOut = current
			}
			f.fadeStart = now.Add(-time.Duration(alpha * float64(d)))
		}
	} else {
		if f.previous != current && f.fadingOut != f.previous {
			f.fadingOut = f.previous
			f.fadeStart = now
		} else if f.fadingOut != noLayer && !now.Before(f.fadeStart.Add(d)) {
			f.fadingOut = noLayer
		}

		if f.fadingOut != noLayer {
			from, to = f.fadingOut, current
			alpha = float64(now.Sub(f.fadeStart)) / float64(d)
		}
	}
	f.previous = current

	if to != noLayer && abs(from-to) != 1 {
		return noLayer, noLayer, 0
	}
	return from, to, math.Max(0, math.Min(1, alpha))
}

func (f *fadeState) reset() {
	*f = newFadeState()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
