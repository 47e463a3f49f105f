package render

import "math"

// Rect is an area of the map in metres. Y grows northwards.
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

// tileRect is a half-open range of tile indices.
type tileRect struct {
	left, top, right, bottom int
}

func (r tileRect) width() int   { return r.right - r.left }
func (r tileRect) height() int  { return r.bottom - r.top }
func (r tileRect) centerX() int { return (r.left + r.right) >> 1 }
func (r tileRect) centerY() int { return (r.top + r.bottom) >> 1 }

func (r tileRect) contains(x, y int) bool {
	return r.left <= x && x < r.right && r.top <= y && y < r.bottom
}

// dirtyArea is the part of the viewport no layer has drawn yet this pass.
type dirtyArea struct {
	Rect
	drew bool
}

func (d *dirtyArea) reset(visible Rect) {
	d.Rect = visible
	d.drew = false
}

func (d *dirtyArea) zero() {
	d.Rect = Rect{
		MinX: math.Inf(1),
		MinY: math.Inf(1),
		MaxX: math.Inf(-1),
		MaxY: math.Inf(-1),
	}
}

func (d *dirtyArea) isEmpty() bool {
	return math.IsInf(d.MinX, 0)
}

func (d *dirtyArea) addTile(tileMetres float64, x, y int) {
	d.MinX = math.Min(d.MinX, float64(x)*tileMetres)
	d.MinY = math.Min(d.MinY, float64(y)*tileMetres)
	d.MaxX = math.Max(d.MaxX, float64(x)*tileMetres+tileMetres)
	d.MaxY = math.Max(d.MaxY, float64(y)*tileMetres+tileMetres)
}

// tiles returns the tiles of size tileMetres covering the area.
func (d *dirtyArea) tiles(tileMetres float64) tileRect {
	return tileRect{
		left:   int(math.Floor(d.MinX / tileMetres)),
		top:    int(math.Floor(d.MinY / tileMetres)),
		right:  int(math.Ceil(d.MaxX / tileMetres)),
		bottom: int(math.Ceil(d.MaxY / tileMetres)),
	}
}

// spiral visits every tile of r once, starting at its centre and turning
// through right, down, left and up with legs that grow every second turn.
func spiral(r tileRect, visit func(x, y int)) {
	w, h := r.width(), r.height()
	n := max(w, h)
	if n%2 == 0 {
		n++
	}
	n *= n

	x, y := r.centerX(), r.centerY()
	offx, offy := 0, 1
	if w > h {
		offx, offy = 1, 0
	}

	legLength, leg, steps := 1, 0, 0
	for i := 0; i < n; i++ {
		if r.contains(x, y) {
			visit(x, y)
		}

		x += offx
		y += offy
		steps++
		if steps == legLength {
			steps = 0
			offx, offy = offy, -offx
			leg++
			if leg == 2 {
				leg = 0
				legLength++
			}
		}
	}
}
