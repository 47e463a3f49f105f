// Package maplayer describes the raster products a map is built from. Each
// layer is a fixed grid of square tiles at one resolution.
package maplayer

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

type Layer struct {
	ID             string  `json:"id"`
	LayerCode      string  `json:"layer_code,omitempty"`
	TilePixels     int     `json:"tile_pixels"`
	TileMetres     float64 `json:"tile_metres"`
	MetresPerPixel float64 `json:"metres_per_pixel"`
}

func New(id, layerCode string, tilePixels int, tileMetres float64) Layer {
	return Layer{
		ID:             id,
		LayerCode:      layerCode,
		TilePixels:     tilePixels,
		TileMetres:     tileMetres,
		MetresPerPixel: tileMetres / float64(tilePixels),
	}
}

// Known lists every product the renderer can show.
var Known = []Layer{
	New("SV", "1", 250, 250),
	New("SVR", "2", 250, 500),
	New("VMD", "2.5", 200, 500),
	New("VMDR", "4", 250, 1000),
	New("50K", "5", 200, 1000),
	New("50KR", "10", 200, 2000),
	New("250K", "25", 200, 5000),
	New("250KR", "50", 200, 10000),
	New("MS", "100", 200, 20000),
	New("MSR", "200", 200, 40000),
	New("OV2", "500", 200, 100000),
	New("OV1", "1000", 200, 200000),
	New("OV0", "2500", 200, 500000),

	New("VML", "1", 250, 250),
	New("VMLR", "2", 250, 500),
	New("25K", "2.5", 200, 500),
	New("25KR", "4", 250, 1000),

	New("CS00", "896", 250, 224000),
	New("CS01", "448", 250, 112000),
	New("CS02", "224", 250, 56000),
	New("CS03", "112", 250, 28000),
	New("CS04", "56", 250, 14000),
	New("CS05", "28", 250, 7000),
	New("CS06", "14", 250, 3500),
	New("CS07", "7", 250, 1750),
	New("CS08", "3.5", 250, 875),
	New("CS09", "1.75", 250, 437.5),
	New("CS10", "0.875", 250, 218.75),

	New("10K", "1", 250, 250),
	New("10KBW", "1", 250, 250),
	New("10KBWR", "2", 250, 500),
	New("10KR", "2", 250, 500),
	New("CSG06", "14", 250, 3500),
	New("CSG07", "7", 250, 1750),
	New("CSG08", "3.5", 250, 875),
	New("CSG09", "1.75", 250, 437.5),

	New("25K-660DPI", "", 260, 250),
	New("25K-330DPI", "", 260, 500),
	New("25K-165DPI", "", 260, 1000),
	New("50K-660DPI", "", 260, 500),
	New("50K-330DPI", "", 260, 1000),
	New("50K-165DPI", "", 260, 2000),
}

// DefaultProducts is the stack shown when nothing else is configured.
var DefaultProducts = []string{"SV", "SVR", "50K", "50KR", "250K", "250KR", "MS", "MSR", "OV2", "OV1", "OV0"}

// Catalog is an immutable list of layers sorted from the coarsest
// (largest metres per pixel) to the finest. Index +1 is the next finer layer.
type Catalog struct {
	layers []Layer
}

func NewCatalog(layers []Layer) (*Catalog, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("catalog needs at least one layer")
	}

	sorted := slices.Clone(layers)
	seen := make(map[string]struct{}, len(sorted))
	for _, l := range sorted {
		if l.TilePixels <= 0 || l.TileMetres <= 0 {
			return nil, fmt.Errorf("layer %s: tile size must be positive", l.ID)
		}
		if l.ID == "" || strings.ContainsAny(l.ID, " \n\r_") {
			return nil, fmt.Errorf("invalid layer id %q", l.ID)
		}
		if _, dup := seen[l.ID]; dup {
			return nil, fmt.Errorf("duplicate layer %s", l.ID)
		}
		seen[l.ID] = struct{}{}
	}

	slices.SortStableFunc(sorted, func(a, b Layer) int {
		switch {
		case a.MetresPerPixel > b.MetresPerPixel:
			return -1
		case a.MetresPerPixel < b.MetresPerPixel:
			return 1
		default:
			return 0
		}
	})
	return &Catalog{layers: sorted}, nil
}

// ForProducts builds a catalog from the known layers with the given ids.
func ForProducts(ids []string) (*Catalog, error) {
	var layers []Layer
	for _, id := range ids {
		i := slices.IndexFunc(Known, func(l Layer) bool { return l.ID == id })
		if i < 0 {
			return nil, fmt.Errorf("unknown layer %q", id)
		}
		layers = append(layers, Known[i])
	}
	return NewCatalog(layers)
}

func Default() *Catalog {
	c, err := ForProducts(DefaultProducts)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Len() int {
	return len(c.layers)
}

func (c *Catalog) Layers() []Layer {
	return slices.Clone(c.layers)
}

// At returns the layer at index, or false when index is out of range.
func (c *Catalog) At(index int) (Layer, bool) {
	if index < 0 || index >= len(c.layers) {
		return Layer{}, false
	}
	return c.layers[index], true
}

// Index returns the position of the layer with the given id, or -1.
func (c *Catalog) Index(id string) int {
	return slices.IndexFunc(c.layers, func(l Layer) bool { return l.ID == id })
}

func (c *Catalog) Lookup(id string) (Layer, bool) {
	return c.At(c.Index(id))
}

// BestFor returns the index of the layer whose resolution is closest to
// metresPerPixel on a logarithmic scale.
func (c *Catalog) BestFor(metresPerPixel float64) int {
	best, bestScore := 0, math.Inf(1)
	logMPP := math.Log(metresPerPixel)
	for i, l := range c.layers {
		score := math.Abs(math.Log(l.MetresPerPixel) - logMPP)
		if score < bestScore {
			best, bestScore = i, score
		}
	}
	return best
}
