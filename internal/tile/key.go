package tile

import (
	"fmt"
	"strconv"
	"strings"
)

// Key identifies one tile of one layer. X grows eastwards, Y grows northwards,
// both in units of the layer's tile size in metres.
type Key struct {
	Layer string
	X     int
	Y     int
}

func New(layer string, x, y int) Key {
	return Key{Layer: layer, X: x, Y: y}
}

// String returns the persistent form "layer_x_y".
func (k Key) String() string {
	return k.Layer + "_" + strconv.Itoa(k.X) + "_" + strconv.Itoa(k.Y)
}

// Parse is the inverse of String. The layer id may itself contain underscores.
func Parse(s string) (Key, error) {
	yi := strings.LastIndexByte(s, '_')
	if yi <= 0 {
		return Key{}, fmt.Errorf("invalid tile key %q", s)
	}
	xi := strings.LastIndexByte(s[:yi], '_')
	if xi <= 0 {
		return Key{}, fmt.Errorf("invalid tile key %q", s)
	}

	x, err := strconv.Atoi(s[xi+1 : yi])
	if err != nil {
		return Key{}, fmt.Errorf("invalid tile x in %q: %w", s, err)
	}
	y, err := strconv.Atoi(s[yi+1:])
	if err != nil {
		return Key{}, fmt.Errorf("invalid tile y in %q: %w", s, err)
	}

	return Key{Layer: s[:xi], X: x, Y: y}, nil
}
