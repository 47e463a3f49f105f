// Package source provides the places tile bytes come from: local sqlite
// archives, tile directories, HTTP tile services, a shared redis cache and a
// synthetic generator.
package source

import (
	"context"
	"slices"

	"go.uber.org/multierr"

	"tileview/internal/tile"
)

// Source returns the encoded bytes of a tile. A nil slice with a nil error
// means the source has no data for the key.
type Source interface {
	Name() string
	Fetch(ctx context.Context, key tile.Key) ([]byte, error)
	// IsNetwork reports whether fetching needs the network.
	IsNetwork() bool
	// IsSynchronous reports whether the source is fast enough to be tried on
	// the render goroutine.
	IsSynchronous() bool
	// ShouldPersist reports whether tiles from this source belong in the
	// persistent cache.
	ShouldPersist() bool
	Close() error
}

// Sink is implemented by sources that can also keep tiles fetched elsewhere.
type Sink interface {
	Store(ctx context.Context, key tile.Key, data []byte) error
}

// CloseAll closes every source and returns all errors.
func CloseAll(sources []Source) error {
	var errs error
	for _, s := range sources {
		errs = multierr.Append(errs, s.Close())
	}
	return errs
}

// Products restricts a source to some layers. An empty filter allows all.
type Products []string

func (p Products) Allows(layer string) bool {
	return len(p) == 0 || slices.Contains(p, layer)
}
