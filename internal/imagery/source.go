// Package imagery fetches raster tiles from remote sources and composites
// tile ranges into a single image.
package imagery

import (
	"context"
	"errors"
	"fmt"

	"geosync/internal/tiles"
)

var (
	// ErrTileFetchFailed marks a single tile that could not be fetched or
	// decoded. It is absorbed by the stitcher.
	ErrTileFetchFailed = errors.New("tile fetch failed")

	// ErrSourceUnavailable means the imagery source could not be obtained at
	// all. It is the only error that aborts a stitch.
	ErrSourceUnavailable = errors.New("imagery source unavailable")
)

// Source returns encoded raster data for a tile.
type Source interface {
	Name() string
	FetchTile(ctx context.Context, t tiles.TileIndex) ([]byte, error)
}

// Initializer is implemented by sources that need a setup round trip (for
// example a capabilities request) before tiles can be fetched.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// TileObserver receives the outcome of every tile fetch.
type TileObserver interface {
	ObserveTile(source string, ok bool)
}

// Prepare initializes src when it needs it. Any failure is reported as
// ErrSourceUnavailable.
func Prepare(ctx context.Context, src Source) error {
	if src == nil {
		return fmt.Errorf("%w: no source configured", ErrSourceUnavailable)
	}
	init, ok := src.(Initializer)
	if !ok {
		return nil
	}
	if err := init.Initialize(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, src.Name(), err)
	}
	return nil
}

func tileError(t tiles.TileIndex, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrTileFetchFailed, t, fmt.Sprintf(format, args...))
}
