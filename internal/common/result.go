package common

import "geosync/internal/tiles"

// TileResult is the outcome of fetching a single tile.
type TileResult struct {
	Tile tiles.TileIndex
	Data []byte
	Err  error
}

// Success reports whether the tile was fetched.
func (r TileResult) Success() bool {
	return r.Err == nil && len(r.Data) > 0
}
