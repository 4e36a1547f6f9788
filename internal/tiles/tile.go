// Package tiles implements Web-Mercator slippy-map tile math.
package tiles

import (
	"fmt"
	"math"
)

const (
	// TileSize is the edge length of a slippy-map tile in pixels.
	TileSize = 256

	// MaxZoom is the deepest zoom level accepted by validation.
	MaxZoom = 23

	// MercatorMetersPerPixelZ0 is the ground resolution of a 256px tile at
	// zoom 0 on the equator.
	MercatorMetersPerPixelZ0 = 156543.03392

	// MinLat and MaxLat bound the latitudes Web Mercator tiles cover.
	MinLat = -85.051129
	MaxLat = 85.051129
)

// TileIndex is an integer slippy-map address (XYZ scheme, y from the top).
type TileIndex struct {
	X    int `json:"x"`
	Y    int `json:"y"`
	Zoom int `json:"z"`
}

func (t TileIndex) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Zoom, t.X, t.Y)
}

// Valid reports whether the index addresses a tile that exists at its zoom.
func (t TileIndex) Valid() bool {
	return ValidateTileIndex(t) == nil
}

// ValidateTileIndex validates individual tile coordinates.
func ValidateTileIndex(t TileIndex) error {
	if t.Zoom < 0 || t.Zoom > MaxZoom {
		return fmt.Errorf("zoom %d out of range [0, %d]", t.Zoom, MaxZoom)
	}

	maxTile := (1 << t.Zoom) - 1
	if t.X < 0 || t.X > maxTile {
		return fmt.Errorf("x %d out of range [0, %d] for zoom %d", t.X, maxTile, t.Zoom)
	}
	if t.Y < 0 || t.Y > maxTile {
		return fmt.Errorf("y %d out of range [0, %d] for zoom %d", t.Y, maxTile, t.Zoom)
	}

	return nil
}

// LatLonToTile converts latitude/longitude to the tile containing it.
// Input outside the Web-Mercator range is a caller bug and is not clamped.
func LatLonToTile(lat, lon float64, zoom int) TileIndex {
	n := math.Exp2(float64(zoom))
	latRad := lat * math.Pi / 180.0
	x := math.Floor((lon + 180.0) / 360.0 * n)
	y := math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n)
	return TileIndex{X: int(x), Y: int(y), Zoom: zoom}
}

// TileToLatLon returns the top-left (north-west) corner of a tile.
func TileToLatLon(x, y, zoom int) (lat, lon float64) {
	n := math.Exp2(float64(zoom))
	lon = float64(x)/n*360.0 - 180.0
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(y)/n)))
	lat = latRad * 180.0 / math.Pi
	return lat, lon
}

// MetersPerPixel returns the ground resolution of a 256px tile at lat/zoom.
func MetersPerPixel(lat float64, zoom int) float64 {
	return MercatorMetersPerPixelZ0 * math.Cos(lat*math.Pi/180.0) / math.Exp2(float64(zoom))
}

// FractionalPosition returns the position of lat/lon inside tile t, as
// fractions of the tile edge in [0, 1).
func FractionalPosition(lat, lon float64, t TileIndex) (fx, fy float64) {
	n := math.Exp2(float64(t.Zoom))
	latRad := lat * math.Pi / 180.0
	wx := (lon + 180.0) / 360.0 * n
	wy := (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n
	return wx - float64(t.X), wy - float64(t.Y)
}
