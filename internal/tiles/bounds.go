package tiles

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// BoundingBox is a geographic bounding box in degrees.
type BoundingBox struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// Center returns the midpoint of the box.
func (b BoundingBox) Center() (lat, lon float64) {
	return (b.South + b.North) / 2, (b.West + b.East) / 2
}

// Bound returns the box as an orb.Bound in (lon, lat).
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.West, b.South}, Max: orb.Point{b.East, b.North}}
}

// Validate checks if the bounding box is valid
func (b BoundingBox) Validate() error {
	if b.South >= b.North {
		return fmt.Errorf("south (%f) must be less than north (%f)", b.South, b.North)
	}
	if b.West >= b.East {
		return fmt.Errorf("west (%f) must be less than east (%f)", b.West, b.East)
	}
	if b.South < -90 || b.North > 90 {
		return fmt.Errorf("latitude out of range [-90, 90]: south=%f, north=%f", b.South, b.North)
	}
	if b.West < -180 || b.East > 180 {
		return fmt.Errorf("longitude out of range [-180, 180]: west=%f, east=%f", b.West, b.East)
	}
	return nil
}

// TileBounds is an inclusive rectangular range of tiles at one zoom level,
// with the geometry derived from it.
type TileBounds struct {
	Zoom   int `json:"zoom"`
	StartX int `json:"startX"`
	StartY int `json:"startY"`
	EndX   int `json:"endX"`
	EndY   int `json:"endY"`

	PixelWidth  int `json:"pixelWidth"`
	PixelHeight int `json:"pixelHeight"`

	// Geographic extent of the whole tile range.
	BBox BoundingBox `json:"bbox"`

	// Ground resolution at the requested center latitude.
	MetersPerPixel float64 `json:"metersPerPixel"`

	// RequestedSizeMeters is what the caller asked for; ActualSizeMeters is
	// what the quantized tile range covers. Actual is never smaller.
	RequestedSizeMeters float64 `json:"requestedSizeMeters"`
	ActualSizeMeters    float64 `json:"actualSizeMeters"`
}

// Cols returns the number of columns in the bounds
func (b TileBounds) Cols() int {
	return b.EndX - b.StartX + 1
}

// Rows returns the number of rows in the bounds
func (b TileBounds) Rows() int {
	return b.EndY - b.StartY + 1
}

// Count returns the number of tiles in the range.
func (b TileBounds) Count() int {
	return b.Cols() * b.Rows()
}

// Tiles lists every tile of the range in row-major order.
func (b TileBounds) Tiles() []TileIndex {
	out := make([]TileIndex, 0, b.Count())
	for y := b.StartY; y <= b.EndY; y++ {
		for x := b.StartX; x <= b.EndX; x++ {
			out = append(out, TileIndex{X: x, Y: y, Zoom: b.Zoom})
		}
	}
	return out
}

// PixelOffset returns where tile t starts inside the stitched raster.
func (b TileBounds) PixelOffset(t TileIndex) (x, y int) {
	return (t.X - b.StartX) * TileSize, (t.Y - b.StartY) * TileSize
}

// Contains reports whether t lies inside the range.
func (b TileBounds) Contains(t TileIndex) bool {
	return t.Zoom == b.Zoom && t.X >= b.StartX && t.X <= b.EndX && t.Y >= b.StartY && t.Y <= b.EndY
}

// NewTileBounds builds bounds from an explicit inclusive range, deriving the
// pixel size and geographic box. metersPerPixel is taken at the range center.
func NewTileBounds(zoom, startX, startY, endX, endY int) (TileBounds, error) {
	if endX < startX || endY < startY {
		return TileBounds{}, fmt.Errorf("invalid tile range x=[%d,%d] y=[%d,%d]", startX, endX, startY, endY)
	}
	b := TileBounds{Zoom: zoom, StartX: startX, StartY: startY, EndX: endX, EndY: endY}
	b.derive()
	lat, _ := b.BBox.Center()
	b.MetersPerPixel = MetersPerPixel(lat, zoom)
	b.ActualSizeMeters = float64(b.PixelWidth) * b.MetersPerPixel
	return b, nil
}

func (b *TileBounds) derive() {
	b.PixelWidth = b.Cols() * TileSize
	b.PixelHeight = b.Rows() * TileSize
	north, west := TileToLatLon(b.StartX, b.StartY, b.Zoom)
	south, east := TileToLatLon(b.EndX+1, b.EndY+1, b.Zoom)
	b.BBox = BoundingBox{South: south, West: west, North: north, East: east}
}

// CalculateTileBounds returns the square tile range centered on the tile
// containing (centerLat, centerLon) that covers at least sizeMeters of
// ground on each side. Tile quantization may make the covered size larger
// than requested; the actual size is reported, not corrected.
//
// The range is not clamped to the tile grid. When the center tile is within
// half the range of a grid edge, the result includes indexes outside
// [0, 2^zoom) and a bbox reaching past ±180° or the Mercator latitude limit.
// TileIndex.Valid reports such tiles; the stitcher leaves them blank.
func CalculateTileBounds(centerLat, centerLon, sizeMeters float64, zoom int) TileBounds {
	mpp := MetersPerPixel(centerLat, zoom)
	center := LatLonToTile(centerLat, centerLon, zoom)

	pixelsNeeded := sizeMeters / mpp
	tilesNeeded := int(math.Ceil(pixelsNeeded / TileSize))
	if tilesNeeded < 1 {
		tilesNeeded = 1
	}
	half := tilesNeeded / 2

	b := TileBounds{
		Zoom:                zoom,
		StartX:              center.X - half,
		StartY:              center.Y - half,
		EndX:                center.X + half,
		EndY:                center.Y + half,
		MetersPerPixel:      mpp,
		RequestedSizeMeters: sizeMeters,
	}
	b.derive()
	b.ActualSizeMeters = float64(b.PixelWidth) * mpp
	return b
}

// CalculateTilesForBBox returns the inclusive tile range covering bbox.
func CalculateTilesForBBox(bbox BoundingBox, zoom int) (TileBounds, error) {
	if err := bbox.Validate(); err != nil {
		return TileBounds{}, err
	}
	nw := LatLonToTile(math.Min(bbox.North, MaxLat), bbox.West, zoom)
	se := LatLonToTile(math.Max(bbox.South, MinLat), bbox.East, zoom)
	maxTile := (1 << zoom) - 1
	if se.X > maxTile {
		se.X = maxTile
	}
	if se.Y > maxTile {
		se.Y = maxTile
	}
	return NewTileBounds(zoom, nw.X, nw.Y, se.X, se.Y)
}
