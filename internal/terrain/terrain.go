// Package terrain samples ground elevation for placement.
package terrain

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"geosync/internal/imagery"
	"geosync/internal/tiles"
)

// ErrTerrainUnavailable is returned when no height can be sampled. Callers
// fall back to a height of 0.
var ErrTerrainUnavailable = errors.New("terrain unavailable")

// ElevationSource samples terrain height in meters at a location.
type ElevationSource interface {
	SampleHeight(ctx context.Context, lat, lon float64) (float64, error)
}

// Flat is an elevation source with constant height.
type Flat struct {
	Height float64
}

// SampleHeight returns the constant height.
func (f Flat) SampleHeight(context.Context, float64, float64) (float64, error) {
	return f.Height, nil
}

// MaxTerrariumZoom is the deepest zoom published for Terrarium tiles.
const MaxTerrariumZoom = 15

// heightGrid holds decoded heights of one tile, row-major.
type heightGrid []float32

// TerrariumSource decodes Terrarium-encoded elevation tiles
// (height = R*256 + G + B/256 - 32768) and samples them bilinearly.
type TerrariumSource struct {
	src     imagery.Source
	zoom    int
	decoded *lru.Cache[tiles.TileIndex, heightGrid]

	initMu sync.Mutex
	ready  bool
}

// NewTerrariumSource samples src at zoom, keeping up to cacheTiles decoded
// tiles in memory.
func NewTerrariumSource(src imagery.Source, zoom, cacheTiles int) (*TerrariumSource, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: no tile source", ErrTerrainUnavailable)
	}
	if zoom <= 0 || zoom > MaxTerrariumZoom {
		zoom = 14
	}
	if cacheTiles <= 0 {
		cacheTiles = 16
	}
	decoded, err := lru.New[tiles.TileIndex, heightGrid](cacheTiles)
	if err != nil {
		return nil, err
	}
	return &TerrariumSource{src: src, zoom: zoom, decoded: decoded}, nil
}

// SampleHeight returns the interpolated height at lat/lon.
func (s *TerrariumSource) SampleHeight(ctx context.Context, lat, lon float64) (float64, error) {
	if lat < tiles.MinLat || lat > tiles.MaxLat {
		return 0, fmt.Errorf("%w: latitude %.6f outside tile coverage", ErrTerrainUnavailable, lat)
	}

	if err := s.prepare(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTerrainUnavailable, err)
	}

	t := tiles.LatLonToTile(lat, lon, s.zoom)
	grid, err := s.grid(ctx, t)
	if err != nil {
		return 0, err
	}

	fx, fy := tiles.FractionalPosition(lat, lon, t)
	return grid.bilinear(fx*tiles.TileSize-0.5, fy*tiles.TileSize-0.5), nil
}

// prepare initializes the tile source, retrying on every sample until it
// succeeds once.
func (s *TerrariumSource) prepare(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.ready {
		return nil
	}
	if err := imagery.Prepare(ctx, s.src); err != nil {
		return err
	}
	s.ready = true
	return nil
}

func (s *TerrariumSource) grid(ctx context.Context, t tiles.TileIndex) (heightGrid, error) {
	if g, ok := s.decoded.Get(t); ok {
		return g, nil
	}

	data, err := s.src.FetchTile(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTerrainUnavailable, err)
	}
	img, err := imagery.DecodeTile(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTerrainUnavailable, err)
	}

	g := DecodeTerrarium(img)
	s.decoded.Add(t, g)
	return g, nil
}

// DecodeTerrarium converts a 256px Terrarium tile to heights.
func DecodeTerrarium(img image.Image) heightGrid {
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Bounds() != image.Rect(0, 0, tiles.TileSize, tiles.TileSize) {
		rgba = image.NewRGBA(image.Rect(0, 0, tiles.TileSize, tiles.TileSize))
		draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	}

	g := make(heightGrid, tiles.TileSize*tiles.TileSize)
	for y := 0; y < tiles.TileSize; y++ {
		for x := 0; x < tiles.TileSize; x++ {
			c := rgba.RGBAAt(x, y)
			g[y*tiles.TileSize+x] = float32(TerrariumHeight(c.R, c.G, c.B))
		}
	}
	return g
}

// TerrariumHeight decodes one Terrarium pixel.
func TerrariumHeight(r, g, b uint8) float64 {
	return float64(r)*256 + float64(g) + float64(b)/256 - 32768
}

func (g heightGrid) at(x, y int) float64 {
	x = clamp(x, 0, tiles.TileSize-1)
	y = clamp(y, 0, tiles.TileSize-1)
	return float64(g[y*tiles.TileSize+x])
}

// bilinear interpolates at pixel-center coordinates px, py. Samples beyond
// the tile edge use the edge pixel.
func (g heightGrid) bilinear(px, py float64) float64 {
	x0 := int(math.Floor(px))
	y0 := int(math.Floor(py))
	tx := px - float64(x0)
	ty := py - float64(y0)

	top := g.at(x0, y0)*(1-tx) + g.at(x0+1, y0)*tx
	bottom := g.at(x0, y0+1)*(1-tx) + g.at(x0+1, y0+1)*tx
	return top*(1-ty) + bottom*ty
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
