package terrain

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geosync/internal/tiles"
)

// terrariumPixel encodes h meters the way Terrarium tiles do.
func terrariumPixel(h float64) color.RGBA {
	v := h + 32768
	r := uint8(int(v) / 256)
	g := uint8(int(v) % 256)
	b := uint8((v - float64(int(v))) * 256)
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

func tilePNG(t testing.TB, height func(x, y int) float64) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, tiles.TileSize, tiles.TileSize))
	for y := 0; y < tiles.TileSize; y++ {
		for x := 0; x < tiles.TileSize; x++ {
			img.SetRGBA(x, y, terrariumPixel(height(x, y)))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type stubSource struct {
	data  []byte
	err   error
	calls atomic.Int32
}

func (s *stubSource) Name() string { return "terrarium" }

func (s *stubSource) FetchTile(context.Context, tiles.TileIndex) ([]byte, error) {
	s.calls.Add(1)
	return s.data, s.err
}

func TestTerrariumHeight(t *testing.T) {
	assert.Equal(t, 0.0, TerrariumHeight(128, 0, 0))
	assert.Equal(t, -32768.0, TerrariumHeight(0, 0, 0))
	assert.Equal(t, 100.5, TerrariumHeight(128, 100, 128))
}

func TestFlat(t *testing.T) {
	h, err := Flat{Height: 12}.SampleHeight(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 12.0, h)
}

func TestTerrariumConstantTile(t *testing.T) {
	src := &stubSource{data: tilePNG(t, func(int, int) float64 { return 42.25 })}
	ts, err := NewTerrariumSource(src, 12, 4)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		h, err := ts.SampleHeight(context.Background(), 40.7580, -73.9855)
		require.NoError(t, err)
		assert.InDelta(t, 42.25, h, 1e-3)
	}
	assert.Equal(t, int32(1), src.calls.Load(), "decoded tile is reused")
}

func TestTerrariumBilinearGradient(t *testing.T) {
	// Height grows 1 m per pixel column.
	src := &stubSource{data: tilePNG(t, func(x, _ int) float64 { return float64(x) })}
	ts, err := NewTerrariumSource(src, 1, 1)
	require.NoError(t, err)

	// At zoom 1, tile (1, 0) spans lon [0, 180]. Lon 90 is pixel 128.0,
	// which lies halfway between pixel centers 127 and 128.
	h, err := ts.SampleHeight(context.Background(), 45, 90)
	require.NoError(t, err)
	assert.InDelta(t, 127.5, h, 1e-3)

	// Near the left edge the sample is clamped to the first column.
	h, err = ts.SampleHeight(context.Background(), 45, 0.0001)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, h, 1e-3)
}

func TestTerrariumFailuresAreTerrainUnavailable(t *testing.T) {
	ts, err := NewTerrariumSource(&stubSource{err: errors.New("offline")}, 10, 1)
	require.NoError(t, err)
	_, err = ts.SampleHeight(context.Background(), 10, 10)
	assert.ErrorIs(t, err, ErrTerrainUnavailable)

	ts, err = NewTerrariumSource(&stubSource{data: []byte("not an image")}, 10, 1)
	require.NoError(t, err)
	_, err = ts.SampleHeight(context.Background(), 10, 10)
	assert.ErrorIs(t, err, ErrTerrainUnavailable)

	_, err = ts.SampleHeight(context.Background(), 89, 10)
	assert.ErrorIs(t, err, ErrTerrainUnavailable)

	_, err = NewTerrariumSource(nil, 10, 1)
	assert.ErrorIs(t, err, ErrTerrainUnavailable)
}

// flakySource fails its first Initialize call.
type flakySource struct {
	stubSource
	inits atomic.Int32
}

func (s *flakySource) Initialize(context.Context) error {
	if s.inits.Add(1) == 1 {
		return errors.New("capabilities: connection reset")
	}
	return nil
}

func TestTerrariumRetriesFailedInitialize(t *testing.T) {
	src := &flakySource{stubSource: stubSource{data: tilePNG(t, func(int, int) float64 { return 7 })}}
	ts, err := NewTerrariumSource(src, 12, 4)
	require.NoError(t, err)

	_, err = ts.SampleHeight(context.Background(), 40.758, -73.9855)
	assert.ErrorIs(t, err, ErrTerrainUnavailable)
	assert.Equal(t, int32(0), src.calls.Load())

	h, err := ts.SampleHeight(context.Background(), 40.758, -73.9855)
	require.NoError(t, err)
	assert.InDelta(t, 7.0, h, 1e-6)

	_, err = ts.SampleHeight(context.Background(), 40.759, -73.9855)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.inits.Load(), "initialized once it succeeded")
}
