package imagery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geosync/internal/cache"
	"geosync/internal/common"
	"geosync/internal/ratelimit"
	"geosync/internal/tiles"
)

func solidPNG(t testing.TB, size int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeSource struct {
	name    string
	tile    []byte
	fail    map[tiles.TileIndex]bool
	initErr error
	calls   atomic.Int32
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchTile(_ context.Context, t tiles.TileIndex) ([]byte, error) {
	f.calls.Add(1)
	if f.fail[t] {
		return nil, fmt.Errorf("%w: boom", ErrTileFetchFailed)
	}
	return f.tile, nil
}

type initSource struct{ *fakeSource }

func (s initSource) Initialize(context.Context) error { return s.initErr }

type countingObserver struct {
	mu       sync.Mutex
	ok, fail int
}

func (o *countingObserver) ObserveTile(_ string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ok {
		o.ok++
	} else {
		o.fail++
	}
}

func regionIsBlank(img *image.RGBA, x0, y0 int) bool {
	for y := y0; y < y0+tiles.TileSize; y += 17 {
		for x := x0; x < x0+tiles.TileSize; x += 17 {
			if img.RGBAAt(x, y).A != 0 {
				return false
			}
		}
	}
	return true
}

func TestStitchWithPartialFailures(t *testing.T) {
	bounds, err := tiles.NewTileBounds(10, 300, 380, 303, 382)
	require.NoError(t, err)

	failed := map[tiles.TileIndex]bool{
		{X: 300, Y: 380, Zoom: 10}: true,
		{X: 302, Y: 381, Zoom: 10}: true,
		{X: 303, Y: 382, Zoom: 10}: true,
	}
	src := &fakeSource{name: "fake", tile: solidPNG(t, 256, color.RGBA{R: 200, A: 255}), fail: failed}
	obs := &countingObserver{}

	var progress []Progress
	res, err := NewStitcher(3, obs).Stitch(context.Background(), bounds, src, func(p Progress) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	assert.Equal(t, bounds.PixelWidth, res.Image.Bounds().Dx())
	assert.Equal(t, bounds.PixelHeight, res.Image.Bounds().Dy())
	assert.Equal(t, 12, int(src.calls.Load()))
	assert.Equal(t, 9, res.Fetched)
	assert.Equal(t, 3, res.Failed())
	assert.ElementsMatch(t, []tiles.TileIndex{
		{X: 300, Y: 380, Zoom: 10}, {X: 302, Y: 381, Zoom: 10}, {X: 303, Y: 382, Zoom: 10},
	}, res.FailedTiles)

	blank := 0
	for _, tile := range bounds.Tiles() {
		x, y := bounds.PixelOffset(tile)
		if regionIsBlank(res.Image, x, y) {
			blank++
			assert.True(t, failed[tile], "tile %s should not be blank", tile)
		} else {
			assert.Equal(t, color.RGBA{R: 200, A: 255}, res.Image.RGBAAt(x+128, y+128))
		}
	}
	assert.Equal(t, 3, blank)

	assert.Equal(t, 9, obs.ok)
	assert.Equal(t, 3, obs.fail)

	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, Progress{Done: 12, Total: 12, Failed: 3, Percent: 100}, last)
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i].Done, progress[i-1].Done)
	}
}

func TestStitchAllFailedStillReturnsRaster(t *testing.T) {
	bounds := tiles.CalculateTileBounds(0, 0, 10, 3)
	src := &fakeSource{name: "fake", fail: map[tiles.TileIndex]bool{{X: 4, Y: 4, Zoom: 3}: true}}

	res, err := NewStitcher(1, nil).Stitch(context.Background(), bounds, src, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed())
	assert.True(t, regionIsBlank(res.Image, 0, 0))
}

func TestStitchOutOfGridTilesAreBlank(t *testing.T) {
	bounds, err := tiles.NewTileBounds(1, -1, 0, 0, 0)
	require.NoError(t, err)
	src := &fakeSource{name: "fake", tile: solidPNG(t, 256, color.White)}

	res, err := NewStitcher(2, nil).Stitch(context.Background(), bounds, src, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, int(src.calls.Load()), "invalid tile is never requested")
	assert.Equal(t, []tiles.TileIndex{{X: -1, Y: 0, Zoom: 1}}, res.FailedTiles)
	assert.True(t, regionIsBlank(res.Image, 0, 0))
	assert.False(t, regionIsBlank(res.Image, 256, 0))
}

func TestStitchRescalesOddSizedTiles(t *testing.T) {
	bounds := tiles.CalculateTileBounds(10, 10, 1, 5)
	src := &fakeSource{name: "retina", tile: solidPNG(t, 512, color.RGBA{B: 255, A: 255})}

	res, err := NewStitcher(1, nil).Stitch(context.Background(), bounds, src, nil)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{B: 255, A: 255}, res.Image.RGBAAt(100, 100))
}

func TestStitchSourceUnavailable(t *testing.T) {
	bounds := tiles.CalculateTileBounds(0, 0, 10, 3)

	_, err := NewStitcher(1, nil).Stitch(context.Background(), bounds, nil, nil)
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	src := initSource{&fakeSource{name: "wmts", initErr: errors.New("no capabilities")}}
	_, err = NewStitcher(1, nil).Stitch(context.Background(), bounds, src, nil)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Zero(t, src.calls.Load())
}

func TestStitchCancelled(t *testing.T) {
	bounds := tiles.CalculateTileBounds(0, 0, 5000, 12)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStitcher(2, nil).Stitch(ctx, bounds, &fakeSource{name: "fake"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEncodeFormats(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 64, 64))
	draw.Draw(src, src.Bounds(), image.NewUniform(color.RGBA{G: 120, A: 255}), image.Point{}, draw.Src)
	img := Resample(src, 32, 32)

	for _, f := range []common.ImageFormat{common.FormatJPEG, common.FormatPNG, common.FormatWebP} {
		data, err := Encode(img, f, 0)
		require.NoError(t, err, f)
		decoded, format, err := image.Decode(bytes.NewReader(data))
		require.NoError(t, err, f)
		assert.Equal(t, string(f), format)
		assert.Equal(t, 32, decoded.Bounds().Dx())
	}

	_, err := Encode(img, "bmp", 0)
	assert.Error(t, err)
}

func TestXYZSourceTemplate(t *testing.T) {
	assert.Error(t, ValidateTemplate(""))
	assert.Error(t, ValidateTemplate("ftp://x/{z}/{x}/{y}"))
	assert.Error(t, ValidateTemplate("https://x/{z}/{y}"))
	assert.NoError(t, ValidateTemplate("https://x/{q}.jpeg"))
	assert.NoError(t, ValidateTemplate("https://x/{z}/{x}/{-y}.png"))

	src, err := NewXYZSource(XYZConfig{
		Template:   "https://{s}.tiles.test/{z}/{x}/{y}/{-y}/{q}.png",
		Subdomains: []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://a.tiles.test/3/3/5/2/213.png", src.TileURL(tiles.TileIndex{X: 3, Y: 5, Zoom: 3}))
}

func TestXYZSourceFetch(t *testing.T) {
	tile := solidPNG(t, 256, color.Black)
	var serverErrors atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, UserAgent, r.UserAgent())
		switch r.URL.Path {
		case "/2/1/1.png":
			w.Write(tile)
		case "/2/2/2.png":
			if serverErrors.Add(1) < 2 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write(tile)
		case "/2/3/3.png":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rl := ratelimit.NewHandler(&ratelimit.RetryStrategy{Intervals: []time.Duration{time.Hour}, MaxRetries: 1})
	defer rl.Close()

	src, err := NewXYZSource(XYZConfig{
		Name:      "test",
		Template:  srv.URL + "/{z}/{x}/{y}.png",
		Client:    srv.Client(),
		RateLimit: rl,
		Attempts:  3,
	})
	require.NoError(t, err)
	src.backoff = time.Millisecond
	ctx := context.Background()

	data, err := src.FetchTile(ctx, tiles.TileIndex{X: 1, Y: 1, Zoom: 2})
	require.NoError(t, err)
	assert.Equal(t, tile, data)

	data, err = src.FetchTile(ctx, tiles.TileIndex{X: 2, Y: 2, Zoom: 2})
	require.NoError(t, err, "5xx is retried")
	assert.Equal(t, tile, data)

	_, err = src.FetchTile(ctx, tiles.TileIndex{X: 0, Y: 0, Zoom: 2})
	assert.ErrorIs(t, err, ErrTileFetchFailed)

	_, err = src.FetchTile(ctx, tiles.TileIndex{X: 4, Y: 0, Zoom: 2})
	assert.ErrorIs(t, err, ErrTileFetchFailed, "outside the grid")

	_, err = src.FetchTile(ctx, tiles.TileIndex{X: 3, Y: 3, Zoom: 2})
	assert.ErrorIs(t, err, ErrTileFetchFailed)
	assert.True(t, rl.IsRateLimited("test"))

	_, err = src.FetchTile(ctx, tiles.TileIndex{X: 1, Y: 1, Zoom: 2})
	assert.ErrorIs(t, err, ErrTileFetchFailed, "held back while rate limited")
}

func TestWMTSSourceInitialize(t *testing.T) {
	tile := solidPNG(t, 256, color.White)
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/caps":
			fmt.Fprintf(w, `<Capabilities xmlns:ows="http://www.opengis.net/ows/1.1"><Contents><Layer>
<ows:Identifier>ortho</ows:Identifier>
<ResourceURL resourceType="tile" format="image/png" template="%s/wmts/{TileMatrix}/{TileRow}/{TileCol}.png"/>
</Layer></Contents></Capabilities>`, srvURL)
		case "/wmts/4/6/5.png":
			w.Write(tile)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	src := NewWMTSSource(srv.URL+"/caps", "ortho", XYZConfig{Name: "ortho", Client: srv.Client()})
	_, err := src.FetchTile(context.Background(), tiles.TileIndex{X: 5, Y: 6, Zoom: 4})
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	require.NoError(t, Prepare(context.Background(), src))
	data, err := src.FetchTile(context.Background(), tiles.TileIndex{X: 5, Y: 6, Zoom: 4})
	require.NoError(t, err)
	assert.Equal(t, tile, data)

	bad := NewWMTSSource(srv.URL+"/missing", "", XYZConfig{Client: srv.Client()})
	assert.ErrorIs(t, Prepare(context.Background(), bad), ErrSourceUnavailable)
}

func TestCachedSource(t *testing.T) {
	mem, err := cache.NewMemoryTier(16, nil)
	require.NoError(t, err)
	src := &fakeSource{name: "fake", tile: []byte{1, 2, 3}, fail: map[tiles.TileIndex]bool{{X: 1, Zoom: 1}: true}}
	cached := NewCachedSource(src, mem)

	tile := tiles.TileIndex{Zoom: 1}
	_, ok := cached.Lookup(tile)
	assert.False(t, ok)

	for i := 0; i < 3; i++ {
		data, err := cached.FetchTile(context.Background(), tile)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, data)
	}
	assert.Equal(t, int32(1), src.calls.Load())

	_, err = cached.FetchTile(context.Background(), tiles.TileIndex{X: 1, Zoom: 1})
	assert.ErrorIs(t, err, ErrTileFetchFailed)
	_, ok = cached.Lookup(tiles.TileIndex{X: 1, Zoom: 1})
	assert.False(t, ok, "failures are not cached")
}
