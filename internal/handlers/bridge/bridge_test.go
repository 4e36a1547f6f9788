package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geosync/internal/cache"
	"geosync/internal/cad"
	"geosync/internal/clipping"
	"geosync/internal/common"
	"geosync/internal/geodesy"
	"geosync/internal/imagery"
	"geosync/internal/mapexport"
	"geosync/internal/orchestrator"
	"geosync/internal/placement"
	"geosync/internal/protocol"
	"geosync/internal/terrain"
	"geosync/internal/tiles"
	"geosync/internal/transport"
)

const siteDocument = `{
  "name": "site",
  "objects": [
    {"id": "bldg", "layer": "Export", "type": "extrusion", "geometry": {
      "profile": {"type": "polyline", "geometry": {"points": [{"x":0,"y":0},{"x":10,"y":0},{"x":10,"y":10},{"x":0,"y":10}], "closed": true}},
      "direction": {"z": 1}, "height": 3}},
    {"id": "pit", "layer": "Clip", "type": "circle", "geometry": {"center": {"x":5,"y":5}, "normal": {"z":1}, "radius": 2}}
  ]
}`

type countingSource struct {
	tile  []byte
	err   error
	calls atomic.Int32
}

func (s *countingSource) Name() string { return "test" }

func (s *countingSource) FetchTile(context.Context, tiles.TileIndex) ([]byte, error) {
	s.calls.Add(1)
	return s.tile, s.err
}

func greenPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, tiles.TileSize, tiles.TileSize))
	for y := 0; y < tiles.TileSize; y++ {
		for x := 0; x < tiles.TileSize; x++ {
			img.Set(x, y, color.RGBA{G: 160, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type harness struct {
	doc    *cad.FileDocument
	scene  *placement.Scene
	source *countingSource
	viewer *httptest.Server
	cad    *httptest.Server
}

func newHarness(t *testing.T, withExporter bool) *harness {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "site.json")
	require.NoError(t, os.WriteFile(path, []byte(siteDocument), 0644))
	doc, err := cad.OpenFileDocument(path, 1)
	require.NoError(t, err)

	h := &harness{doc: doc, source: &countingSource{tile: greenPNG(t)}}

	var viewerHandler http.Handler
	h.viewer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		viewerHandler.ServeHTTP(w, r)
	}))
	t.Cleanup(h.viewer.Close)

	cadSrv := NewCADServer(CADConfig{
		Document: doc,
		Anchors:  cad.NewAnchorSetter(doc),
		Maps:     cad.NewMapImporter(doc, filepath.Join(dir, "maps"), "Map", 90),
		Builder: cad.NewPayloadBuilder(doc, cad.BuilderConfig{
			ExportLayer:          "Export",
			ClipLayer:            "Clip",
			ExportDir:            filepath.Join(dir, "exports"),
			CurveMinSamples:      32,
			CurveToleranceMeters: 0.01,
		}),
		Viewer: transport.NewClient(h.viewer.URL, 5*time.Second),
	})
	h.cad = httptest.NewServer(cadSrv.Handler())
	t.Cleanup(h.cad.Close)

	h.scene = placement.NewScene(nopRenderer{})
	resolver := placement.NewResolver(placement.DefaultConfig(), terrain.Flat{Height: 5})
	cadClient := transport.NewClient(h.cad.URL, 5*time.Second)

	store, err := cache.NewMemoryTier(16, nil)
	require.NoError(t, err)
	cached := imagery.NewCachedSource(h.source, store)

	cfg := ViewerConfig{
		Orchestrator: orchestrator.New(resolver, h.scene, nil),
		Scene:        h.scene,
		CAD:          cadClient,
		Tiles: func(name string) (*imagery.CachedSource, bool) {
			return cached, name == cached.Name()
		},
	}
	if withExporter {
		cfg.Exporter = mapexport.New(imagery.NewStitcher(2, nil),
			func(string) (imagery.Source, bool) { return cached, true },
			cadClient, mapexport.Config{Format: common.FormatPNG})
	}
	viewerHandler = NewViewerServer(cfg).Handler()
	return h
}

type nopRenderer struct{}

func (nopRenderer) AddAsset(context.Context, placement.PlacedAsset) error { return nil }
func (nopRenderer) RemoveAsset(context.Context, uuid.UUID) error         { return nil }
func (nopRenderer) SetClipping(context.Context, []clipping.Loop) error   { return nil }

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	resp, err := http.Post(url, "application/json", r)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness(t, false)
	for _, url := range []string{h.viewer.URL, h.cad.URL} {
		require.NoError(t, transport.NewClient(url, time.Second).Health(context.Background()))
	}
}

func TestExportBeforeAnchorIsRejected(t *testing.T) {
	h := newHarness(t, false)

	_, err := transport.NewClient(h.cad.URL, 5*time.Second).RequestExport(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, geodesy.ErrAnchorNotSet)

	var remote *transport.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, http.StatusConflict, remote.StatusCode)
	assert.Equal(t, transport.CodeAnchorNotSet, remote.Code)

	_, placed := h.scene.Current()
	assert.False(t, placed)
}

func TestAnchorThenSyncRoundTrip(t *testing.T) {
	h := newHarness(t, false)

	resp := postJSON(t, h.viewer.URL+"/anchor", protocol.AnchorRequest{Lat: 40.758, Lon: -73.9855})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	anchor, err := h.doc.Anchor()
	require.NoError(t, err)
	assert.Equal(t, 40.758, anchor.Latitude)

	resp = postJSON(t, h.viewer.URL+"/request-sync", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	synced := decode[protocol.SyncResponse](t, resp)
	assert.True(t, synced.Success)
	assert.Equal(t, 1, synced.ClippingLoops)
	assert.InDelta(t, 5.0, synced.Height, 1e-6)
	assert.InDelta(t, 5.0, synced.TerrainHeight, 1e-9)
	assert.InDelta(t, 90.0, synced.HeadingDeg, 1e-9)

	stateResp, err := http.Get(h.viewer.URL + "/state")
	require.NoError(t, err)
	defer stateResp.Body.Close()
	state := decode[StateResponse](t, stateResp)
	require.NotNil(t, state.Asset)
	assert.Equal(t, synced.AssetID, state.Asset.ID.String())
	assert.Equal(t, synced.CycleID, state.Status.LastCycleID)
	assert.Equal(t, orchestrator.Idle, state.Status.State)
	require.Len(t, state.Clipping, 1)
	assert.FileExists(t, state.Asset.AssetReference)

	clipResp, err := http.Get(h.viewer.URL + "/clipping")
	require.NoError(t, err)
	defer clipResp.Body.Close()
	body, err := io.ReadAll(clipResp.Body)
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(body)
	require.NoError(t, err)
	assert.Len(t, fc.Features, 1)
}

func TestSyncRejectsMalformedPayloads(t *testing.T) {
	h := newHarness(t, false)

	for name, body := range map[string]string{
		"not json":    "{",
		"no asset":    `{"position": {"lat": 1, "lon": 2}}`,
		"bad lat":     `{"glbPath": "a.glb", "position": {"lat": 91, "lon": 2}}`,
		"wrong types": `{"glbPath": 5}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := postJSON(t, h.viewer.URL+"/sync", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			errResp := decode[protocol.ErrorResponse](t, resp)
			assert.Equal(t, transport.CodeInvalidPayload, errResp.Code)
			assert.NotEmpty(t, errResp.Error)
		})
	}

	_, placed := h.scene.Current()
	assert.False(t, placed)
}

func TestAnchorValidation(t *testing.T) {
	h := newHarness(t, false)
	resp := postJSON(t, h.cad.URL+"/anchor", protocol.AnchorRequest{Lat: 120, Lon: 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, transport.CodeInvalidPayload, decode[protocol.ErrorResponse](t, resp).Code)
}

func TestDocumentEndpoint(t *testing.T) {
	h := newHarness(t, false)

	resp, err := http.Get(h.cad.URL + "/document")
	require.NoError(t, err)
	defer resp.Body.Close()
	doc := decode[DocumentResponse](t, resp)
	assert.Equal(t, "site", doc.Name)
	assert.Equal(t, 1.0, doc.UnitMeters)
	assert.Nil(t, doc.Anchor)
}

func TestTileProxyCaches(t *testing.T) {
	h := newHarness(t, false)

	get := func(path string) *http.Response {
		resp, err := http.Get(h.viewer.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := get("/tiles/test/3/1/2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache-Status"))
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	resp = get("/tiles/test/3/1/2")
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache-Status"))
	assert.Equal(t, int32(1), h.source.calls.Load())

	assert.Equal(t, http.StatusNotFound, get("/tiles/other/3/1/2").StatusCode)
	assert.Equal(t, http.StatusBadRequest, get("/tiles/test/x/1/2").StatusCode)
	assert.Equal(t, http.StatusBadRequest, get("/tiles/test/3/9/2").StatusCode)
}

func TestTileProxyServesBlankOnFailure(t *testing.T) {
	h := newHarness(t, false)
	h.source.err = imagery.ErrTileFetchFailed

	resp, err := http.Get(h.viewer.URL + "/tiles/test/4/3/3")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ERROR", resp.Header.Get("X-Cache-Status"))

	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	_, _, _, a := img.At(0, 0).RGBA()
	assert.Zero(t, a)
}

func TestExportImageAnchorsAndImports(t *testing.T) {
	h := newHarness(t, true)

	resp := postJSON(t, h.viewer.URL+"/export-image", protocol.MapExportRequest{
		CenterLat: 40.758, CenterLon: -73.9855, SizeMeters: 100, Zoom: 16, SetAnchor: true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[protocol.MapExportResponse](t, resp)
	assert.True(t, out.Success)
	assert.FileExists(t, out.ImagePath)

	anchor, err := h.doc.Anchor()
	require.NoError(t, err)
	lat, lon := out.Bounds.Center()
	assert.Equal(t, lat, anchor.Latitude)
	assert.Equal(t, lon, anchor.Longitude)

	pictures := h.doc.Pictures()
	require.Len(t, pictures, 1)
	assert.Equal(t, "Map", pictures[0].Layer)
	assert.Equal(t, out.ImagePath, pictures[0].Path)
}

func TestOptionalRoutesUnavailable(t *testing.T) {
	h := newHarness(t, false)
	resp := postJSON(t, h.viewer.URL+"/export-image", protocol.MapExportRequest{
		CenterLat: 1, CenterLon: 1, SizeMeters: 10, Zoom: 10,
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, decode[protocol.ErrorResponse](t, resp).Error)
}

func TestSyncResponseFrom(t *testing.T) {
	res := orchestrator.Result{
		CycleID: 7,
		Asset: placement.PlacedAsset{
			Position:      geodesy.GeodeticPoint{Height: 12},
			TerrainHeight: 10,
			Orientation:   placement.Orientation{HeadingDeg: 135},
		},
		Dropped: 2,
	}
	got := SyncResponseFrom(res)
	assert.Equal(t, uint64(7), got.CycleID)
	assert.Equal(t, 12.0, got.Height)
	assert.Equal(t, 135.0, got.HeadingDeg)
	assert.Equal(t, 2, got.DroppedPolygons)
	assert.Zero(t, got.ClippingLoops)
}
