package clipping

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geosync/internal/geodesy"
)

func v(x, y, z float64) geodesy.Vec3 { return geodesy.Vec3{X: x, Y: y, Z: z} }

func square(size float64) Polyline {
	return Polyline{Points: []geodesy.Vec3{v(0, 0, 0), v(size, 0, 0), v(size, size, 0), v(0, size, 0), v(0, 0, 0)}}
}

func timesSquare(t *testing.T, unit float64) *geodesy.Transform {
	t.Helper()
	anchor := geodesy.NewEarthAnchor(40.7580, -73.9855)
	tr, err := geodesy.NewTransform(&anchor, unit)
	require.NoError(t, err)
	return tr
}

func TestReducePolylineDropsClosingDuplicate(t *testing.T) {
	pts, err := ReduceToPolyline(square(10), DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, pts, 4)
	assert.Equal(t, v(0, 10, 0), pts[3])

	flagged := Polyline{Points: []geodesy.Vec3{v(0, 0, 0), v(1, 0, 0), v(0, 1, 0)}, Closed: true}
	pts, err = ReduceToPolyline(flagged, DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, pts, 3)
}

func TestReduceRejectsDegenerateInput(t *testing.T) {
	cases := map[string]any{
		"open polyline":  Polyline{Points: []geodesy.Vec3{v(0, 0, 0), v(1, 0, 0), v(1, 1, 0)}},
		"two vertices":   Polyline{Points: []geodesy.Vec3{v(0, 0, 0), v(1, 0, 0), v(0, 0, 0)}},
		"empty":          Polyline{},
		"collinear":      Polyline{Points: []geodesy.Vec3{v(0, 0, 0), v(1, 0, 0), v(2, 0, 0)}, Closed: true},
		"non-planar":     Polyline{Points: []geodesy.Vec3{v(0, 0, 0), v(10, 0, 0), v(10, 10, 5), v(0, 10, 0)}, Closed: true},
		"open arc":       Arc{Circle: Circle{Normal: v(0, 0, 1), Radius: 5}, StartAngle: 0, EndAngle: math.Pi},
		"zero radius":    Circle{Normal: v(0, 0, 1)},
		"unsupported":    "a text annotation",
		"empty surface":  PlanarSurface{},
		"empty profile":  Extrusion{},
		"nil":            nil,
	}
	for name, obj := range cases {
		_, err := ReduceToPolyline(obj, DefaultOptions())
		assert.ErrorIs(t, err, ErrDegenerateCurve, name)
	}
}

func TestReduceCircleMeetsMinimumAndTolerance(t *testing.T) {
	opts := Options{MinSamples: 64, Tolerance: 0.05}

	pts, err := ReduceToPolyline(Circle{Center: v(5, 5, 0), Normal: v(0, 0, 1), Radius: 10}, opts)
	require.NoError(t, err)
	assert.Len(t, pts, 64)
	for _, p := range pts {
		assert.InDelta(t, 10, p.DistanceTo(v(5, 5, 0)), 1e-9)
	}

	big := Circle{Normal: v(0, 0, 1), Radius: 1000}
	pts, err = ReduceToPolyline(big, opts)
	require.NoError(t, err)
	assert.Len(t, pts, 512)
	sagitta := 1000 * (1 - math.Cos(math.Pi/float64(len(pts))))
	assert.LessOrEqual(t, sagitta, 0.05)
}

func TestReduceEllipseAndFullArc(t *testing.T) {
	pts, err := ReduceToPolyline(Ellipse{MajorAxis: v(20, 0, 0), MinorAxis: v(0, 5, 0)}, DefaultOptions())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(pts), 64)

	arc := Arc{Circle: Circle{Normal: v(0, 0, 1), Radius: 3}, StartAngle: 1, EndAngle: 1 + 2*math.Pi}
	pts, err = ReduceToPolyline(arc, DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, pts, 64)
}

func TestReduceClockwiseFullArc(t *testing.T) {
	circle := Circle{Normal: v(0, 0, 1), Radius: 3}
	cw := Arc{Circle: circle, StartAngle: 2 * math.Pi, EndAngle: 0}
	require.True(t, cw.IsClosed())

	pts, err := ReduceToPolyline(cw, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, pts, 64)

	ccw, err := ReduceToPolyline(Arc{Circle: circle, StartAngle: 0, EndAngle: 2 * math.Pi}, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, ccw, 64)

	// Same vertices walked the other way round.
	for i := range pts {
		want := ccw[(len(ccw)-i)%len(ccw)]
		assert.InDelta(t, want.X, pts[i].X, 1e-9)
		assert.InDelta(t, want.Y, pts[i].Y, 1e-9)
	}
}

func TestReduceBoundaryProviders(t *testing.T) {
	pts, err := ReduceToPolyline(PlanarSurface{Boundary: square(4)}, DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, pts, 4)

	ext := Extrusion{Profile: Circle{Normal: v(0, 0, 1), Radius: 2}, Direction: v(0, 0, 1), Height: 30}
	pts, err = ReduceToPolyline(ext, DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, pts, 64)
	for _, p := range pts {
		assert.Equal(t, 0.0, p.Z, "footprint is the profile, not the cap")
	}
}

func TestProjectorProducesLonLatLoops(t *testing.T) {
	tr := timesSquare(t, 1)
	objects := []Object{
		{ID: "lot", Geometry: square(100)},
		{ID: "label", Geometry: "not a curve"},
		{ID: "vertical", Geometry: Circle{Normal: v(1, 0, 0), Radius: 10}},
		{ID: "pond", Geometry: PlanarSurface{Boundary: Circle{Center: v(50, 50, 0), Normal: v(0, 0, 1), Radius: 20}}},
	}

	loops, skipped, err := NewProjector(64, 0.05).Project(tr, objects)
	require.NoError(t, err)
	require.Len(t, loops, 2)
	require.Len(t, skipped, 2)
	assert.Equal(t, "label", skipped[0].ID)
	assert.Equal(t, "vertical", skipped[1].ID)
	assert.ErrorIs(t, skipped[1].Err, ErrDegenerateCurve)

	lot := loops[0]
	require.Len(t, lot, 4)
	assert.InDelta(t, -73.9855, lot[0].Lon(), 1e-9)
	assert.InDelta(t, 40.7580, lot[0].Lat(), 1e-9)
	far := tr.ToGeodetic(v(100, 100, 0))
	assert.InDelta(t, far.Lon, lot[2].Lon(), 1e-12)
	assert.InDelta(t, far.Lat, lot[2].Lat(), 1e-12)
	assert.NoError(t, lot.Validate())

	assert.Len(t, loops[1], 64)
	assert.Len(t, lot.Flat(), 8)
}

func TestProjectorEmptyLayerClears(t *testing.T) {
	loops, skipped, err := NewProjector(64, 0.05).Project(timesSquare(t, 1), nil)
	require.NoError(t, err)
	assert.NotNil(t, loops)
	assert.Empty(t, loops)
	assert.Empty(t, skipped)
	assert.Equal(t, [][]float64{}, FlattenLoops(loops))
}

func TestProjectorNeedsAnchor(t *testing.T) {
	_, _, err := NewProjector(64, 0.05).Project(nil, []Object{{ID: "a", Geometry: square(1)}})
	assert.ErrorIs(t, err, geodesy.ErrAnchorNotSet)
}

func TestProjectorToleranceFollowsModelUnits(t *testing.T) {
	// 1000 mm radius: 5 cm tolerance is 50 model units, so the minimum wins.
	loops, _, err := NewProjector(64, 0.05).Project(timesSquare(t, 0.001), []Object{
		{ID: "c", Geometry: Circle{Normal: v(0, 0, 1), Radius: 1000}},
	})
	require.NoError(t, err)
	require.Len(t, loops, 1)
	assert.Len(t, loops[0], 64)
}

func TestParseFlat(t *testing.T) {
	l, err := ParseFlat([]float64{0, 0, 1, 0, 1, 1, 0, 1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, Loop{{0, 0}, {1, 0}, {1, 1}, {0, 1}}, l)
	assert.InDelta(t, 1.0, l.Area(), 1e-12)

	for name, flat := range map[string][]float64{
		"odd":       {0, 0, 1},
		"two":       {0, 0, 1, 1},
		"collinear": {0, 0, 1, 1, 2, 2},
		"range":     {0, 0, 1, 0, 200, 1},
	} {
		_, err := ParseFlat(flat)
		assert.ErrorIs(t, err, ErrDegenerateCurve, name)
	}

	loops, dropped := ParseFlatLoops([][]float64{{0, 0, 1, 0, 0, 1}, {0, 0}, {}})
	assert.Len(t, loops, 1)
	assert.Equal(t, 2, dropped)
}

func TestLoopValidateRejectsClosingDuplicate(t *testing.T) {
	l := Loop{{0, 0}, {1, 0}, {1, 1}, {0, 0}}
	assert.ErrorIs(t, l.Validate(), ErrDegenerateCurve)
	assert.Equal(t, orb.Ring{{0, 0}, {1, 0}, {0, 1}, {0, 0}}, Loop{{0, 0}, {1, 0}, {0, 1}}.Ring())
}

func TestToFeatureCollection(t *testing.T) {
	fc := ToFeatureCollection([]Loop{{{0, 0}, {1, 0}, {1, 1}}})
	data, err := json.Marshal(fc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"Polygon"`)
	assert.Contains(t, string(data), `"vertices":3`)
}
