package clipping

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/samber/lo"
)

// minLoopArea is the smallest planar area, in square degrees, a loop must
// enclose. Only collinear or collapsed rings fall below it.
const minLoopArea = 1e-18

// Loop is an ordered ring of (lon, lat) vertices without a closing
// duplicate.
type Loop []orb.Point

// Ring returns the loop as a closed orb ring.
func (l Loop) Ring() orb.Ring {
	r := make(orb.Ring, 0, len(l)+1)
	r = append(r, l...)
	if len(l) > 0 {
		r = append(r, l[0])
	}
	return r
}

// Area returns the enclosed planar area in square degrees.
func (l Loop) Area() float64 {
	if len(l) < 3 {
		return 0
	}
	return math.Abs(planar.Area(l.Ring()))
}

// Flat returns [lon1, lat1, lon2, lat2, ...].
func (l Loop) Flat() []float64 {
	return lo.FlatMap(l, func(p orb.Point, _ int) []float64 { return []float64{p.Lon(), p.Lat()} })
}

// Validate checks the loop invariants: at least three vertices, no closing
// duplicate and non-zero area.
func (l Loop) Validate() error {
	if len(l) < 3 {
		return fmt.Errorf("%w: loop has %d vertices", ErrDegenerateCurve, len(l))
	}
	if l[0].Equal(l[len(l)-1]) {
		return fmt.Errorf("%w: loop repeats its first vertex", ErrDegenerateCurve)
	}
	b := l.Ring().Bound()
	w, h := b.Max.X()-b.Min.X(), b.Max.Y()-b.Min.Y()
	if area := l.Area(); area <= minLoopArea || area <= 1e-10*(w*w+h*h) {
		return fmt.Errorf("%w: loop encloses no area", ErrDegenerateCurve)
	}
	return nil
}

// ParseFlat builds a loop from a flat lon/lat list as carried on the wire.
// A closing duplicate is dropped.
func ParseFlat(flat []float64) (Loop, error) {
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("%w: odd coordinate count %d", ErrDegenerateCurve, len(flat))
	}
	l := make(Loop, 0, len(flat)/2)
	for _, pair := range lo.Chunk(flat, 2) {
		p := orb.Point{pair[0], pair[1]}
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.Abs(p.Lat()) > 90 || math.Abs(p.Lon()) > 180 {
			return nil, fmt.Errorf("%w: vertex out of range (%v, %v)", ErrDegenerateCurve, p[0], p[1])
		}
		if len(l) > 0 && l[len(l)-1].Equal(p) {
			continue
		}
		l = append(l, p)
	}
	if len(l) > 1 && l[0].Equal(l[len(l)-1]) {
		l = l[:len(l)-1]
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// ParseFlatLoops parses every loop, dropping degenerate ones. It returns
// the kept loops and the number dropped.
func ParseFlatLoops(polygons [][]float64) ([]Loop, int) {
	loops := make([]Loop, 0, len(polygons))
	dropped := 0
	for _, flat := range polygons {
		l, err := ParseFlat(flat)
		if err != nil {
			dropped++
			continue
		}
		loops = append(loops, l)
	}
	return loops, dropped
}

// FlattenLoops converts loops to their wire form.
func FlattenLoops(loops []Loop) [][]float64 {
	return lo.Map(loops, func(l Loop, _ int) []float64 { return l.Flat() })
}

// ToFeatureCollection exports loops as GeoJSON polygons.
func ToFeatureCollection(loops []Loop) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i, l := range loops {
		f := geojson.NewFeature(orb.Polygon{l.Ring()})
		f.Properties["index"] = i
		f.Properties["vertices"] = len(l)
		fc.Append(f)
	}
	return fc
}
