package clipping

import (
	"fmt"
	"math"

	"geosync/internal/geodesy"
)

// Options bounds curve discretization. Tolerance is in model units.
type Options struct {
	MinSamples int
	MaxSamples int
	Tolerance  float64
}

// DefaultOptions returns 64 samples minimum and a 0.05 unit tolerance.
func DefaultOptions() Options {
	return Options{MinSamples: 64, MaxSamples: 4096, Tolerance: 0.05}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.MinSamples < 3 {
		o.MinSamples = d.MinSamples
	}
	if o.MaxSamples < o.MinSamples {
		o.MaxSamples = max(d.MaxSamples, o.MinSamples)
	}
	if o.Tolerance <= 0 {
		o.Tolerance = d.Tolerance
	}
	return o
}

// maxBoundaryDepth limits nested boundary lookups.
const maxBoundaryDepth = 4

// ReduceToPolyline converts a closed planar curve, or the outer boundary
// of a surface-like object, into an ordered vertex loop without a closing
// duplicate. Anything open, non-planar, unsupported or with fewer than
// three distinct vertices fails with ErrDegenerateCurve.
func ReduceToPolyline(obj any, opts Options) ([]geodesy.Vec3, error) {
	opts = opts.normalized()

	for depth := 0; ; depth++ {
		bp, ok := obj.(BoundaryProvider)
		if !ok {
			break
		}
		if depth >= maxBoundaryDepth {
			return nil, fmt.Errorf("%w: boundary nesting too deep", ErrDegenerateCurve)
		}
		next, err := bp.OuterBoundary()
		if err != nil {
			return nil, err
		}
		obj = next
	}

	var pts []geodesy.Vec3
	var err error
	switch c := obj.(type) {
	case PolylineCurve:
		pts, err = closedVertices(c, opts.Tolerance)
	case SampleableCurve:
		pts, err = sampleClosed(c, opts)
	default:
		return nil, fmt.Errorf("%w: unsupported object %T", ErrDegenerateCurve, obj)
	}
	if err != nil {
		return nil, err
	}

	pts = dedupe(pts, opts.Tolerance*1e-3)
	if len(pts) < 3 {
		return nil, fmt.Errorf("%w: %d distinct vertices", ErrDegenerateCurve, len(pts))
	}
	if err := checkPlanar(pts, opts.Tolerance); err != nil {
		return nil, err
	}
	return pts, nil
}

func closedVertices(c PolylineCurve, tol float64) ([]geodesy.Vec3, error) {
	src := c.Vertices()
	if len(src) == 0 {
		return nil, fmt.Errorf("%w: empty polyline", ErrDegenerateCurve)
	}
	pts := append([]geodesy.Vec3(nil), src...)

	closed := false
	if p, ok := c.(Polyline); ok && p.Closed {
		closed = true
	}
	if len(pts) > 1 && pts[0].DistanceTo(pts[len(pts)-1]) <= tol {
		closed = true
		pts = pts[:len(pts)-1]
	}
	if !closed {
		return nil, fmt.Errorf("%w: polyline is open", ErrDegenerateCurve)
	}
	return pts, nil
}

// sampleClosed samples c uniformly over its domain, doubling the sample
// count until every chord midpoint is within tolerance of the curve. A
// reversed domain (t1 < t0) is walked backwards, keeping the drawing
// direction.
func sampleClosed(c SampleableCurve, opts Options) ([]geodesy.Vec3, error) {
	if !c.IsClosed() {
		return nil, fmt.Errorf("%w: curve is open", ErrDegenerateCurve)
	}
	t0, t1 := c.Domain()
	if t1 == t0 || math.IsInf(t1-t0, 0) || math.IsNaN(t1-t0) {
		return nil, fmt.Errorf("%w: empty curve domain", ErrDegenerateCurve)
	}

	for n := opts.MinSamples; ; n *= 2 {
		if n > opts.MaxSamples {
			n = opts.MaxSamples
		}
		step := (t1 - t0) / float64(n)
		pts := make([]geodesy.Vec3, n)
		for i := range pts {
			pts[i] = c.PointAt(t0 + float64(i)*step)
		}

		worst := 0.0
		for i := range pts {
			a, b := pts[i], pts[(i+1)%n]
			mid := c.PointAt(t0 + (float64(i)+0.5)*step)
			worst = math.Max(worst, mid.DistanceTo(a.Add(b).Mul(0.5)))
		}
		if worst <= opts.Tolerance || n >= opts.MaxSamples {
			return pts, nil
		}
	}
}

func dedupe(pts []geodesy.Vec3, eps float64) []geodesy.Vec3 {
	out := pts[:0:0]
	for _, p := range pts {
		if len(out) > 0 && out[len(out)-1].DistanceTo(p) <= eps {
			continue
		}
		out = append(out, p)
	}
	for len(out) > 1 && out[0].DistanceTo(out[len(out)-1]) <= eps {
		out = out[:len(out)-1]
	}
	return out
}

// newellNormal returns the (unnormalized) polygon normal by Newell's method.
func newellNormal(pts []geodesy.Vec3) geodesy.Vec3 {
	var n geodesy.Vec3
	for i, a := range pts {
		b := pts[(i+1)%len(pts)]
		n.X += (a.Y - b.Y) * (a.Z + b.Z)
		n.Y += (a.Z - b.Z) * (a.X + b.X)
		n.Z += (a.X - b.X) * (a.Y + b.Y)
	}
	return n
}

func checkPlanar(pts []geodesy.Vec3, tol float64) error {
	n := newellNormal(pts)
	if n.Len() < 1e-12 {
		return fmt.Errorf("%w: zero area", ErrDegenerateCurve)
	}
	n = n.Normalize()

	var centroid geodesy.Vec3
	for _, p := range pts {
		centroid = centroid.Add(p)
	}
	centroid = centroid.Mul(1 / float64(len(pts)))

	for _, p := range pts {
		if d := math.Abs(p.Sub(centroid).Dot(n)); d > tol {
			return fmt.Errorf("%w: not planar (%.4f off plane)", ErrDegenerateCurve, d)
		}
	}
	return nil
}
