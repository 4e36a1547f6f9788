// Package clipping turns closed planar curves from the model into geodetic
// loops used as cut-out masks on the globe.
package clipping

import (
	"errors"
	"fmt"
	"math"

	"geosync/internal/geodesy"
)

// ErrDegenerateCurve marks an object that cannot become a clipping loop. It
// is reported per object and the object is skipped.
var ErrDegenerateCurve = errors.New("degenerate curve")

// PolylineCurve is a curve that is already a sequence of vertices.
type PolylineCurve interface {
	Vertices() []geodesy.Vec3
}

// SampleableCurve is a parametric curve evaluated over a closed domain.
type SampleableCurve interface {
	Domain() (t0, t1 float64)
	PointAt(t float64) geodesy.Vec3
	IsClosed() bool
}

// BoundaryProvider is a surface-like object whose outer boundary is the
// curve to clip with.
type BoundaryProvider interface {
	OuterBoundary() (any, error)
}

// Polyline is a vertex chain. It is closed when the last vertex repeats
// the first or Closed is set.
type Polyline struct {
	Points []geodesy.Vec3 `json:"points"`
	Closed bool           `json:"closed,omitempty"`
}

// Vertices returns the vertices without a closing duplicate.
func (p Polyline) Vertices() []geodesy.Vec3 { return p.Points }

// Circle is a full circle in the plane normal to Normal.
type Circle struct {
	Center geodesy.Vec3 `json:"center"`
	Normal geodesy.Vec3 `json:"normal"`
	Radius float64      `json:"radius"`
}

func (c Circle) Domain() (float64, float64) { return 0, 2 * math.Pi }
func (c Circle) IsClosed() bool             { return true }

func (c Circle) PointAt(t float64) geodesy.Vec3 {
	u, v := planeBasis(c.Normal)
	return c.Center.Add(u.Mul(c.Radius * math.Cos(t))).Add(v.Mul(c.Radius * math.Sin(t)))
}

// Ellipse is a full ellipse given by its semi-axis vectors.
type Ellipse struct {
	Center    geodesy.Vec3 `json:"center"`
	MajorAxis geodesy.Vec3 `json:"majorAxis"`
	MinorAxis geodesy.Vec3 `json:"minorAxis"`
}

func (e Ellipse) Domain() (float64, float64) { return 0, 2 * math.Pi }
func (e Ellipse) IsClosed() bool             { return true }

func (e Ellipse) PointAt(t float64) geodesy.Vec3 {
	return e.Center.Add(e.MajorAxis.Mul(math.Cos(t))).Add(e.MinorAxis.Mul(math.Sin(t)))
}

// Arc is a circular arc. It is closed only when it sweeps a full turn.
type Arc struct {
	Circle
	StartAngle float64 `json:"startAngle"`
	EndAngle   float64 `json:"endAngle"`
}

func (a Arc) Domain() (float64, float64) { return a.StartAngle, a.EndAngle }

func (a Arc) IsClosed() bool {
	return math.Abs(math.Abs(a.EndAngle-a.StartAngle)-2*math.Pi) < 1e-9
}

// PlanarSurface is a trimmed planar surface bounded by Boundary.
type PlanarSurface struct {
	Boundary any `json:"boundary"`
}

// OuterBoundary returns the outer trim curve.
func (s PlanarSurface) OuterBoundary() (any, error) {
	if s.Boundary == nil {
		return nil, fmt.Errorf("%w: surface has no boundary", ErrDegenerateCurve)
	}
	return s.Boundary, nil
}

// Extrusion is a profile swept along a direction. Its footprint is the
// profile.
type Extrusion struct {
	Profile   any          `json:"profile"`
	Direction geodesy.Vec3 `json:"direction"`
	Height    float64      `json:"height"`
}

// OuterBoundary returns the profile curve.
func (e Extrusion) OuterBoundary() (any, error) {
	if e.Profile == nil {
		return nil, fmt.Errorf("%w: extrusion has no profile", ErrDegenerateCurve)
	}
	return e.Profile, nil
}

// planeBasis returns two unit vectors spanning the plane normal to n.
func planeBasis(n geodesy.Vec3) (u, v geodesy.Vec3) {
	n = n.Normalize()
	if n.Len() == 0 {
		n = geodesy.Vec3{Z: 1}
	}
	ref := geodesy.Vec3{X: 1}
	if math.Abs(n.X) > 0.9 {
		ref = geodesy.Vec3{Y: 1}
	}
	u = ref.Sub(n.Mul(ref.Dot(n))).Normalize()
	v = n.Cross(u)
	return u, v
}
