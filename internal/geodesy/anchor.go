package geodesy

import (
	"errors"
	"fmt"
	"math"
)

// ErrAnchorNotSet is returned when a document has no geodetic reference.
var ErrAnchorNotSet = errors.New("earth anchor not set")

// ErrInvalidAnchor is returned when the anchor basis is not orthonormal.
var ErrInvalidAnchor = errors.New("invalid earth anchor")

const basisTolerance = 1e-6

// HeightReference tells how a height value must be interpreted.
type HeightReference int

const (
	// RelativeToTerrain heights are offsets above the sampled ground surface.
	RelativeToTerrain HeightReference = iota
	// Absolute heights are measured from the reference ellipsoid.
	Absolute
)

func (r HeightReference) String() string {
	switch r {
	case RelativeToTerrain:
		return "relative_to_terrain"
	case Absolute:
		return "absolute"
	default:
		return fmt.Sprintf("HeightReference(%d)", int(r))
	}
}

// GeodeticPoint is a latitude/longitude (degrees) with a height in meters.
type GeodeticPoint struct {
	Lat       float64         `json:"lat"`
	Lon       float64         `json:"lon"`
	Height    float64         `json:"height"`
	Reference HeightReference `json:"-"`
}

// EarthAnchor ties the model frame to a location on the globe.
// ModelNorth and ModelEast span the local tangent plane at ModelBasePoint.
type EarthAnchor struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	Elevation      float64 `json:"elevation"`
	ModelBasePoint Vec3    `json:"modelBasePoint"`
	ModelNorth     Vec3    `json:"modelNorth"`
	ModelEast      Vec3    `json:"modelEast"`
}

// NewEarthAnchor returns an anchor at lat/lon with the model origin as base
// point, +Y as north and +X as east.
func NewEarthAnchor(lat, lon float64) EarthAnchor {
	return EarthAnchor{
		Latitude:   lat,
		Longitude:  lon,
		ModelNorth: Vec3{Y: 1},
		ModelEast:  Vec3{X: 1},
	}
}

// Validate checks that the basis vectors are unit length and perpendicular.
func (a EarthAnchor) Validate() error {
	if math.Abs(a.ModelNorth.Len()-1) > basisTolerance {
		return fmt.Errorf("%w: model north is not unit length (%.6f)", ErrInvalidAnchor, a.ModelNorth.Len())
	}
	if math.Abs(a.ModelEast.Len()-1) > basisTolerance {
		return fmt.Errorf("%w: model east is not unit length (%.6f)", ErrInvalidAnchor, a.ModelEast.Len())
	}
	if math.Abs(a.ModelNorth.Dot(a.ModelEast)) > basisTolerance {
		return fmt.Errorf("%w: model north and east are not perpendicular", ErrInvalidAnchor)
	}
	if a.Latitude < -90 || a.Latitude > 90 || a.Longitude < -180 || a.Longitude > 180 {
		return fmt.Errorf("%w: lat/lon out of range (%f, %f)", ErrInvalidAnchor, a.Latitude, a.Longitude)
	}
	return nil
}

// Up returns the tangent plane normal (east x north).
func (a EarthAnchor) Up() Vec3 {
	return a.ModelEast.Cross(a.ModelNorth)
}

// HeadingDeg returns the clockwise angle, in degrees, from model +Y to the
// anchor's north direction projected on the model XY plane.
// 0 means the model's +Y already points north.
func (a EarthAnchor) HeadingDeg() float64 {
	n := a.ModelNorth
	if math.Abs(n.X) < 1e-12 && math.Abs(n.Y) < 1e-12 {
		return 0
	}
	deg := math.Atan2(n.X, n.Y) * 180.0 / math.Pi
	if deg < 0 {
		deg += 360
	}
	return deg
}
