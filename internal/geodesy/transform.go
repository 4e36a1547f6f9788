package geodesy

import "math"

// MetersPerDegreeLat is the spherical-earth length of one degree of latitude.
const MetersPerDegreeLat = 111_320.0

// MetersPerDegreeLon returns the length of one degree of longitude at lat.
func MetersPerDegreeLon(lat float64) float64 {
	return MetersPerDegreeLat * math.Cos(lat*math.Pi/180.0)
}

// Transform is the affine model-to-earth mapping built from an anchor.
type Transform struct {
	anchor     EarthAnchor
	unitMeters float64
}

// NewTransform builds a transform from the document anchor.
// A nil anchor yields ErrAnchorNotSet; unitMeters <= 0 is treated as 1.
func NewTransform(anchor *EarthAnchor, unitMeters float64) (*Transform, error) {
	if anchor == nil {
		return nil, ErrAnchorNotSet
	}
	if err := anchor.Validate(); err != nil {
		return nil, err
	}
	if unitMeters <= 0 {
		unitMeters = 1
	}
	return &Transform{anchor: *anchor, unitMeters: unitMeters}, nil
}

// Anchor returns a copy of the anchor backing this transform.
func (t *Transform) Anchor() EarthAnchor { return t.anchor }

// UnitMeters returns how many meters one model unit spans.
func (t *Transform) UnitMeters() float64 { return t.unitMeters }

// ToGeodetic maps a model point to latitude/longitude. The returned height is
// the anchor elevation plus the point's offset along the tangent plane normal,
// relative to terrain.
func (t *Transform) ToGeodetic(p Vec3) GeodeticPoint {
	d := p.Sub(t.anchor.ModelBasePoint)
	north := d.Dot(t.anchor.ModelNorth) * t.unitMeters
	east := d.Dot(t.anchor.ModelEast) * t.unitMeters
	up := d.Dot(t.anchor.Up()) * t.unitMeters

	return GeodeticPoint{
		Lat:       t.anchor.Latitude + north/MetersPerDegreeLat,
		Lon:       t.anchor.Longitude + east/MetersPerDegreeLon(t.anchor.Latitude),
		Height:    t.anchor.Elevation + up,
		Reference: RelativeToTerrain,
	}
}

// ToModel maps a latitude/longitude back onto the anchor's tangent plane.
// Only anchor setting uses it; it is exact at the anchor and approximate
// elsewhere.
func (t *Transform) ToModel(lat, lon float64) Vec3 {
	north := (lat - t.anchor.Latitude) * MetersPerDegreeLat / t.unitMeters
	east := (lon - t.anchor.Longitude) * MetersPerDegreeLon(t.anchor.Latitude) / t.unitMeters
	return t.anchor.ModelBasePoint.
		Add(t.anchor.ModelNorth.Mul(north)).
		Add(t.anchor.ModelEast.Mul(east))
}
