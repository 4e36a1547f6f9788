package placement

import (
	"math"
)

// Orientation is a heading/pitch/roll triple in degrees. Heading is
// clockwise from north, pitch rotates about east, roll about north.
type Orientation struct {
	HeadingDeg float64 `json:"heading"`
	PitchDeg   float64 `json:"pitch"`
	RollDeg    float64 `json:"roll"`
}

// Quaternion is a unit rotation quaternion.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Mul returns q*r.
func (q Quaternion) Mul(r Quaternion) Quaternion {
	return Quaternion{
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
	}
}

// Rotate applies q to the vector (x, y, z).
func (q Quaternion) Rotate(x, y, z float64) (float64, float64, float64) {
	p := Quaternion{X: x, Y: y, Z: z}
	inv := Quaternion{X: -q.X, Y: -q.Y, Z: -q.Z, W: q.W}
	r := q.Mul(p).Mul(inv)
	return r.X, r.Y, r.Z
}

func axisAngle(x, y, z, rad float64) Quaternion {
	s := math.Sin(rad / 2)
	return Quaternion{X: x * s, Y: y * s, Z: z * s, W: math.Cos(rad / 2)}
}

// Quaternion returns the rotation in the local East-North-Up frame
// (x east, y north, z up): heading about -z, then pitch about x, then roll
// about y.
func (o Orientation) Quaternion() Quaternion {
	toRad := math.Pi / 180
	h := axisAngle(0, 0, 1, -o.HeadingDeg*toRad)
	p := axisAngle(1, 0, 0, o.PitchDeg*toRad)
	r := axisAngle(0, 1, 0, o.RollDeg*toRad)
	return h.Mul(p).Mul(r)
}

// NormalizeDeg wraps an angle into [0, 360).
func NormalizeDeg(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
