// Package geomvec provides the three-component vector arithmetic shared by
// the geometry, material, and particle packages.
package geomvec

import (
	"math"

	"github.com/go-hep/fmom"
)

// Vec3 is the position/direction vector used throughout the simulator. It is
// an alias for fmom.Vec3 so that particle state can be written and read with
// plain index assignment, the same way sbinet-tmvl's muon propagation does.
type Vec3 = fmom.Vec3

// Add returns a+b.
func Add(a, b Vec3) Vec3 {
	return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

// Sub returns a-b.
func Sub(a, b Vec3) Vec3 {
	return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

// Scale returns a*s.
func Scale(a Vec3, s float64) Vec3 {
	return Vec3{a[0] * s, a[1] * s, a[2] * s}
}

// Dot returns the scalar product of a and b.
func Dot(a, b Vec3) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

// Cross returns the vector product a×b.
func Cross(a, b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

// Length returns the Euclidean norm of a.
func Length(a Vec3) float64 {
	return math.Sqrt(Dot(a, a))
}

// Normalize returns a unit vector in the direction of a. The zero vector is
// returned unchanged.
func Normalize(a Vec3) Vec3 {
	n := Length(a)
	if n == 0 {
		return a
	}
	return Scale(a, 1/n)
}

// Min returns the component-wise minimum of a and b.
func Min(a, b Vec3) Vec3 {
	return Vec3{math.Min(a[0], b[0]), math.Min(a[1], b[1]), math.Min(a[2], b[2])}
}

// Max returns the component-wise maximum of a and b.
func Max(a, b Vec3) Vec3 {
	return Vec3{math.Max(a[0], b[0]), math.Max(a[1], b[1]), math.Max(a[2], b[2])}
}
