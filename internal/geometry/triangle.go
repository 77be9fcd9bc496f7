// Package geometry builds the triangulated acceleration structure that the
// simulation driver walks particles through, and implements the Intersector
// contract on top of it.
package geometry

import "ebeamsim/internal/geomvec"

// Triangle is one surface patch of the geometry. MaterialIn/MaterialOut name
// the material on either side of the surface, oriented by the triangle's
// normal; -1 denotes vacuum. IsDetector marks a crossing as one that should
// transition the particle to the detected state.
type Triangle struct {
	V0, V1, V2  geomvec.Vec3
	MaterialIn  int32
	MaterialOut int32
	IsDetector  bool
}

// AABB is an axis-aligned bounding box.
type AABB struct {
	Min, Max geomvec.Vec3
}

// Union returns the smallest AABB containing both a and b.
func (a AABB) Union(b AABB) AABB {
	return AABB{Min: geomvec.Min(a.Min, b.Min), Max: geomvec.Max(a.Max, b.Max)}
}

// Contains reports whether p lies within the box (inclusive).
func (a AABB) Contains(p geomvec.Vec3) bool {
	return p[0] >= a.Min[0] && p[0] <= a.Max[0] &&
		p[1] >= a.Min[1] && p[1] <= a.Max[1] &&
		p[2] >= a.Min[2] && p[2] <= a.Max[2]
}

// centroid returns the arithmetic mean of the triangle's three vertices.
func (t Triangle) centroid() geomvec.Vec3 {
	return geomvec.Scale(geomvec.Add(geomvec.Add(t.V0, t.V1), t.V2), 1.0/3.0)
}

// bounds returns the triangle's own AABB.
func (t Triangle) bounds() AABB {
	min := geomvec.Min(geomvec.Min(t.V0, t.V1), t.V2)
	max := geomvec.Max(geomvec.Max(t.V0, t.V1), t.V2)
	return AABB{Min: min, Max: max}
}

// intersectRay returns the distance along dir (from origin pos) at which the
// ray hits the triangle, using the Moller-Trumbore algorithm. ok is false if
// there is no hit in front of the ray within [epsilon, maxDist].
func (t Triangle) intersectRay(pos, dir geomvec.Vec3, maxDist float64) (dist float64, ok bool) {
	const epsilon = 1e-9

	edge1 := geomvec.Sub(t.V1, t.V0)
	edge2 := geomvec.Sub(t.V2, t.V0)
	h := geomvec.Cross(dir, edge2)
	a := geomvec.Dot(edge1, h)
	if a > -epsilon && a < epsilon {
		return 0, false
	}
	f := 1.0 / a
	s := geomvec.Sub(pos, t.V0)
	u := f * geomvec.Dot(s, h)
	if u < 0 || u > 1 {
		return 0, false
	}
	q := geomvec.Cross(s, edge1)
	v := f * geomvec.Dot(dir, q)
	if v < 0 || u+v > 1 {
		return 0, false
	}
	d := f * geomvec.Dot(edge2, q)
	if d < epsilon || d > maxDist {
		return 0, false
	}
	return d, true
}

// Normal returns the (not necessarily unit) geometric normal of the
// triangle, oriented so that MaterialOut lies on the side it points to.
func (t Triangle) Normal() geomvec.Vec3 {
	return geomvec.Cross(geomvec.Sub(t.V1, t.V0), geomvec.Sub(t.V2, t.V0))
}
