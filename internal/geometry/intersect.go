package geometry

import "ebeamsim/internal/geomvec"

// Hit is the result of a successful Intersect call: the triangle crossed
// and the distance along the ray to the crossing point.
type Hit struct {
	TriangleIndex int32
	Distance      float64
}

// Intersect finds the closest triangle in g that the ray (pos, dir) crosses
// within maxDist. It layers a
// Moller-Trumbore ray-triangle test on top of the octree traversal, which
// visits candidates in no particular order, keeping the closest hit seen
// so far.
func Intersect(g *Geometry, pos, dir geomvec.Vec3, maxDist float64) (Hit, bool) {
	best := Hit{Distance: maxDist}
	found := false
	g.Traverse(pos, dir, maxDist, func(triIdx int32) {
		tri := g.Triangles[triIdx]
		dist, ok := tri.intersectRay(pos, dir, best.Distance)
		if !ok {
			return
		}
		best = Hit{TriangleIndex: triIdx, Distance: dist}
		found = true
	})
	return best, found
}
