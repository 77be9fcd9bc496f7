package geometry

import "ebeamsim/internal/geomvec"

// leafThreshold is the maximum number of triangles kept in a leaf node
// before the node is split into eight octants around its midpoint.
const leafThreshold = 8

// maxDepth bounds recursion on pathological (highly overlapping) inputs.
const maxDepth = 24

// node is one octree node: either a leaf holding triangle indices, or an
// interior node with up to 8 children split at the node's centroid.
type node struct {
	bounds   AABB
	tris     []int32
	children [8]*node
}

// Geometry is the immutable, built acceleration structure over a triangle
// list: the geometry handle shared by the driver and loaders.
type Geometry struct {
	Triangles []Triangle
	root      *node
	aabb      AABB
}

// Build constructs the octree over triangles. An empty input is not
// rejected here; callers (the loader) enforce the "empty file is an error"
// rule at the file-reading boundary.
func Build(triangles []Triangle) *Geometry {
	g := &Geometry{Triangles: triangles}
	if len(triangles) == 0 {
		return g
	}
	g.aabb = triangles[0].bounds()
	indices := make([]int32, len(triangles))
	for i, t := range triangles {
		indices[i] = int32(i)
		g.aabb = g.aabb.Union(t.bounds())
	}
	g.root = g.build(indices, g.aabb, 0)
	return g
}

// AABBMin returns the lower corner of the geometry's bounding box.
func (g *Geometry) AABBMin() geomvec.Vec3 { return g.aabb.Min }

// AABBMax returns the upper corner of the geometry's bounding box.
func (g *Geometry) AABBMax() geomvec.Vec3 { return g.aabb.Max }

// Contains reports whether p lies within the geometry's AABB.
func (g *Geometry) Contains(p geomvec.Vec3) bool { return g.aabb.Contains(p) }

func (g *Geometry) build(indices []int32, bounds AABB, depth int) *node {
	n := &node{bounds: bounds}
	if len(indices) <= leafThreshold || depth >= maxDepth {
		n.tris = indices
		return n
	}

	center := geomvec.Scale(geomvec.Add(bounds.Min, bounds.Max), 0.5)
	var buckets [8][]int32
	for _, idx := range indices {
		c := g.Triangles[idx].centroid()
		oct := octant(c, center)
		buckets[oct] = append(buckets[oct], idx)
	}

	// If the split made no progress (everything landed in one bucket, e.g.
	// coincident centroids), stop recursing rather than looping forever.
	allSame := false
	for _, b := range buckets {
		if len(b) == len(indices) {
			allSame = true
			break
		}
	}
	if allSame {
		n.tris = indices
		return n
	}

	for oct, b := range buckets {
		if len(b) == 0 {
			continue
		}
		// Triangles are bucketed by centroid but may extend past their
		// octant, so the child box is grown to cover all of them.
		childBounds := octantBounds(bounds, center, oct)
		for _, idx := range b {
			childBounds = childBounds.Union(g.Triangles[idx].bounds())
		}
		n.children[oct] = g.build(b, childBounds, depth+1)
	}
	return n
}

// octant returns which of the 8 child buckets p falls into relative to
// center, one bit per axis.
func octant(p, center geomvec.Vec3) int {
	o := 0
	if p[0] >= center[0] {
		o |= 1
	}
	if p[1] >= center[1] {
		o |= 2
	}
	if p[2] >= center[2] {
		o |= 4
	}
	return o
}

// octantBounds returns the AABB of child octant oct of a node with the given
// bounds and centroid split point.
func octantBounds(bounds AABB, center geomvec.Vec3, oct int) AABB {
	min, max := bounds.Min, bounds.Max
	if oct&1 != 0 {
		min[0] = center[0]
	} else {
		max[0] = center[0]
	}
	if oct&2 != 0 {
		min[1] = center[1]
	} else {
		max[1] = center[1]
	}
	if oct&4 != 0 {
		min[2] = center[2]
	} else {
		max[2] = center[2]
	}
	return AABB{Min: min, Max: max}
}

// rayIntersectsAABB is a standard slab test; it reports whether the ray
// starting at pos in direction dir comes within maxDist of box.
func rayIntersectsAABB(pos, dir geomvec.Vec3, maxDist float64, box AABB) bool {
	tmin, tmax := 0.0, maxDist
	for axis := 0; axis < 3; axis++ {
		if dir[axis] == 0 {
			if pos[axis] < box.Min[axis] || pos[axis] > box.Max[axis] {
				return false
			}
			continue
		}
		inv := 1.0 / dir[axis]
		t0 := (box.Min[axis] - pos[axis]) * inv
		t1 := (box.Max[axis] - pos[axis]) * inv
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		if t0 > tmin {
			tmin = t0
		}
		if t1 < tmax {
			tmax = t1
		}
		if tmin > tmax {
			return false
		}
	}
	return true
}

// visit walks nodes whose bounds the ray can reach, invoking fn with every
// candidate triangle index found in traversed leaves.
func (n *node) visit(pos, dir geomvec.Vec3, maxDist float64, fn func(int32)) {
	if n == nil || !rayIntersectsAABB(pos, dir, maxDist, n.bounds) {
		return
	}
	for _, idx := range n.tris {
		fn(idx)
	}
	for _, child := range n.children {
		child.visit(pos, dir, maxDist, fn)
	}
}

// Traverse visits every triangle index whose containing octree node the ray
// (pos, dir) can reach within maxDist, in unspecified order. It is the
// acceleration-structure entry point the Intersector builds its ray-triangle
// pass on top of.
func (g *Geometry) Traverse(pos, dir geomvec.Vec3, maxDist float64, fn func(triIdx int32)) {
	g.root.visit(pos, dir, maxDist, fn)
}
