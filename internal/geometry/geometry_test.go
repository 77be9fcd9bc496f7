package geometry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ebeamsim/internal/geomvec"
)

func squareTriangles(z float64, detector bool) []Triangle {
	return []Triangle{
		{
			V0: geomvec.Vec3{-1, -1, z}, V1: geomvec.Vec3{1, -1, z}, V2: geomvec.Vec3{1, 1, z},
			MaterialIn: 0, MaterialOut: -1, IsDetector: detector,
		},
		{
			V0: geomvec.Vec3{-1, -1, z}, V1: geomvec.Vec3{1, 1, z}, V2: geomvec.Vec3{-1, 1, z},
			MaterialIn: 0, MaterialOut: -1, IsDetector: detector,
		},
	}
}

func TestBuildAndAABB(t *testing.T) {
	g := Build(squareTriangles(5, false))
	require.Equal(t, geomvec.Vec3{-1, -1, 5}, g.AABBMin())
	require.Equal(t, geomvec.Vec3{1, 1, 5}, g.AABBMax())
	require.True(t, g.Contains(geomvec.Vec3{0, 0, 5}))
	require.False(t, g.Contains(geomvec.Vec3{0, 0, 6}))
}

func TestIntersectHitsNearestPlane(t *testing.T) {
	tris := squareTriangles(5, true)
	tris = append(tris, squareTriangles(10, false)...)
	g := Build(tris)

	hit, ok := Intersect(g, geomvec.Vec3{0, 0, 0}, geomvec.Vec3{0, 0, 1}, 100)
	require.True(t, ok)
	require.InDelta(t, 5, hit.Distance, 1e-9)
	require.True(t, g.Triangles[hit.TriangleIndex].IsDetector)
}

func TestIntersectMissesWhenOutsideMaxDist(t *testing.T) {
	g := Build(squareTriangles(5, false))
	_, ok := Intersect(g, geomvec.Vec3{0, 0, 0}, geomvec.Vec3{0, 0, 1}, 2)
	require.False(t, ok)
}

func TestIntersectMissesWithNoGeometry(t *testing.T) {
	g := Build(nil)
	_, ok := Intersect(g, geomvec.Vec3{0, 0, 0}, geomvec.Vec3{0, 0, 1}, 100)
	require.False(t, ok)
}

func TestBuildSplitsLargeTriangleSets(t *testing.T) {
	var tris []Triangle
	for i := 0; i < 200; i++ {
		z := float64(i)
		tris = append(tris, squareTriangles(z, false)...)
	}
	g := Build(tris)
	require.NotNil(t, g.root)
	require.Empty(t, g.root.tris)
	hasChild := false
	for _, c := range g.root.children {
		if c != nil {
			hasChild = true
		}
	}
	require.True(t, hasChild)
}
