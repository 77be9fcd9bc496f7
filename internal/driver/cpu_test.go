package driver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ebeamsim/internal/geometry"
	"ebeamsim/internal/geomvec"
	"ebeamsim/internal/material"
	"ebeamsim/internal/particle"
)

func detectorPlane(z float64) *geometry.Geometry {
	tris := []geometry.Triangle{
		{
			V0: geomvec.Vec3{-100, -100, z}, V1: geomvec.Vec3{100, -100, z}, V2: geomvec.Vec3{100, 100, z},
			MaterialIn: -1, MaterialOut: -1, IsDetector: true,
		},
		{
			V0: geomvec.Vec3{-100, -100, z}, V1: geomvec.Vec3{100, 100, z}, V2: geomvec.Vec3{-100, 100, z},
			MaterialIn: -1, MaterialOut: -1, IsDetector: true,
		},
	}
	return geometry.Build(tris)
}

func TestPushNeverExceedsCapacity(t *testing.T) {
	d := New(3, geometry.Build(nil), nil, 0, 1)
	particles := make([]particle.Particle, 5)
	tags := make([]particle.Tag, 5)
	for i := range tags {
		tags[i] = particle.Tag(i)
	}
	placed := d.Push(particles, tags)
	require.Equal(t, 3, placed)
	require.EqualValues(t, 3, d.RunningCount())
}

func TestVacuumBeamHitsDetector(t *testing.T) {
	const n = 1000
	geo := detectorPlane(10)
	d := New(n, geo, nil, 0, 42)

	particles := make([]particle.Particle, n)
	tags := make([]particle.Tag, n)
	for i := 0; i < n; i++ {
		particles[i] = particle.Particle{
			Position:  geomvec.Vec3{0, 0, 0},
			Direction: geomvec.Vec3{0, 0, 1},
			Energy:    100,
			Material:  particle.VacuumMaterial,
		}
		tags[i] = particle.Tag(i)
	}
	placed := d.Push(particles, tags)
	require.Equal(t, n, placed)

	d.DoIteration()
	require.EqualValues(t, 0, d.RunningCount())
	require.EqualValues(t, n, d.DetectedCount())

	seen := map[particle.Tag]bool{}
	post := d.FlushDetected(func(p particle.Particle, tag particle.Tag) {
		require.False(t, seen[tag])
		seen[tag] = true
		require.InDelta(t, 10, p.Position[2], 1e-6)
	})
	require.EqualValues(t, 0, post)
	require.EqualValues(t, 0, d.DetectedCount())
	require.Len(t, seen, n)
}

func absorbingMaterial() *material.Material {
	return &material.Material{
		Barrier:   0,
		Elastic:   &material.TabulatedScatter{MFPScale: 1e12, MFPExponent: 0},
		Inelastic: &material.TabulatedScatter{MFPScale: 1e-6, MFPExponent: 0, EnergyLossFraction: 1},
	}
}

func TestAbsorbingSlabTerminatesWithinOneEvent(t *testing.T) {
	const n = 1000
	d := New(n, geometry.Build(nil), []*material.Material{absorbingMaterial()}, 1.0, 7)

	particles := make([]particle.Particle, n)
	tags := make([]particle.Tag, n)
	for i := 0; i < n; i++ {
		particles[i] = particle.Particle{
			Position:  geomvec.Vec3{0, 0, 0},
			Direction: geomvec.Vec3{0, 0, 1},
			Energy:    100,
			Material:  0,
		}
		tags[i] = particle.Tag(i)
	}
	d.Push(particles, tags)

	d.DoIteration()
	require.EqualValues(t, 0, d.RunningCount())
	require.EqualValues(t, 0, d.DetectedCount())
}

func TestSinglePrimaryEmitsAtMostOneRecord(t *testing.T) {
	geo := detectorPlane(5)
	d := New(8, geo, nil, 0, 1)
	particles := []particle.Particle{{
		Position:  geomvec.Vec3{0, 0, 0},
		Direction: geomvec.Vec3{0, 0, 1},
		Energy:    10,
		Material:  particle.VacuumMaterial,
	}}
	tags := []particle.Tag{0}
	require.Equal(t, 1, d.Push(particles, tags))
	d.DoIteration()

	count := 0
	d.FlushDetected(func(particle.Particle, particle.Tag) { count++ })
	require.LessOrEqual(t, count, 1)
}
