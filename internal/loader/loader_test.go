package loader

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ebeamsim/internal/config"
	"ebeamsim/internal/geometry"
	"ebeamsim/internal/geomvec"
	"ebeamsim/internal/particle"
)

func writeFloat64(buf []byte, v float64) {
	binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
}

func encodeTriangle(v0, v1, v2 geomvec.Vec3, matIn, matOut int32, isDetector bool) []byte {
	b := make([]byte, geometryRecordSize)
	writeFloat64(b[0:8], v0[0])
	writeFloat64(b[8:16], v0[1])
	writeFloat64(b[16:24], v0[2])
	writeFloat64(b[24:32], v1[0])
	writeFloat64(b[32:40], v1[1])
	writeFloat64(b[40:48], v1[2])
	writeFloat64(b[48:56], v2[0])
	writeFloat64(b[56:64], v2[1])
	writeFloat64(b[64:72], v2[2])
	binary.LittleEndian.PutUint32(b[72:76], uint32(matIn))
	binary.LittleEndian.PutUint32(b[76:80], uint32(matOut))
	if isDetector {
		b[80] = 1
	}
	return b
}

func TestLoadGeometryFileMissingIsErrInputMissing(t *testing.T) {
	_, err := LoadGeometryFile(filepath.Join(t.TempDir(), "absent.tri"))
	require.Error(t, err)
	require.True(t, errors.Is(err, config.ErrInputMissing))
}

func TestLoadGeometryFileEmptyIsErrInputMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.tri")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := LoadGeometryFile(path)
	require.Error(t, err)
	require.True(t, errors.Is(err, config.ErrInputMissing))
}

func TestLoadGeometryFileRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plane.tri")
	data := append(
		encodeTriangle(geomvec.Vec3{0, 0, 0}, geomvec.Vec3{1, 0, 0}, geomvec.Vec3{0, 1, 0}, -1, 2, true),
		encodeTriangle(geomvec.Vec3{0, 0, 0}, geomvec.Vec3{1, 1, 0}, geomvec.Vec3{0, 1, 0}, -1, 2, true)...,
	)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	geo, err := LoadGeometryFile(path)
	require.NoError(t, err)
	require.Len(t, geo.Triangles, 2)
	require.True(t, geo.Triangles[0].IsDetector)
	require.EqualValues(t, -1, geo.Triangles[0].MaterialIn)
	require.EqualValues(t, 2, geo.Triangles[0].MaterialOut)
}

func encodePrimary(pos, dir geomvec.Vec3, energy float64, matID, px, py int32) []byte {
	b := make([]byte, primaryRecordSize)
	writeFloat64(b[0:8], pos[0])
	writeFloat64(b[8:16], pos[1])
	writeFloat64(b[16:24], pos[2])
	writeFloat64(b[24:32], dir[0])
	writeFloat64(b[32:40], dir[1])
	writeFloat64(b[40:48], dir[2])
	writeFloat64(b[48:56], energy)
	binary.LittleEndian.PutUint32(b[56:60], uint32(matID))
	binary.LittleEndian.PutUint32(b[60:64], uint32(px))
	binary.LittleEndian.PutUint32(b[64:68], uint32(py))
	return b
}

func unitPlaneGeometry() *geometry.Geometry {
	return geometry.Build([]geometry.Triangle{{
		V0: geomvec.Vec3{-10, -10, -10}, V1: geomvec.Vec3{10, -10, -10}, V2: geomvec.Vec3{10, 10, 10},
		MaterialIn: -1, MaterialOut: -1,
	}})
}

func TestLoadPrimariesFileRejectsOutsideAABB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "primaries.pri")
	data := append(
		encodePrimary(geomvec.Vec3{0, 0, 0}, geomvec.Vec3{0, 0, 1}, 100, -1, 3, 4),
		encodePrimary(geomvec.Vec3{1000, 1000, 1000}, geomvec.Vec3{0, 0, 1}, 100, -1, 5, 6)...,
	)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	particles, pixels, err := LoadPrimariesFile(path, unitPlaneGeometry())
	require.NoError(t, err)
	require.Len(t, particles, 1)
	require.Len(t, pixels, 1)
	require.Equal(t, particle.Pixel{X: 3, Y: 4}, pixels[0])
}

func TestLoadPrimariesFileAllOutsideIsErrInputMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "primaries.pri")
	data := encodePrimary(geomvec.Vec3{1000, 1000, 1000}, geomvec.Vec3{0, 0, 1}, 100, -1, 0, 0)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, _, err := LoadPrimariesFile(path, unitPlaneGeometry())
	require.Error(t, err)
	require.True(t, errors.Is(err, config.ErrInputMissing))
}

func makePrimaries(n int) ([]particle.Particle, []particle.Pixel) {
	particles := make([]particle.Particle, n)
	pixels := make([]particle.Pixel, n)
	for i := 0; i < n; i++ {
		particles[i] = particle.Particle{Energy: float64(i)}
		pixels[i] = particle.Pixel{X: int32(i), Y: int32(i)}
	}
	return particles, pixels
}

func TestPrescanShuffleMovesSamplesToFrontWithoutLosingAny(t *testing.T) {
	particles, pixels := makePrimaries(100)
	PrescanShuffle(particles, pixels, 10)

	require.Len(t, particles, 100)
	seen := map[int32]bool{}
	for _, px := range pixels {
		require.False(t, seen[px.X])
		seen[px.X] = true
	}
	require.Len(t, seen, 100)

	// With 100 primaries and 10 samples the stride is 10, so the front
	// holds primaries 0, 10, ..., 90 in that order.
	for i := 0; i < 10; i++ {
		require.Equal(t, int32(i*10), pixels[i].X)
	}

	// Pixel and particle stay paired after the shuffle.
	for i, p := range particles {
		require.Equal(t, int32(p.Energy), pixels[i].X)
	}
}

func TestPrescanShuffleNoOpWhenSizeCoversWholePopulation(t *testing.T) {
	particles, pixels := makePrimaries(10)
	orig := append([]particle.Particle{}, particles...)
	PrescanShuffle(particles, pixels, 10)
	require.Equal(t, orig, particles)
}
