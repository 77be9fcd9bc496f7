package loader

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"ebeamsim/internal/config"
	"ebeamsim/internal/geometry"
	"ebeamsim/internal/geomvec"
	"ebeamsim/internal/particle"
)

// primaryRecordSize is the on-disk layout of one (particle, pixel) pair:
// position, direction (3 float64 each), energy (float64), material id
// (int32), then pixel x, y (int32 each).
const primaryRecordSize = 3*8 + 3*8 + 8 + 4 + 4 + 4

// LoadPrimariesFile reads a .pri file, rejecting any primary whose
// position lies outside the geometry's AABB. An empty file is
// ErrInputMissing.
func LoadPrimariesFile(path string, geo *geometry.Geometry) ([]particle.Particle, []particle.Pixel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening primaries file %q: %w", path, config.ErrInputMissing)
	}
	defer f.Close()

	var particles []particle.Particle
	var pixels []particle.Pixel
	buf := make([]byte, primaryRecordSize)
	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			if err == io.EOF {
				break
			}
			return nil, nil, fmt.Errorf("reading primaries file %q: %w", path, err)
		}
		p, px := decodePrimary(buf)
		if !insideAABB(p.Position, geo) {
			continue
		}
		particles = append(particles, p)
		pixels = append(pixels, px)
	}
	if len(particles) == 0 {
		return nil, nil, fmt.Errorf("primaries file %q contains no usable primaries: %w", path, config.ErrInputMissing)
	}
	return particles, pixels, nil
}

func decodePrimary(b []byte) (particle.Particle, particle.Pixel) {
	readVec := func(off int) geomvec.Vec3 {
		return geomvec.Vec3{
			math.Float64frombits(binary.LittleEndian.Uint64(b[off : off+8])),
			math.Float64frombits(binary.LittleEndian.Uint64(b[off+8 : off+16])),
			math.Float64frombits(binary.LittleEndian.Uint64(b[off+16 : off+24])),
		}
	}
	pos := readVec(0)
	dir := readVec(24)
	energy := math.Float64frombits(binary.LittleEndian.Uint64(b[48:56]))
	matID := int32(binary.LittleEndian.Uint32(b[56:60]))
	px := int32(binary.LittleEndian.Uint32(b[60:64]))
	py := int32(binary.LittleEndian.Uint32(b[64:68]))
	return particle.Particle{
		Position:  pos,
		Direction: dir,
		Energy:    energy,
		Material:  matID,
		Status:    particle.Pending,
	}, particle.Pixel{X: px, Y: py}
}

func insideAABB(pos geomvec.Vec3, geo *geometry.Geometry) bool {
	min, max := geo.AABBMin(), geo.AABBMax()
	for i := 0; i < 3; i++ {
		if pos[i] < min[i] || pos[i] > max[i] {
			return false
		}
	}
	return true
}

// SortKey is a loader-defined ordering key for primaries, applied when
// --sort-primaries is set: primaries are sorted by the azimuthal angle of
// their direction (atan2 of its y and x components), which clusters
// similarly-angled primaries together and tends to improve locality in the
// geometry traversal during prescan.
func SortKey(p particle.Particle) float64 {
	return math.Atan2(p.Direction[1], p.Direction[0])
}

// SortPrimaries sorts particles (and their parallel pixels) in place by
// SortKey.
func SortPrimaries(particles []particle.Particle, pixels []particle.Pixel) {
	idx := make([]int, len(particles))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return SortKey(particles[idx[a]]) < SortKey(particles[idx[b]])
	})
	sortedParticles := make([]particle.Particle, len(particles))
	sortedPixels := make([]particle.Pixel, len(pixels))
	for i, j := range idx {
		sortedParticles[i] = particles[j]
		sortedPixels[i] = pixels[j]
	}
	copy(particles, sortedParticles)
	copy(pixels, sortedPixels)
}

// PrescanShuffle moves prescanSize representative samples (an evenly
// spaced stride through the full population) to the front, so the pilot
// run the Prescan Controller consumes is not biased toward whatever
// ordering the input file or SortPrimaries produced.
func PrescanShuffle(particles []particle.Particle, pixels []particle.Pixel, prescanSize int) {
	n := len(particles)
	if prescanSize <= 0 || prescanSize >= n {
		return
	}
	stride := n / prescanSize
	if stride < 1 {
		stride = 1
	}
	sampleIdx := make([]int, 0, prescanSize)
	used := make([]bool, n)
	for i := 0; i < prescanSize; i++ {
		idx := (i * stride) % n
		for used[idx] {
			idx = (idx + 1) % n
		}
		used[idx] = true
		sampleIdx = append(sampleIdx, idx)
	}

	frontParticles := make([]particle.Particle, 0, n)
	frontPixels := make([]particle.Pixel, 0, n)
	for _, idx := range sampleIdx {
		frontParticles = append(frontParticles, particles[idx])
		frontPixels = append(frontPixels, pixels[idx])
	}
	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}
		frontParticles = append(frontParticles, particles[i])
		frontPixels = append(frontPixels, pixels[i])
	}
	copy(particles, frontParticles)
	copy(pixels, frontPixels)
}
