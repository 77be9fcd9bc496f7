// Package material bundles the scatter-event physics and vacuum barrier
// attached to a geometry region, and dispatches the next scatter event for
// a particle traveling through one. Per REDESIGN FLAGS §9 option (b), the
// scatter kinds form a small closed tagged variant (ScatterKind) rather
// than a compile-time variadic type list.
package material

import (
	"math"
	"math/rand"

	"ebeamsim/internal/geomvec"
)

// ScatterKind names one of the two event families a material can produce.
type ScatterKind uint8

const (
	Elastic ScatterKind = iota
	Inelastic
)

func (k ScatterKind) String() string {
	if k == Elastic {
		return "elastic"
	}
	return "inelastic"
}

// ScatterTable is one scatter model: it reports the mean free path for an
// event of its kind at a given kinetic energy, and applies the event to a
// particle's energy and direction. TabulatedScatter is the implementation
// both loaders in this package produce.
type ScatterTable interface {
	MeanFreePath(energy float64) float64
	Apply(rng *rand.Rand, energy float64, dir geomvec.Vec3) (newEnergy float64, newDir geomvec.Vec3)
}

// Material is a bundle of physics scatter models plus the scalar vacuum
// barrier energy below which a particle cannot cross into open space.
// Immutable after load.
type Material struct {
	Name      string
	Barrier   float64
	Elastic   ScatterTable
	Inelastic ScatterTable
}

// Close releases any resources the material holds. Materials built by the
// loaders in this package hold no device allocations themselves (the
// device-resident view is produced separately by the GPU driver's
// uploadGeometryAndMaterials step, see internal/driver/gpu.go), so this is
// a no-op kept for symmetry with
// driver.Driver.Close and to give future loaders backed by mapped files or
// cached device buffers a place to release them.
func (m *Material) Close() error { return nil }

// rate returns 1/meanFreePath, treating a non-positive or infinite mean
// free path as "this event never fires".
func rate(mfp float64) float64 {
	if mfp <= 0 || math.IsInf(mfp, 1) {
		return 0
	}
	return 1 / mfp
}

// DrawEvent samples which scatter kind fires next and the free-flight
// distance to it, by competing two independent exponential processes (one
// per scatter kind) and taking the sooner. This is the standard
// superposition-of-Poisson-processes construction: the combined process is
// exponential with the summed rate, and the kind is chosen in proportion
// to its share of that rate.
func (m *Material) DrawEvent(rng *rand.Rand, energy float64) (kind ScatterKind, distance float64) {
	elasticRate := rate(m.Elastic.MeanFreePath(energy))
	inelasticRate := rate(m.Inelastic.MeanFreePath(energy))
	total := elasticRate + inelasticRate
	if total <= 0 {
		return Elastic, math.Inf(1)
	}
	distance = -math.Log(rng.Float64()) / total
	if rng.Float64()*total < elasticRate {
		kind = Elastic
	} else {
		kind = Inelastic
	}
	return kind, distance
}

// Apply performs the sampled event kind on a particle's energy and
// direction.
func (m *Material) Apply(kind ScatterKind, rng *rand.Rand, energy float64, dir geomvec.Vec3) (float64, geomvec.Vec3) {
	if kind == Elastic {
		return m.Elastic.Apply(rng, energy, dir)
	}
	return m.Inelastic.Apply(rng, energy, dir)
}

// TabulatedScatter is the default ScatterTable used by both loaders in this
// package: a power-law mean free path and a per-event energy loss fraction
// plus a bounded random deflection cone, standing in for the tabulated
// differential cross sections a full physics package would read from
// tabulated coefficient files; deriving those tables is out of scope here.
type TabulatedScatter struct {
	// MFPScale and MFPExponent give MeanFreePath(e) = MFPScale * e^MFPExponent.
	MFPScale    float64
	MFPExponent float64
	// EnergyLossFraction is the fraction of kinetic energy removed per event.
	EnergyLossFraction float64
	// MaxDeflection bounds the polar angle (radians) of the random
	// direction perturbation applied per event.
	MaxDeflection float64
}

func (t *TabulatedScatter) MeanFreePath(energy float64) float64 {
	if energy <= 0 {
		return 0
	}
	return t.MFPScale * math.Pow(energy, t.MFPExponent)
}

func (t *TabulatedScatter) Apply(rng *rand.Rand, energy float64, dir geomvec.Vec3) (float64, geomvec.Vec3) {
	newEnergy := energy * (1 - t.EnergyLossFraction)
	if newEnergy < 0 {
		newEnergy = 0
	}
	return newEnergy, perturbDirection(rng, dir, t.MaxDeflection)
}

// perturbDirection rotates dir by a uniformly sampled polar angle in
// [0, maxPolar] and a uniform azimuth, returning a new unit vector.
func perturbDirection(rng *rand.Rand, dir geomvec.Vec3, maxPolar float64) geomvec.Vec3 {
	if maxPolar <= 0 {
		return dir
	}
	dir = geomvec.Normalize(dir)
	polar := rng.Float64() * maxPolar
	azimuth := rng.Float64() * 2 * math.Pi

	u, v := orthonormalBasis(dir)
	sinP := math.Sin(polar)
	perturbed := geomvec.Add(
		geomvec.Scale(dir, math.Cos(polar)),
		geomvec.Add(
			geomvec.Scale(u, sinP*math.Cos(azimuth)),
			geomvec.Scale(v, sinP*math.Sin(azimuth)),
		),
	)
	return geomvec.Normalize(perturbed)
}

// orthonormalBasis returns two unit vectors perpendicular to n and to each
// other, using whichever coordinate axis is least aligned with n to avoid
// degeneracy.
func orthonormalBasis(n geomvec.Vec3) (geomvec.Vec3, geomvec.Vec3) {
	ref := geomvec.Vec3{1, 0, 0}
	if math.Abs(n[0]) > 0.9 {
		ref = geomvec.Vec3{0, 1, 0}
	}
	u := geomvec.Normalize(geomvec.Cross(n, ref))
	v := geomvec.Cross(n, u)
	return u, v
}
