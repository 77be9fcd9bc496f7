package driver

import (
	"math"
	"math/rand"

	"ebeamsim/internal/geometry"
	"ebeamsim/internal/geomvec"
	"ebeamsim/internal/material"
	"ebeamsim/internal/particle"
)

// vacuumTravelCap bounds how far a particle with no active scatter process
// (i.e. traveling through vacuum) is allowed to search for the next
// boundary crossing before it is considered to have left the domain.
const vacuumTravelCap = 1e7

type slotState uint8

const (
	slotEmpty slotState = iota
	slotAlive
	slotDetected
)

// CPUDriver is the host-only Driver implementation: the particle store is
// a plain Go slice walked in a single goroutine; the Driver's public
// interface is single-goroutine per instance.
type CPUDriver struct {
	geo       *geometry.Geometry
	materials []*material.Material
	ethr      float64
	rng       *rand.Rand

	slots  []particle.Particle
	tags   []particle.Tag
	states []slotState

	free          []int
	runningCount  uint32
	detectedCount uint32
}

// New constructs a CPU driver with the given slab capacity, geometry,
// material table, energy threshold, and RNG seed.
func New(capacity int, geo *geometry.Geometry, materials []*material.Material, ethr float64, seed uint64) *CPUDriver {
	d := &CPUDriver{
		geo:       geo,
		materials: materials,
		ethr:      ethr,
		rng:       rand.New(rand.NewSource(int64(seed))),
		slots:     make([]particle.Particle, capacity),
		tags:      make([]particle.Tag, capacity),
		states:    make([]slotState, capacity),
		free:      make([]int, capacity),
	}
	for i := range d.free {
		d.free[i] = capacity - 1 - i
	}
	return d
}

// Capacity returns the fixed slab size the driver was constructed with.
func (d *CPUDriver) Capacity() int { return len(d.slots) }

func (d *CPUDriver) Push(particles []particle.Particle, tags []particle.Tag) int {
	n := len(particles)
	if n > len(tags) {
		n = len(tags)
	}
	placed := 0
	for placed < n && len(d.free) > 0 {
		idx := d.free[len(d.free)-1]
		d.free = d.free[:len(d.free)-1]
		d.slots[idx] = particles[placed]
		d.slots[idx].Status = particle.Alive
		d.tags[idx] = tags[placed]
		d.states[idx] = slotAlive
		placed++
		d.runningCount++
	}
	return placed
}

func (d *CPUDriver) RunningCount() uint32  { return d.runningCount }
func (d *CPUDriver) DetectedCount() uint32 { return d.detectedCount }

func (d *CPUDriver) DoIteration() {
	for idx, st := range d.states {
		if st != slotAlive {
			continue
		}
		d.advance(idx)
	}
}

func (d *CPUDriver) FlushDetected(fn func(particle.Particle, particle.Tag)) uint32 {
	for idx, st := range d.states {
		if st != slotDetected {
			continue
		}
		if fn != nil {
			fn(d.slots[idx], d.tags[idx])
		}
		d.states[idx] = slotEmpty
		d.slots[idx] = particle.Particle{}
		d.free = append(d.free, idx)
		d.detectedCount--
	}
	return d.runningCount
}

func (d *CPUDriver) Close() error { return nil }

// advance performs exactly one physics event on the particle in slot idx:
// either a boundary crossing (material update, detector routing) or an
// in-medium scatter (direction perturbation, energy loss), whichever the
// particle reaches first.
func (d *CPUDriver) advance(idx int) {
	p := &d.slots[idx]

	var (
		evtDist    = math.Inf(1)
		kind       material.ScatterKind
		hasScatter bool
	)
	if p.Material >= 0 {
		mat := d.materials[p.Material]
		kind, evtDist = mat.DrawEvent(d.rng, p.Energy)
		hasScatter = !math.IsInf(evtDist, 1)
	}

	searchDist := evtDist
	if math.IsInf(searchDist, 1) {
		searchDist = vacuumTravelCap
	}

	hit, ok := geometry.Intersect(d.geo, p.Position, p.Direction, searchDist)
	if ok {
		p.Position = geomvec.Add(p.Position, geomvec.Scale(p.Direction, hit.Distance))
		tri := d.geo.Triangles[hit.TriangleIndex]
		if tri.IsDetector {
			d.detect(idx)
			return
		}
		d.crossBoundary(idx, tri)
		return
	}

	if !hasScatter {
		d.terminate(idx)
		return
	}

	p.Position = geomvec.Add(p.Position, geomvec.Scale(p.Direction, evtDist))
	mat := d.materials[p.Material]
	newEnergy, newDir := mat.Apply(kind, d.rng, p.Energy, p.Direction)
	p.Energy = newEnergy
	p.Direction = newDir
	if p.Energy < d.ethr {
		d.terminate(idx)
	}
}

// crossBoundary updates the particle's current material on a non-detector
// crossing, applying the vacuum barrier gate: a particle below its
// current material's barrier cannot cross into vacuum.
func (d *CPUDriver) crossBoundary(idx int, tri geometry.Triangle) {
	p := &d.slots[idx]
	var newMaterial int32
	if geomvec.Dot(p.Direction, tri.Normal()) >= 0 {
		newMaterial = tri.MaterialOut
	} else {
		newMaterial = tri.MaterialIn
	}
	if newMaterial < 0 && p.Material >= 0 {
		if p.Energy < d.materials[p.Material].Barrier {
			d.terminate(idx)
			return
		}
	}
	p.Material = newMaterial
}

func (d *CPUDriver) detect(idx int) {
	d.slots[idx].Status = particle.Detected
	d.states[idx] = slotDetected
	d.runningCount--
	d.detectedCount++
}

func (d *CPUDriver) terminate(idx int) {
	d.states[idx] = slotEmpty
	d.slots[idx] = particle.Particle{}
	d.free = append(d.free, idx)
	d.runningCount--
}
