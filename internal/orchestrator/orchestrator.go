// Package orchestrator boots one worker per device, drives the
// load->prescan->simulate phase progression via a PhaseLatch, and joins
// all workers with an errgroup, publishing progress once per second.
package orchestrator

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ebeamsim/internal/config"
	"ebeamsim/internal/driver"
	"ebeamsim/internal/geometry"
	"ebeamsim/internal/material"
	"ebeamsim/internal/particle"
	"ebeamsim/internal/prescan"
	"ebeamsim/internal/sink"
	"ebeamsim/internal/workpool"
)

// NewDriverFunc constructs one backend driver instance for a worker,
// given the worker's index (also its device ordinal on GPU runs) and its
// per-worker RNG seed.
type NewDriverFunc func(idx int, seed uint64) (driver.Driver, error)

// Orchestrator owns every long-lived input (geometry, materials, the work
// pool, the pixel map, the output sink) for the full run and hands
// read-only references to the workers it spawns.
type Orchestrator struct {
	Geometry  *geometry.Geometry
	Materials []*material.Material
	Pool      *workpool.Pool
	Pixels    []particle.Pixel
	Sink      *sink.Sink

	Capacity        int
	EnergyThreshold float64
	Seed            uint64
	PrescanSize     int
	BatchFactor     float64
	TuningMode      prescan.TuningMode
	NumWorkers      int
	NewDriver       NewDriverFunc

	Phase   *PhaseLatch
	Running []atomic.Uint32

	frameSize int
	batchSize int
}

// New builds an Orchestrator with its worker running-count slots and
// phase latch initialised.
func New(numWorkers int, newDriver NewDriverFunc) *Orchestrator {
	return &Orchestrator{
		NumWorkers: numWorkers,
		NewDriver:  newDriver,
		Phase:      NewPhaseLatch(),
		Running:    make([]atomic.Uint32, numWorkers),
	}
}

// LoadGeometry publishes the geometry handle and advances the phase.
func (o *Orchestrator) LoadGeometry(geo *geometry.Geometry) {
	o.Geometry = geo
	o.Phase.Advance(PhaseGeometryLoaded)
}

// LoadMaterials publishes the material table, checks it against the
// geometry's material ids, and advances the phase.
func (o *Orchestrator) LoadMaterials(materials []*material.Material) error {
	maxID := int32(-1)
	for _, tri := range o.Geometry.Triangles {
		if tri.MaterialIn > maxID {
			maxID = tri.MaterialIn
		}
		if tri.MaterialOut > maxID {
			maxID = tri.MaterialOut
		}
	}
	if maxID >= 0 && int(maxID)+1 > len(materials) {
		return fmt.Errorf("geometry references material id %d but only %d materials were loaded: %w", maxID, len(materials), config.ErrInputInconsistent)
	}
	if len(materials) > int(maxID)+1 {
		log.Printf("warning: %d materials loaded but geometry references at most id %d", len(materials), maxID)
	}
	o.Materials = materials
	o.Phase.Advance(PhaseMaterialsLoaded)
	return nil
}

// LoadPrimaries publishes the work pool and pixel map, then advances the
// phase. primaries and pixels must be the same length; tag i is assigned
// to primaries[i].
func (o *Orchestrator) LoadPrimaries(primaries []particle.Particle, pixels []particle.Pixel) error {
	if len(primaries) == 0 {
		return fmt.Errorf("no primaries loaded: %w", config.ErrInputMissing)
	}
	tags := make([]particle.Tag, len(primaries))
	for i := range tags {
		tags[i] = particle.Tag(i)
	}
	o.Pool = workpool.New(primaries, tags)
	o.Pixels = pixels
	o.Phase.Advance(PhasePrimariesLoaded)
	return nil
}

// Run spawns one worker per device, drives the once-per-second progress
// probe, and joins every worker via an errgroup, returning the first error
// a worker reported (typically a device error). A worker's error does not
// cancel the other workers.
func (o *Orchestrator) Run() error {
	var g errgroup.Group
	for i := 0; i < o.NumWorkers; i++ {
		idx := i
		g.Go(func() error { return o.runWorker(idx) })
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	o.progressLoop(done)

	return g.Wait()
}

func (o *Orchestrator) progressLoop(done <-chan struct{}) {
	ticker := time.NewTicker(config.ProgressInterval * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			o.printProgress()
		}
	}
}

func (o *Orchestrator) printProgress() {
	total := o.Pool.Total()
	toGo := o.Pool.PrimariesToGo()
	pct := 0.0
	if total > 0 {
		pct = 100 * (1 - float64(toGo)/float64(total))
	}
	counts := make([]uint32, len(o.Running))
	for i := range o.Running {
		counts[i] = o.Running[i].Load()
	}
	log.Printf("progress: %.1f%% running=%v", pct, counts)
}

// runWorker is one worker's full lifecycle: construct its driver, await
// the phases it needs, then loop pulling from the work pool until the
// pool is drained and its own population reaches zero. Prescan-derived
// batching is a GPU-only concern (see spec.md "on GPU targets, self-tunes
// its batch size via a prescan phase"); a CPU driver goes straight from
// PhasePrimariesLoaded into its steady-state loop.
func (o *Orchestrator) runWorker(idx int) error {
	d, err := o.NewDriver(idx, o.Seed+uint64(idx))
	if err != nil {
		return fmt.Errorf("constructing driver for worker %d: %w", idx, config.ErrDeviceError)
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Printf("worker %d: closing driver: %v", idx, err)
		}
	}()

	o.Phase.AwaitAtLeast(PhasePrimariesLoaded)

	buf := sink.NewBuffer(o.Sink)

	gd, isGPU := d.(driver.GPUDriver)
	if !isGPU {
		o.runWorkerCPU(idx, d, buf)
		return buf.Flush()
	}

	if idx == 0 {
		if err := o.runPrescan(gd); err != nil {
			return err
		}
	} else {
		o.Phase.AwaitAtLeast(PhasePrescanDone)
	}

	frameSize, batchSize := o.frameSize, o.batchSize
	if err := o.runWorkerGPU(idx, gd, buf, frameSize, batchSize); err != nil {
		return err
	}
	return buf.Flush()
}

// runPrescan runs the pilot population on worker 0's driver and publishes
// (frame_size, batch_size). The writes to o.frameSize/o.batchSize happen
// strictly before Phase.Advance, whose internal mutex unlock establishes
// a happens-before edge with every other worker's subsequent
// AwaitAtLeast(PhasePrescanDone) lock, so those fields need no separate
// guard.
func (o *Orchestrator) runPrescan(d driver.GPUDriver) error {
	pilots, tags, n := o.Pool.GetWork(o.PrescanSize)
	if n == 0 {
		return fmt.Errorf("work pool exhausted before prescan could run: %w", config.ErrBadArgs)
	}
	result, err := prescan.Run(d, pilots, tags, o.Capacity, o.BatchFactor, o.TuningMode)
	if err != nil {
		return fmt.Errorf("running prescan: %w", err)
	}
	o.frameSize, o.batchSize = result.FrameSize, result.BatchSize
	log.Printf("prescan: frame_size=%d batch_size=%d", o.frameSize, o.batchSize)
	o.Phase.Advance(PhasePrescanDone)
	return nil
}

func (o *Orchestrator) emit(buf *sink.Buffer, p particle.Particle, tag particle.Tag) {
	pixel := particle.Pixel{}
	if int(tag) < len(o.Pixels) {
		pixel = o.Pixels[tag]
	}
	_ = buf.Add(particle.Detection{Particle: p, Tag: tag, Pixel: pixel})
}

// runWorkerCPU is the CPU driver's steady-state loop: pull one primary
// from the pool, push it, simulate it to completion, flush it, repeat.
// There is no prescan and no frame/batch tuning on this path — it mirrors
// the original cpu_mt_main's get_work(1)/push/simulate_to_end()/flush.
func (o *Orchestrator) runWorkerCPU(idx int, d driver.Driver, buf *sink.Buffer) {
	for {
		particles, tags, n := o.Pool.GetWork(1)
		if n > 0 {
			d.Push(particles, tags)
			for d.RunningCount() > 0 {
				d.DoIteration()
			}
			d.FlushDetected(func(p particle.Particle, tag particle.Tag) { o.emit(buf, p, tag) })
			o.Running[idx].Store(d.RunningCount())
		}

		if d.RunningCount() == 0 && o.Pool.Done() {
			return
		}
	}
}

// runWorkerGPU follows the documented overlap pipeline: BufferDetected ->
// PushToSimulation -> DoIteration x frameSize -> PushToBuffer ->
// FlushDetected, so the async detected-record copy and the async push
// staging overlap with device compute.
func (o *Orchestrator) runWorkerGPU(idx int, gd driver.GPUDriver, buf *sink.Buffer, frameSize, batchSize int) error {
	if err := gd.AllocateInputBuffers(batchSize); err != nil {
		return fmt.Errorf("allocating GPU staging buffers for worker %d: %w", idx, config.ErrDeviceError)
	}

	for {
		if err := gd.BufferDetected(); err != nil {
			return fmt.Errorf("buffering detected records on worker %d: %w", idx, config.ErrDeviceError)
		}
		if err := gd.PushToSimulation(); err != nil {
			return fmt.Errorf("completing staged push on worker %d: %w", idx, config.ErrDeviceError)
		}

		for i := 0; i < frameSize; i++ {
			gd.DoIteration()
		}

		if err := gd.PushToBuffer(o.Pool); err != nil {
			return fmt.Errorf("staging next push on worker %d: %w", idx, config.ErrDeviceError)
		}
		gd.FlushDetected(func(p particle.Particle, tag particle.Tag) { o.emit(buf, p, tag) })
		o.Running[idx].Store(gd.RunningCount())

		if gd.RunningCount() == 0 && o.Pool.Done() {
			return nil
		}
	}
}
