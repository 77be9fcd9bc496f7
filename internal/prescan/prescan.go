// Package prescan runs a small pilot population through a Driver to
// derive the frame_size/batch_size pair a full run should use, following
// the sampling-then-accumulator procedure worked out below.
package prescan

import (
	"fmt"
	"math"

	"ebeamsim/internal/config"
	"ebeamsim/internal/particle"
)

// TuningMode selects the formula applied to the gathered samples.
// "legacy" is the formula specified exactly as handed down; "experimental"
// is reserved for future tuning work and currently behaves identically,
// so switching tuning modes today never silently changes behaviour.
type TuningMode string

const (
	TuningLegacy       TuningMode = "legacy"
	TuningExperimental TuningMode = "experimental"
)

// Driver is the subset of driver.Driver the prescan controller exercises.
// Defined locally to avoid an import cycle with package driver.
type Driver interface {
	Push(particles []particle.Particle, tags []particle.Tag) int
	DoIteration()
	RunningCount() uint32
	DetectedCount() uint32
}

// Sample is one iteration's (running_count, detected_count) pair.
type Sample struct {
	Running  uint32
	Detected uint32
}

// Result is the published tuning outcome.
type Result struct {
	FrameSize int
	BatchSize int
	Samples   []Sample
}

// Run injects P pilot particles into an empty driver and iterates until
// the running population drains to zero, then derives (frame_size,
// batch_size) from the recorded samples. capacity is the driver's slab
// size C; batchFactor is the headroom fraction applied to C.
func Run(d Driver, pilots []particle.Particle, tags []particle.Tag, capacity int, batchFactor float64, mode TuningMode) (Result, error) {
	p := len(pilots)
	if p == 0 {
		return Result{}, fmt.Errorf("prescan: empty pilot population: %w", config.ErrBadArgs)
	}
	if batchFactor <= 0 {
		return Result{}, fmt.Errorf("prescan: batch factor %g must be positive: %w", batchFactor, config.ErrBadArgs)
	}
	if capacity <= 0 {
		return Result{}, fmt.Errorf("prescan: capacity %d must be positive: %w", capacity, config.ErrBadArgs)
	}

	pushed := d.Push(pilots, tags)
	if pushed != p {
		return Result{}, fmt.Errorf("prescan: driver accepted only %d of %d pilot particles: %w", pushed, p, config.ErrBadArgs)
	}

	var samples []Sample
	for {
		d.DoIteration()
		running, detected := d.RunningCount(), d.DetectedCount()
		samples = append(samples, Sample{Running: running, Detected: detected})
		if running == 0 {
			break
		}
	}

	frameSize, batchSize := derive(samples, p, capacity, batchFactor, mode)
	return Result{FrameSize: frameSize, BatchSize: batchSize, Samples: samples}, nil
}

// derive implements the frame_size/batch_size formula: k* is the
// one-indexed position of the peak running_count; frame_size is k*.
// The accumulator sums the k*-th sample twice (running and detected, each
// weighted 2/P to compensate for ramp-up) plus the running_count at every
// further integer multiple of k*, each weighted 1/P. batch_size is the
// floor of batch_factor*C divided by that accumulator.
func derive(samples []Sample, p, capacity int, batchFactor float64, mode TuningMode) (int, int) {
	kStar := 1
	peak := uint32(0)
	for i, s := range samples {
		if s.Running > peak {
			peak = s.Running
			kStar = i + 1
		}
	}

	// mode is accepted but not yet branched on: no divergent experimental
	// formula has been validated, so both modes compute the legacy
	// accumulator below.
	_ = mode

	pf := float64(p)
	accum := 0.0
	if kStar-1 < len(samples) {
		accum += 2 * float64(samples[kStar-1].Running) / pf
		accum += 2 * float64(samples[kStar-1].Detected) / pf
	}
	for i := 2 * kStar; i-1 < len(samples); i += kStar {
		accum += float64(samples[i-1].Running) / pf
	}

	batchSize := 0
	if accum > 0 {
		batchSize = int(math.Floor(batchFactor * float64(capacity) / accum))
	}
	return kStar, batchSize
}
