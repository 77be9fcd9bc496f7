// Package driver implements the simulation driver's public contract from
// the fixed-capacity particle store and the per-iteration
// physics advance shared by the CPU and GPU variants.
package driver

import (
	"ebeamsim/internal/particle"
	"ebeamsim/internal/workpool"
)

// Driver is the contract every backend (CPU, GPU) satisfies. Implementations
// are not safe for concurrent use by more than one goroutine: the Particle
// Store's parallelism is expressed internally (as bulk device operations,
// on GPU), not across callers.
type Driver interface {
	// Push injects up to len(particles) particles into empty slots and
	// returns the actual count placed; it never exceeds the driver's
	// capacity and performs no scattering.
	Push(particles []particle.Particle, tags []particle.Tag) int
	// DoIteration advances every alive slot by exactly one physics event.
	DoIteration()
	// RunningCount returns the number of alive slots.
	RunningCount() uint32
	// DetectedCount returns the number of slots holding an unflushed
	// detected record.
	DetectedCount() uint32
	// FlushDetected invokes fn on every detected slot and empties it,
	// returning the post-flush running count.
	FlushDetected(fn func(particle.Particle, particle.Tag)) uint32
	// Close releases any resources the driver holds. Safe to call more
	// than once.
	Close() error
}

// GPUDriver extends Driver with the asynchronous staging operations used
// to overlap compute with host<->device transfer.
type GPUDriver interface {
	Driver
	// AllocateInputBuffers sizes the host-visible staging regions for a
	// batch of the given size.
	AllocateInputBuffers(batchSize int) error
	// BufferDetected asynchronously copies detected records to the
	// staging region without flushing them from the particle store.
	BufferDetected() error
	// PushToBuffer asynchronously reserves work from pool and stages it.
	PushToBuffer(pool *workpool.Pool) error
	// PushToSimulation completes a previously staged push by moving
	// staged particles into empty slots.
	PushToSimulation() error
}
