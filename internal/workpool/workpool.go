// Package workpool is the thread-safe dispenser of input primaries that
// every worker goroutine draws from.
package workpool

import (
	"sync"

	"ebeamsim/internal/particle"
)

// Pool is a contiguous, read-only source of (particle, tag) pairs plus a
// cursor denoting the next unclaimed index. The cursor only ever moves
// forward; a single mutex guards it, since the reservation itself is a
// few-instruction critical section and a spinlock-grade mutex outperforms
// a CAS retry loop at the contention levels a handful of worker goroutines
// produce.
type Pool struct {
	mu        sync.Mutex
	particles []particle.Particle
	tags      []particle.Tag
	cursor    int
}

// New builds a Pool over particles and tags, which must be the same
// length. The Pool borrows both slices; callers must not mutate or
// release them while the Pool is in use.
func New(particles []particle.Particle, tags []particle.Tag) *Pool {
	if len(particles) != len(tags) {
		panic("workpool: particles and tags must have equal length")
	}
	return &Pool{particles: particles, tags: tags}
}

// GetWork atomically reserves up to maxN consecutive primaries from the
// cursor. It returns a borrowed view into the pool's backing arrays and
// the actual count reserved (0 iff the pool is exhausted). Every
// concurrent caller is handed a disjoint range; no index is ever reserved
// twice.
func (p *Pool) GetWork(maxN int) ([]particle.Particle, []particle.Tag, int) {
	if maxN <= 0 {
		return nil, nil, 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	remaining := len(p.particles) - p.cursor
	if remaining <= 0 {
		return nil, nil, 0
	}
	n := maxN
	if n > remaining {
		n = remaining
	}
	start := p.cursor
	p.cursor += n
	return p.particles[start : start+n], p.tags[start : start+n], n
}

// PrimariesToGo reports how many primaries have not yet been reserved. It
// may lag a concurrent GetWork by one reservation but never reports zero
// while unclaimed work remains.
func (p *Pool) PrimariesToGo() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.particles) - p.cursor
}

// Done reports whether no further reservation can succeed.
func (p *Pool) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor >= len(p.particles)
}

// Total returns the number of primaries the pool was built with.
func (p *Pool) Total() int {
	return len(p.particles)
}
