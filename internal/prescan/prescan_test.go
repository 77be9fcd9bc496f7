package prescan

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ebeamsim/internal/particle"
)

// cascadeStub deterministically doubles its running population for
// doubleRounds iterations, then detects everyone on the next call. This
// gives a reproducible, sharply peaked running_count curve to tune
// against, without depending on any real scatter physics.
type cascadeStub struct {
	alive        []particle.Tag
	doubleRounds int
	round        int
	detectedAll  bool
}

func (s *cascadeStub) Push(particles []particle.Particle, tags []particle.Tag) int {
	s.alive = append(s.alive, tags...)
	return len(tags)
}

func (s *cascadeStub) DoIteration() {
	if s.round < s.doubleRounds {
		s.alive = append(s.alive, s.alive...)
		s.round++
		return
	}
	s.detectedAll = true
}

func (s *cascadeStub) RunningCount() uint32 {
	if s.detectedAll {
		return 0
	}
	return uint32(len(s.alive))
}

func (s *cascadeStub) DetectedCount() uint32 {
	if s.detectedAll {
		return uint32(len(s.alive))
	}
	return 0
}

func makePilots(n int) ([]particle.Particle, []particle.Tag) {
	particles := make([]particle.Particle, n)
	tags := make([]particle.Tag, n)
	for i := range tags {
		tags[i] = particle.Tag(i)
	}
	return particles, tags
}

func TestRunRejectsBadArgs(t *testing.T) {
	d := &cascadeStub{doubleRounds: 3}
	particles, tags := makePilots(10)

	_, err := Run(d, particles, tags, 100, 0, TuningLegacy)
	require.Error(t, err)

	_, err = Run(d, particles, tags, 0, 0.9, TuningLegacy)
	require.Error(t, err)

	_, err = Run(d, nil, nil, 100, 0.9, TuningLegacy)
	require.Error(t, err)
}

func TestRunDerivesDeterministicFrameAndBatchSize(t *testing.T) {
	d := &cascadeStub{doubleRounds: 3}
	particles, tags := makePilots(1000)

	result, err := Run(d, particles, tags, 10000, 0.9, TuningLegacy)
	require.NoError(t, err)

	// Running counts double each of 3 rounds (2000,4000,8000) then drop to
	// 0 on round 4, so the peak is at sample index 2 (1-indexed: k*=3).
	// The accumulator is 2*8000/1000 + 2*0/1000 = 16 (no sample at 2k*=6),
	// so batch_size = floor(0.9*10000/16) = 562.
	require.Len(t, result.Samples, 4)
	require.Equal(t, 3, result.FrameSize)
	require.Equal(t, 562, result.BatchSize)
}

func TestRunProducesSameResultForIdenticalStubSequence(t *testing.T) {
	particles, tags := makePilots(500)

	r1, err := Run(&cascadeStub{doubleRounds: 2}, particles, tags, 5000, 0.9, TuningLegacy)
	require.NoError(t, err)
	r2, err := Run(&cascadeStub{doubleRounds: 2}, particles, tags, 5000, 0.9, TuningLegacy)
	require.NoError(t, err)

	require.Equal(t, r1.FrameSize, r2.FrameSize)
	require.Equal(t, r1.BatchSize, r2.BatchSize)
}
