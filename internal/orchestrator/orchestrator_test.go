package orchestrator

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ebeamsim/internal/driver"
	"ebeamsim/internal/geometry"
	"ebeamsim/internal/particle"
	"ebeamsim/internal/sink"
)

func TestPhaseLatchNeverGoesBackwards(t *testing.T) {
	l := NewPhaseLatch()
	l.Advance(PhaseMaterialsLoaded)
	require.Equal(t, PhaseMaterialsLoaded, l.Current())
	l.Advance(PhaseGeometryLoaded)
	require.Equal(t, PhaseMaterialsLoaded, l.Current(), "advancing to an earlier phase must be a no-op")
	l.Advance(PhasePrescanDone)
	require.Equal(t, PhasePrescanDone, l.Current())
}

func TestPhaseLatchAwaitUnblocksOnAdvance(t *testing.T) {
	l := NewPhaseLatch()
	var wg sync.WaitGroup
	reached := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.AwaitAtLeast(PhasePrimariesLoaded)
		close(reached)
	}()

	l.Advance(PhaseGeometryLoaded)
	l.Advance(PhaseMaterialsLoaded)
	select {
	case <-reached:
		t.Fatal("waiter unblocked before PhasePrimariesLoaded")
	default:
	}
	l.Advance(PhasePrimariesLoaded)
	wg.Wait()
	<-reached
}

type stubEntry struct {
	p   particle.Particle
	tag particle.Tag
}

// flushAllStub detects every pushed particle on the next DoIteration: a
// push makes it alive, and the following iteration moves it straight to
// detected, so RunningCount/DetectedCount move through a realistic
// alive->detected cycle rather than staying degenerately at zero.
type flushAllStub struct {
	mu       sync.Mutex
	alive    []stubEntry
	detected []stubEntry
}

func (s *flushAllStub) Push(particles []particle.Particle, tags []particle.Tag) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range tags {
		s.alive = append(s.alive, stubEntry{particles[i], tags[i]})
	}
	return len(tags)
}

func (s *flushAllStub) DoIteration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detected = append(s.detected, s.alive...)
	s.alive = nil
}

func (s *flushAllStub) RunningCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(len(s.alive))
}

func (s *flushAllStub) DetectedCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(len(s.detected))
}

func (s *flushAllStub) FlushDetected(fn func(particle.Particle, particle.Tag)) uint32 {
	s.mu.Lock()
	detected := s.detected
	s.detected = nil
	running := uint32(len(s.alive))
	s.mu.Unlock()
	for _, e := range detected {
		fn(e.p, e.tag)
	}
	return running
}

func (s *flushAllStub) Close() error { return nil }

func TestRunDeliversEveryTagExactlyOnceAcrossWorkers(t *testing.T) {
	const total = 5000
	const workers = 4

	particles := make([]particle.Particle, total)
	pixels := make([]particle.Pixel, total)
	for i := range particles {
		pixels[i] = particle.Pixel{X: int32(i), Y: 0}
	}

	var out bytes.Buffer
	o := New(workers, func(idx int, seed uint64) (driver.Driver, error) {
		return &flushAllStub{}, nil
	})
	o.Geometry = geometry.Build(nil)
	o.Capacity = 1000
	o.PrescanSize = 10
	o.BatchFactor = 0.9
	o.TuningMode = "legacy"
	o.Sink = sink.New(&out)

	require.NoError(t, o.LoadPrimaries(particles, pixels))
	require.NoError(t, o.Run())

	require.Equal(t, total*sink.RecordSize, out.Len())
	seen := map[int32]bool{}
	buf := out.Bytes()
	for off := 0; off < len(buf); off += sink.RecordSize {
		_, _, _, px, _ := sink.DecodeRecord(buf[off : off+sink.RecordSize])
		require.False(t, seen[px], "tag %d delivered more than once", px)
		seen[px] = true
	}
	require.Len(t, seen, total)
}
