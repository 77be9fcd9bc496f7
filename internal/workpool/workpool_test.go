package workpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ebeamsim/internal/particle"
)

func makeTotal(n int) ([]particle.Particle, []particle.Tag) {
	ps := make([]particle.Particle, n)
	tags := make([]particle.Tag, n)
	for i := range tags {
		tags[i] = particle.Tag(i)
	}
	return ps, tags
}

func TestGetWorkReservesDisjointRanges(t *testing.T) {
	ps, tags := makeTotal(10)
	p := New(ps, tags)

	_, got1, n1 := p.GetWork(4)
	require.Equal(t, 4, n1)
	_, got2, n2 := p.GetWork(4)
	require.Equal(t, 4, n2)
	_, got3, n3 := p.GetWork(4)
	require.Equal(t, 2, n3)
	_, _, n4 := p.GetWork(4)
	require.Equal(t, 0, n4)

	require.True(t, p.Done())
	seen := map[particle.Tag]bool{}
	for _, tg := range append(append(got1, got2...), got3...) {
		require.False(t, seen[tg])
		seen[tg] = true
	}
	require.Len(t, seen, 10)
}

func TestWorkPoolFairnessUnderConcurrency(t *testing.T) {
	const total = 100000
	const workers = 4
	ps, tags := makeTotal(total)
	p := New(ps, tags)

	var mu sync.Mutex
	counts := make([]int, total)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, gotTags, n := p.GetWork(37)
				if n == 0 {
					return
				}
				mu.Lock()
				for _, tg := range gotTags {
					counts[tg]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.True(t, p.Done())
	require.Equal(t, 0, p.PrimariesToGo())
	for i, c := range counts {
		require.Equal(t, 1, c, "tag %d delivered %d times", i, c)
	}
}

func TestPrimariesToGoNeverZeroPrematurely(t *testing.T) {
	ps, tags := makeTotal(5)
	p := New(ps, tags)
	require.Equal(t, 5, p.PrimariesToGo())
	p.GetWork(3)
	require.Equal(t, 2, p.PrimariesToGo())
	require.False(t, p.Done())
	p.GetWork(2)
	require.Equal(t, 0, p.PrimariesToGo())
	require.True(t, p.Done())
}
