package governor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peak struct {
	cur atomic.Int64
	max atomic.Int64
}

func (p *peak) enter() {
	n := p.cur.Add(1)
	for {
		m := p.max.Load()
		if n <= m || p.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (p *peak) leave() { p.cur.Add(-1) }

func TestBoundsHoldAcrossJobs(t *testing.T) {
	const (
		global = 15
		perJob = 5
		jobs   = 3
		chunks = 10
	)
	gov, err := New(global, perJob)
	require.NoError(t, err)

	var all peak
	perJobPeaks := make([]*peak, jobs)
	var wg sync.WaitGroup
	for j := 0; j < jobs; j++ {
		perJobPeaks[j] = &peak{}
		gate := gov.ForJob()
		for c := 0; c < chunks; c++ {
			wg.Add(1)
			go func(p *peak) {
				defer wg.Done()
				release, err := gate.Acquire(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				defer release()
				all.enter()
				p.enter()
				time.Sleep(5 * time.Millisecond)
				p.leave()
				all.leave()
			}(perJobPeaks[j])
		}
	}
	wg.Wait()

	assert.LessOrEqual(t, all.max.Load(), int64(global))
	for j, p := range perJobPeaks {
		assert.LessOrEqual(t, p.max.Load(), int64(perJob), "job %d", j)
		assert.Greater(t, p.max.Load(), int64(0), "job %d", j)
	}
	assert.Equal(t, int64(0), gov.InFlight())
}

func TestGlobalLimitShared(t *testing.T) {
	gov, err := New(2, 2)
	require.NoError(t, err)
	a, b := gov.ForJob(), gov.ForJob()

	r1, err := a.Acquire(context.Background())
	require.NoError(t, err)
	r2, err := b.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), gov.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// the job slot taken before the global wait must be returned
	assert.Equal(t, int64(1), a.InFlight())

	r1()
	r3, err := b.Acquire(context.Background())
	require.NoError(t, err)
	r2()
	r3()
	assert.Equal(t, int64(0), gov.InFlight())
}

func TestReleaseIsIdempotent(t *testing.T) {
	gov, err := New(1, 1)
	require.NoError(t, err)
	gate := gov.ForJob()

	release, err := gate.Acquire(context.Background())
	require.NoError(t, err)
	release()
	release()
	assert.Equal(t, int64(0), gov.InFlight())

	release, err = gate.Acquire(context.Background())
	require.NoError(t, err)
	defer release()
	assert.Equal(t, int64(1), gov.InFlight())
}

func TestAcquireCancelledWhileWaitingForJobSlot(t *testing.T) {
	gov, err := New(5, 1)
	require.NoError(t, err)
	gate := gov.ForJob()
	release, err := gate.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = gate.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1), gov.InFlight())
}

func TestNewRejectsBadLimits(t *testing.T) {
	_, err := New(0, 1)
	assert.Error(t, err)
	_, err = New(3, 5)
	assert.Error(t, err)
}
