// Package governor bounds how many synthesis calls run at once, both across
// the process and within a single job.
package governor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Governor owns the process-wide slot pool. Waiters are served in FIFO order.
type Governor struct {
	global   *semaphore.Weighted
	globalN  int
	perJob   int
	inFlight atomic.Int64
}

func New(global, perJob int) (*Governor, error) {
	if global <= 0 || perJob <= 0 {
		return nil, fmt.Errorf("concurrency limits must be positive (global=%d, per job=%d)", global, perJob)
	}
	if perJob > global {
		return nil, fmt.Errorf("per-job limit %d exceeds global limit %d", perJob, global)
	}
	return &Governor{
		global:  semaphore.NewWeighted(int64(global)),
		globalN: global,
		perJob:  perJob,
	}, nil
}

// ForJob returns a gate with its own per-job pool that draws from the global
// pool. One gate is created per job.
func (g *Governor) ForJob() *JobGate {
	return &JobGate{gov: g, job: semaphore.NewWeighted(int64(g.perJob))}
}

// InFlight reports the number of global slots currently held.
func (g *Governor) InFlight() int64 { return g.inFlight.Load() }

// Limits returns the configured global and per-job limits.
func (g *Governor) Limits() (global, perJob int) { return g.globalN, g.perJob }

type JobGate struct {
	gov      *Governor
	job      *semaphore.Weighted
	inFlight atomic.Int64
}

// Acquire blocks until both a job slot and a global slot are held, or ctx is
// done. The job slot is taken first so a job never holds global capacity it
// cannot use. The returned release is safe to call more than once.
func (j *JobGate) Acquire(ctx context.Context) (func(), error) {
	if err := j.job.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := j.gov.global.Acquire(ctx, 1); err != nil {
		j.job.Release(1)
		return nil, err
	}
	j.inFlight.Add(1)
	j.gov.inFlight.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			j.gov.inFlight.Add(-1)
			j.inFlight.Add(-1)
			j.gov.global.Release(1)
			j.job.Release(1)
		})
	}, nil
}

// InFlight reports the number of slots this job currently holds.
func (j *JobGate) InFlight() int64 { return j.inFlight.Load() }
