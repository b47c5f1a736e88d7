package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

func setupRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, WithRetention(time.Minute), WithPrefix("test")), mr
}

func backends(t *testing.T) map[string]Tracker {
	r, _ := setupRedis(t)
	return map[string]Tracker{
		"memory": NewMemory(time.Minute),
		"redis":  r,
	}
}

func TestTrackerLifecycle(t *testing.T) {
	for name, tr := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, tr.Start(ctx, "job-1", 3))

			p, err := tr.Snapshot(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, 0, p.Done)
			assert.Equal(t, 3, p.Total)
			assert.Equal(t, StateRunning, p.State)
			assert.Equal(t, 0, p.Percent())

			p, err = tr.Increment(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, 1, p.Done)
			assert.Equal(t, 33, p.Percent())

			require.NoError(t, tr.Complete(ctx, "job-1"))
			p, err = tr.Snapshot(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, StateCompleted, p.State)
			assert.Equal(t, 3, p.Done)
			assert.Equal(t, 100, p.Percent())

			_, err = tr.Increment(ctx, "job-1")
			assert.ErrorIs(t, err, ErrNotRunning)
			assert.ErrorIs(t, tr.Fail(ctx, "job-1"), ErrNotRunning)
		})
	}
}

func TestTrackerNotFound(t *testing.T) {
	for name, tr := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := tr.Snapshot(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = tr.Increment(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, tr.Complete(ctx, "missing"), ErrNotFound)
		})
	}
}

func TestTrackerRejectsDuplicateActiveJob(t *testing.T) {
	for name, tr := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, tr.Start(ctx, "dup", 2))
			assert.ErrorIs(t, tr.Start(ctx, "dup", 5), ErrJobActive)

			require.NoError(t, tr.Fail(ctx, "dup"))
			require.NoError(t, tr.Start(ctx, "dup", 5))
			p, err := tr.Snapshot(ctx, "dup")
			require.NoError(t, err)
			assert.Equal(t, 5, p.Total)
			assert.Equal(t, 0, p.Done)
		})
	}
}

func TestTrackerFailKeepsDone(t *testing.T) {
	for name, tr := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, tr.Start(ctx, "j", 4))
			_, err := tr.Increment(ctx, "j")
			require.NoError(t, err)
			require.NoError(t, tr.Fail(ctx, "j"))

			p, err := tr.Snapshot(ctx, "j")
			require.NoError(t, err)
			assert.Equal(t, StateFailed, p.State)
			assert.Equal(t, 1, p.Done)
		})
	}
}

func TestTrackerConcurrentIncrementsNeverExceedTotal(t *testing.T) {
	for name, tr := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, tr.Start(ctx, "c", 20))

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				seen []int
			)
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					p, err := tr.Increment(ctx, "c")
					if assert.NoError(t, err) {
						mu.Lock()
						seen = append(seen, p.Done)
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			p, err := tr.Snapshot(ctx, "c")
			require.NoError(t, err)
			assert.Equal(t, 20, p.Done)
			for _, d := range seen {
				assert.LessOrEqual(t, d, 20)
			}
		})
	}
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 100, Progress{}.Percent())
	assert.Equal(t, 66, Progress{Done: 2, Total: 3}.Percent())
	assert.Equal(t, 100, Progress{Done: 3, Total: 3}.Percent())
}

func TestMemoryEvictsAfterRetention(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Hour)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Start(ctx, "old", 1))
	require.NoError(t, m.Complete(ctx, "old"))
	require.NoError(t, m.Start(ctx, "running", 1))

	now = now.Add(59 * time.Minute)
	assert.Equal(t, 0, m.Sweep())
	_, err := m.Snapshot(ctx, "old")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, m.Sweep())
	_, err = m.Snapshot(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Snapshot(ctx, "running")
	assert.NoError(t, err)
	assert.Equal(t, 1, m.Len())
}

func TestMemoryRunStopsWithContext(t *testing.T) {
	m := NewMemory(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestRedisEntryExpires(t *testing.T) {
	ctx := context.Background()
	r, mr := setupRedis(t)

	require.NoError(t, r.Start(ctx, "job", 2))
	assert.Equal(t, time.Duration(0), mr.TTL("test:job:job"))

	require.NoError(t, r.Complete(ctx, "job"))
	assert.Equal(t, time.Minute, mr.TTL("test:job:job"))

	mr.FastForward(2 * time.Minute)
	_, err := r.Snapshot(ctx, "job")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen(t *testing.T) {
	tr, closeFn, err := Open(config.TrackerConfig{Backend: "memory", RetentionMS: 1000})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, tr)
	assert.NoError(t, closeFn())

	_, _, err = Open(config.TrackerConfig{Backend: "etcd"})
	assert.Error(t, err)
}
