package tracker

import (
	"context"
	"sync"
	"time"
)

// Memory keeps progress in a map. Terminal entries are evicted once the
// retention period has passed.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]*memoryEntry
	retention time.Duration
	now       func() time.Time
}

type memoryEntry struct {
	progress Progress
	expires  time.Time
}

func NewMemory(retention time.Duration) *Memory {
	return &Memory{
		jobs:      make(map[string]*memoryEntry),
		retention: retention,
		now:       time.Now,
	}
}

func (m *Memory) Start(_ context.Context, id string, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.lookup(id); ok && e.progress.State == StateRunning {
		return ErrJobActive
	}
	m.jobs[id] = &memoryEntry{progress: Progress{
		JobID:     id,
		Total:     total,
		State:     StateRunning,
		UpdatedAt: m.now(),
	}}
	return nil
}

func (m *Memory) Increment(_ context.Context, id string) (Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(id)
	if !ok {
		return Progress{}, ErrNotFound
	}
	if e.progress.State != StateRunning {
		return e.progress, ErrNotRunning
	}
	if e.progress.Done < e.progress.Total {
		e.progress.Done++
	}
	e.progress.UpdatedAt = m.now()
	return e.progress, nil
}

func (m *Memory) Snapshot(_ context.Context, id string) (Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(id)
	if !ok {
		return Progress{}, ErrNotFound
	}
	return e.progress, nil
}

func (m *Memory) Complete(_ context.Context, id string) error {
	return m.finish(id, StateCompleted)
}

func (m *Memory) Fail(_ context.Context, id string) error {
	return m.finish(id, StateFailed)
}

func (m *Memory) finish(id string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(id)
	if !ok {
		return ErrNotFound
	}
	if e.progress.State != StateRunning {
		return ErrNotRunning
	}
	now := m.now()
	if state == StateCompleted {
		e.progress.Done = e.progress.Total
	}
	e.progress.State = state
	e.progress.UpdatedAt = now
	if m.retention > 0 {
		e.expires = now.Add(m.retention)
	}
	return nil
}

// lookup must be called with mu held. Expired entries are dropped on access.
func (m *Memory) lookup(id string) (*memoryEntry, bool) {
	e, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.jobs, id)
		return nil, false
	}
	return e, true
}

// Sweep evicts expired entries and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for id, e := range m.jobs {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Len returns the number of retained entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}
