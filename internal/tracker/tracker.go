// Package tracker records per-job chunk progress.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

var (
	ErrNotFound   = errors.New("job not found")
	ErrJobActive  = errors.New("job already running")
	ErrNotRunning = errors.New("job is not running")
)

type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further updates are accepted in this state.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Progress is a point-in-time view of one job. Done never exceeds Total.
type Progress struct {
	JobID     string    `json:"job_id"`
	Done      int       `json:"done"`
	Total     int       `json:"total"`
	State     State     `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Percent is floor(100*Done/Total). A job with no chunks reports 100.
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 100
	}
	return p.Done * 100 / p.Total
}

// Tracker is shared by all jobs in the process. Implementations are safe for
// concurrent use.
type Tracker interface {
	// Start registers a job with total chunks. It fails with ErrJobActive
	// while a job with the same id is still running.
	Start(ctx context.Context, id string, total int) error
	// Increment records one finished chunk.
	Increment(ctx context.Context, id string) (Progress, error)
	Snapshot(ctx context.Context, id string) (Progress, error)
	// Complete marks the job finished and sets Done to Total.
	Complete(ctx context.Context, id string) error
	// Fail marks the job failed. Done is left as is.
	Fail(ctx context.Context, id string) error
}

// Open builds the backend named by cfg.Backend.
func Open(cfg config.TrackerConfig) (Tracker, func() error, error) {
	retention := time.Duration(cfg.RetentionMS) * time.Millisecond
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(retention), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		store := NewRedis(client, WithRetention(retention), WithPrefix(cfg.RedisPrefix))
		return store, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown tracker backend %q", cfg.Backend)
	}
}
