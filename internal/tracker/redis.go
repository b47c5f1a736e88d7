package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores progress in one hash per job so several narrator nodes can
// share a view of running jobs. Terminal entries expire after the retention
// period.
type Redis struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
}

type RedisOption func(*Redis)

func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func WithRetention(retention time.Duration) RedisOption {
	return func(r *Redis) {
		r.retention = retention
	}
}

func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client:    client,
		prefix:    "narrator",
		retention: time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	startScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'running' then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'done', 0, 'total', ARGV[1], 'state', 'running', 'updated', ARGV[2])
return 1
`)

	incrementScript = redis.NewScript(`
local vals = redis.call('HMGET', KEYS[1], 'state', 'done', 'total')
if not vals[1] then
  return {-1, 0}
end
if vals[1] ~= 'running' then
  return {-2, 0}
end
local done = tonumber(vals[2])
local total = tonumber(vals[3])
if done < total then
  done = redis.call('HINCRBY', KEYS[1], 'done', 1)
end
redis.call('HSET', KEYS[1], 'updated', ARGV[1])
return {done, total}
`)

	finishScript = redis.NewScript(`
local vals = redis.call('HMGET', KEYS[1], 'state', 'total')
if not vals[1] then
  return -1
end
if vals[1] ~= 'running' then
  return -2
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'updated', ARGV[2])
if ARGV[3] == '1' then
  redis.call('HSET', KEYS[1], 'done', vals[2])
end
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)
)

func (r *Redis) key(id string) string {
	return r.prefix + ":job:" + id
}

func (r *Redis) Start(ctx context.Context, id string, total int) error {
	ok, err := startScript.Run(ctx, r.client, []string{r.key(id)}, total, r.now().UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("redis start: %w", err)
	}
	if ok == 0 {
		return ErrJobActive
	}
	return nil
}

func (r *Redis) Increment(ctx context.Context, id string) (Progress, error) {
	now := r.now()
	vals, err := incrementScript.Run(ctx, r.client, []string{r.key(id)}, now.UnixMilli()).Int64Slice()
	if err != nil {
		return Progress{}, fmt.Errorf("redis increment: %w", err)
	}
	switch vals[0] {
	case -1:
		return Progress{}, ErrNotFound
	case -2:
		return Progress{}, ErrNotRunning
	}
	return Progress{
		JobID:     id,
		Done:      int(vals[0]),
		Total:     int(vals[1]),
		State:     StateRunning,
		UpdatedAt: time.UnixMilli(now.UnixMilli()),
	}, nil
}

func (r *Redis) Snapshot(ctx context.Context, id string) (Progress, error) {
	fields, err := r.client.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Progress{}, ErrNotFound
		}
		return Progress{}, fmt.Errorf("redis snapshot: %w", err)
	}
	if len(fields) == 0 {
		return Progress{}, ErrNotFound
	}
	done, _ := strconv.Atoi(fields["done"])
	total, _ := strconv.Atoi(fields["total"])
	updated, _ := strconv.ParseInt(fields["updated"], 10, 64)
	return Progress{
		JobID:     id,
		Done:      done,
		Total:     total,
		State:     State(fields["state"]),
		UpdatedAt: time.UnixMilli(updated),
	}, nil
}

func (r *Redis) Complete(ctx context.Context, id string) error {
	return r.finish(ctx, id, StateCompleted)
}

func (r *Redis) Fail(ctx context.Context, id string) error {
	return r.finish(ctx, id, StateFailed)
}

func (r *Redis) finish(ctx context.Context, id string, state State) error {
	setDone := "0"
	if state == StateCompleted {
		setDone = "1"
	}
	res, err := finishScript.Run(ctx, r.client, []string{r.key(id)},
		string(state), r.now().UnixMilli(), setDone, r.retention.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis %s: %w", state, err)
	}
	switch res {
	case -1:
		return ErrNotFound
	case -2:
		return ErrNotRunning
	}
	return nil
}
