package tts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-narrator/internal/chunker"
)

type retryRecorder struct {
	mu     sync.Mutex
	events []RetryEvent
}

func (r *retryRecorder) record(ev RetryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *retryRecorder) waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Wait)
	}
	return out
}

func TestClientExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	synth := SynthesizerFunc(func(ctx context.Context, req Request) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("quota exceeded: 0 characters remaining")
	})
	rec := &retryRecorder{}
	client, err := NewClient(synth, ClientOptions{MaxAttempts: 3, BackoffStep: time.Millisecond, OnRetry: rec.record})
	require.NoError(t, err)

	_, err = client.Synthesize(context.Background(), "job", chunker.Chunk{Index: 4, Text: "hello"}, "v")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.ErrorIs(t, err, ErrSynthesisFailed)

	var synthErr *SynthesisError
	require.ErrorAs(t, err, &synthErr)
	assert.Equal(t, 4, synthErr.ChunkIndex)
	assert.Equal(t, 3, synthErr.Attempts)
	assert.Contains(t, synthErr.Error(), "quota exceeded: 0 characters remaining")

	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, rec.waits())
}

func TestClientSucceedsOnThirdAttempt(t *testing.T) {
	var calls atomic.Int32
	synth := SynthesizerFunc(func(ctx context.Context, req Request) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("503 service unavailable")
		}
		return []byte("audio-" + req.Text), nil
	})
	client, err := NewClient(synth, ClientOptions{MaxAttempts: 3, BackoffStep: time.Millisecond})
	require.NoError(t, err)

	res, err := client.Synthesize(context.Background(), "job", chunker.Chunk{Index: 2, Text: "x"}, "v")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, res.Index)
	assert.Equal(t, []byte("audio-x"), res.Audio)
}

func TestClientTreatsEmptyAudioAsFailure(t *testing.T) {
	var calls atomic.Int32
	synth := SynthesizerFunc(func(ctx context.Context, req Request) ([]byte, error) {
		if calls.Add(1) == 1 {
			return []byte{}, nil
		}
		return []byte{1}, nil
	})
	client, err := NewClient(synth, ClientOptions{MaxAttempts: 2})
	require.NoError(t, err)

	res, err := client.Synthesize(context.Background(), "job", chunker.Chunk{Index: 0, Text: "x"}, "v")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []byte{1}, res.Audio)
}

func TestClientStopsOnCancellation(t *testing.T) {
	var calls atomic.Int32
	synth := SynthesizerFunc(func(ctx context.Context, req Request) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, err := NewClient(synth, ClientOptions{
		MaxAttempts: 3,
		BackoffStep: time.Hour,
		OnRetry:     func(RetryEvent) { cancel() },
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := client.Synthesize(ctx, "job", chunker.Chunk{Index: 1, Text: "x"}, "v")
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrSynthesisFailed)
		var synthErr *SynthesisError
		assert.False(t, errors.As(err, &synthErr))
		assert.Equal(t, int32(1), calls.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("synthesis did not stop after cancellation")
	}
}

func TestClientRateLimit(t *testing.T) {
	var calls atomic.Int32
	synth := SynthesizerFunc(func(ctx context.Context, req Request) ([]byte, error) {
		calls.Add(1)
		return []byte{1}, nil
	})
	client, err := NewClient(synth, ClientOptions{MaxAttempts: 1, RequestsPerMinute: 1})
	require.NoError(t, err)

	_, err = client.Synthesize(context.Background(), "job", chunker.Chunk{Index: 0, Text: "a"}, "v")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Synthesize(ctx, "job", chunker.Chunk{Index: 1, Text: "b"}, "v")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil, ClientOptions{MaxAttempts: 1})
	assert.Error(t, err)
	_, err = NewClient(NewMockSynth("mp3", 0), ClientOptions{})
	assert.Error(t, err)
}

func TestLinearBackOff(t *testing.T) {
	b := &linearBackOff{step: 2 * time.Second}
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 4*time.Second, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 2*time.Second, b.NextBackOff())
}
