package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-narrator/internal/chunker"
)

const instrumentationName = "github.com/loqalabs/loqa-narrator/internal/tts"

// Result is the audio for one chunk. Index is copied from the chunk.
type Result struct {
	Index int
	Audio []byte
}

// RetryEvent describes a failed attempt that will be retried after Wait.
type RetryEvent struct {
	JobID      string
	ChunkIndex int
	Attempt    int
	Err        error
	Wait       time.Duration
}

type ClientOptions struct {
	MaxAttempts       int
	BackoffStep       time.Duration
	RequestsPerMinute int
	Logger            *slog.Logger
	OnRetry           func(RetryEvent)
}

// Client wraps a Synthesizer with a bounded linear retry policy and an
// optional request rate limit.
type Client struct {
	synth       Synthesizer
	maxAttempts int
	step        time.Duration
	limiter     *rate.Limiter
	logger      *slog.Logger
	onRetry     func(RetryEvent)

	tracer   trace.Tracer
	attempts metric.Int64Counter
}

func NewClient(synth Synthesizer, opts ClientOptions) (*Client, error) {
	if synth == nil {
		return nil, errors.New("synthesizer is required")
	}
	if opts.MaxAttempts <= 0 {
		return nil, errors.New("max attempts must be positive")
	}
	if opts.BackoffStep < 0 {
		return nil, errors.New("backoff step must not be negative")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		synth:       synth,
		maxAttempts: opts.MaxAttempts,
		step:        opts.BackoffStep,
		logger:      logger.With(slog.String("component", "synthesis-client")),
		onRetry:     opts.OnRetry,
		tracer:      otel.Tracer(instrumentationName),
	}
	if opts.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	counter, err := otel.Meter(instrumentationName).Int64Counter(
		"narrator.synth.attempts",
		metric.WithDescription("Synthesis attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create attempts counter: %w", err)
	}
	c.attempts = counter
	return c, nil
}

// Synthesize converts one chunk into audio. It makes at most MaxAttempts
// calls to the backend, waiting step*n after the n-th failure.
func (c *Client) Synthesize(ctx context.Context, jobID string, chunk chunker.Chunk, voice string) (Result, error) {
	req := Request{JobID: jobID, ChunkIndex: chunk.Index, Text: chunk.Text, Voice: voice}
	attempt := 0

	operation := func() ([]byte, error) {
		attempt++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		return c.attempt(ctx, req, attempt)
	}

	audio, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&linearBackOff{step: c.step}),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("synthesis attempt failed",
				slog.String("job_id", jobID),
				slog.Int("chunk", chunk.Index),
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", wait),
				slog.String("error", err.Error()),
			)
			if c.onRetry != nil {
				c.onRetry(RetryEvent{JobID: jobID, ChunkIndex: chunk.Index, Attempt: attempt, Err: err, Wait: wait})
			}
		}),
	)
	if err != nil {
		// An expired or cancelled caller is not a chunk failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, &SynthesisError{ChunkIndex: chunk.Index, Attempts: attempt, Cause: err}
	}
	return Result{Index: chunk.Index, Audio: audio}, nil
}

func (c *Client) attempt(ctx context.Context, req Request, attempt int) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "tts.synthesize",
		trace.WithAttributes(
			attribute.String("narrator.job_id", req.JobID),
			attribute.Int("narrator.chunk", req.ChunkIndex),
			attribute.Int("narrator.attempt", attempt),
		),
	)
	defer span.End()

	audio, err := c.synth.Synthesize(ctx, req)
	if err == nil && len(audio) == 0 {
		err = ErrEmptyAudio
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failure")))
		return nil, err
	}
	span.SetAttributes(attribute.Int("narrator.audio_bytes", len(audio)))
	c.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))
	return audio, nil
}

// linearBackOff waits step, 2*step, 3*step and so on.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.step * time.Duration(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }
