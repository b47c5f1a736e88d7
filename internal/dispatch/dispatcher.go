// Package dispatch runs narration jobs: it chunks a document, fans chunks
// out to the synthesis client under the concurrency governor, collects the
// audio and merges it into one artifact.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-narrator/internal/chunker"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/governor"
	"github.com/loqalabs/loqa-narrator/internal/merge"
	"github.com/loqalabs/loqa-narrator/internal/spool"
	"github.com/loqalabs/loqa-narrator/internal/tracker"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

// Job is a narration request.
type Job struct {
	ID    string
	Text  string
	Voice string
}

// Artifact describes the merged audio of a finished job.
type Artifact struct {
	JobID    string
	Path     string
	Bytes    int64
	Chunks   int
	Duration time.Duration
}

// ChunkSynthesizer turns one chunk into audio, retrying as it sees fit.
type ChunkSynthesizer interface {
	Synthesize(ctx context.Context, jobID string, chunk chunker.Chunk, voice string) (tts.Result, error)
}

// Auditor persists the job timeline.
type Auditor interface {
	UpsertJob(ctx context.Context, job eventstore.JobRecord) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

type Options struct {
	Pipeline config.PipelineConfig
	Synth    ChunkSynthesizer
	Governor *governor.Governor
	Tracker  tracker.Tracker
	Spool    *spool.Spool
	Merger   merge.Concatenator
	Audit    Auditor
	NodeID   string
	Logger   *slog.Logger
}

type Dispatcher struct {
	cfg     config.PipelineConfig
	synth   ChunkSynthesizer
	gov     *governor.Governor
	tracker tracker.Tracker
	spool   *spool.Spool
	merger  merge.Concatenator
	audit   Auditor
	nodeID  string
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics
	active  atomic.Int64
}

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

func New(opts Options) (*Dispatcher, error) {
	switch {
	case opts.Synth == nil:
		return nil, errors.New("dispatch: synthesizer is required")
	case opts.Governor == nil:
		return nil, errors.New("dispatch: governor is required")
	case opts.Tracker == nil:
		return nil, errors.New("dispatch: tracker is required")
	case opts.Spool == nil:
		return nil, errors.New("dispatch: spool is required")
	case opts.Merger == nil:
		return nil, errors.New("dispatch: merger is required")
	}
	if opts.Pipeline.MaxChunkLength <= 0 {
		opts.Pipeline.MaxChunkLength = chunker.DefaultMaxLength
	}
	if opts.Pipeline.Format == "" {
		opts.Pipeline.Format = "mp3"
	}
	if opts.Pipeline.OutputDir == "" {
		return nil, errors.New("dispatch: output dir is required")
	}
	if err := os.MkdirAll(opts.Pipeline.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m, err := newMetrics(opts.Governor)
	if err != nil {
		return nil, fmt.Errorf("dispatch metrics: %w", err)
	}
	return &Dispatcher{
		cfg:     opts.Pipeline,
		synth:   opts.Synth,
		gov:     opts.Governor,
		tracker: opts.Tracker,
		spool:   opts.Spool,
		merger:  opts.Merger,
		audit:   opts.Audit,
		nodeID:  opts.NodeID,
		logger:  logger.With(slog.String("component", "dispatcher")),
		tracer:  otel.Tracer(instrumentationName),
		metrics: m,
	}, nil
}

// Submit runs a job to completion and returns its artifact.
func (d *Dispatcher) Submit(ctx context.Context, job Job) (Artifact, error) {
	p, err := d.Prepare(ctx, job)
	if err != nil {
		return Artifact{}, err
	}
	return p.Run(ctx)
}

// Progress returns the tracked progress of a job.
func (d *Dispatcher) Progress(ctx context.Context, id string) (tracker.Progress, error) {
	return d.tracker.Snapshot(ctx, id)
}

// ActiveJobs reports the number of jobs between admission and completion.
func (d *Dispatcher) ActiveJobs() int64 { return d.active.Load() }

// Pending is an admitted job that has been chunked and registered with the
// tracker but not yet dispatched. Run must be called exactly once.
type Pending struct {
	d       *Dispatcher
	job     Job
	chunks  []chunker.Chunk
	m       *machine
	started time.Time
	ran     atomic.Bool
}

// Prepare validates and chunks a job and registers it with the tracker.
// Errors returned here are rejections: nothing was dispatched and no
// progress entry was created.
func (d *Dispatcher) Prepare(ctx context.Context, job Job) (*Pending, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if !jobIDPattern.MatchString(job.ID) {
		return nil, &JobError{JobID: job.ID, State: StateChunking, Err: fmt.Errorf("%w: %q", ErrInvalidJobID, job.ID)}
	}
	if job.Voice == "" {
		job.Voice = d.cfg.DefaultVoice
	}
	logger := d.logger.With(slog.String("job_id", job.ID))
	started := time.Now()

	chunks, err := chunker.Split(job.Text, d.cfg.MaxChunkLength)
	if err != nil {
		logger.Warn("job rejected", slog.String("state", string(StateChunking)), slog.String("error", err.Error()))
		return nil, &JobError{JobID: job.ID, State: StateChunking, Err: err}
	}
	if err := d.tracker.Start(ctx, job.ID, len(chunks)); err != nil {
		logger.Warn("job rejected", slog.String("state", string(StateDispatching)), slog.String("error", err.Error()))
		return nil, &JobError{JobID: job.ID, State: StateDispatching, Err: err}
	}

	d.active.Add(1)
	d.recordJob(ctx, eventstore.JobRecord{JobID: job.ID, Voice: job.Voice, Chunks: len(chunks), State: string(StateChunking)})
	m := &machine{d: d, jobID: job.ID, state: StateChunking, logger: logger}
	if err := m.to(ctx, StateDispatching, ""); err != nil {
		return nil, err
	}
	logger.Info("job admitted", slog.Int("chunks", len(chunks)), slog.String("voice", job.Voice))
	return &Pending{d: d, job: job, chunks: chunks, m: m, started: started}, nil
}

func (p *Pending) JobID() string { return p.job.ID }
func (p *Pending) Chunks() int   { return len(p.chunks) }

// Run dispatches every chunk, waits for all of them and merges the audio.
// The first failing chunk cancels its siblings and fails the job.
func (p *Pending) Run(ctx context.Context) (Artifact, error) {
	if p.ran.Swap(true) {
		return Artifact{}, fmt.Errorf("job %s already ran", p.job.ID)
	}
	d := p.d
	defer d.active.Add(-1)

	ctx, span := d.tracer.Start(ctx, "narrator.job", trace.WithAttributes(
		attribute.String("narrator.job_id", p.job.ID),
		attribute.Int("narrator.chunks", len(p.chunks)),
	))
	defer span.End()

	if d.cfg.JobTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(d.cfg.JobTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	parts, err := p.dispatch(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Artifact{}, p.fail(ctx, err, parts)
	}
	artifact, err := p.merge(ctx, parts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Artifact{}, p.fail(ctx, err, parts)
	}
	span.SetAttributes(attribute.Int64("narrator.artifact_bytes", artifact.Bytes))
	return artifact, nil
}

func (p *Pending) dispatch(ctx context.Context) ([]spool.Part, error) {
	d := p.d
	gate := d.gov.ForJob()
	g, gctx := errgroup.WithContext(ctx)

	var (
		mu    sync.Mutex
		parts = make([]spool.Part, 0, len(p.chunks))
	)
	for _, chunk := range p.chunks {
		g.Go(func() error {
			release, err := gate.Acquire(gctx)
			if err != nil {
				return err
			}
			defer release()

			res, err := d.synth.Synthesize(gctx, p.job.ID, chunk, p.job.Voice)
			if err != nil {
				return err
			}
			part, err := d.spool.Write(p.job.ID, res.Index, d.cfg.Format, res.Audio)
			if err != nil {
				return err
			}
			mu.Lock()
			parts = append(parts, part)
			mu.Unlock()

			d.metrics.chunks.Add(gctx, 1)
			progress, err := d.tracker.Increment(gctx, p.job.ID)
			if err != nil {
				if errors.Is(err, tracker.ErrNotFound) || errors.Is(err, tracker.ErrNotRunning) {
					p.m.logger.Error("progress entry lost during job", slog.String("error", err.Error()))
					return fmt.Errorf("%w: %v", ErrInternal, err)
				}
				return err
			}
			p.m.logger.Debug("chunk done",
				slog.Int("chunk", res.Index),
				slog.Int("done", progress.Done),
				slog.Int("total", progress.Total),
			)
			return nil
		})
	}

	if err := p.m.to(ctx, StateCollecting, ""); err != nil {
		_ = g.Wait()
		return parts, err
	}
	err := g.Wait()
	return parts, err
}

func (p *Pending) merge(ctx context.Context, parts []spool.Part) (Artifact, error) {
	d := p.d
	if err := p.m.to(ctx, StateMerging, ""); err != nil {
		return Artifact{}, err
	}

	sort.SliceStable(parts, func(i, j int) bool { return parts[i].Index < parts[j].Index })
	if len(parts) != len(p.chunks) {
		return Artifact{}, &merge.MergeError{Cause: fmt.Errorf("have %d parts for %d chunks", len(parts), len(p.chunks))}
	}
	for i, part := range parts {
		if part.Index != i {
			return Artifact{}, &merge.MergeError{Cause: fmt.Errorf("part at position %d has index %d", i, part.Index)}
		}
	}

	tmp, err := os.CreateTemp(d.cfg.OutputDir, "."+p.job.ID+"-*.tmp")
	if err != nil {
		return Artifact{}, &merge.MergeError{Cause: err}
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := d.merger.Concat(ctx, parts, d.spool, tmp); err != nil {
		tmp.Close()
		var mergeErr *merge.MergeError
		if !errors.As(err, &mergeErr) {
			err = &merge.MergeError{Cause: err}
		}
		return Artifact{}, err
	}
	if err := tmp.Close(); err != nil {
		return Artifact{}, &merge.MergeError{Cause: err}
	}
	finalPath := filepath.Join(d.cfg.OutputDir, p.job.ID+"."+d.cfg.Format)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return Artifact{}, &merge.MergeError{Cause: err}
	}
	committed = true

	bg := context.WithoutCancel(ctx)
	if err := d.tracker.Complete(bg, p.job.ID); err != nil {
		_ = os.Remove(finalPath)
		p.m.logger.Error("progress entry lost during job", slog.String("error", err.Error()))
		return Artifact{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !d.cfg.KeepParts {
		if err := d.spool.Remove(parts); err != nil {
			p.m.logger.Warn("remove parts failed", slog.String("error", err.Error()))
		}
	}

	var size int64
	if info, err := os.Stat(finalPath); err == nil {
		size = info.Size()
	}
	artifact := Artifact{
		JobID:    p.job.ID,
		Path:     finalPath,
		Bytes:    size,
		Chunks:   len(p.chunks),
		Duration: time.Since(p.started),
	}
	d.recordJob(bg, eventstore.JobRecord{JobID: p.job.ID, Chunks: len(p.chunks), State: string(StateDone), ArtifactPath: finalPath})
	if err := p.m.to(bg, StateDone, ""); err != nil {
		return Artifact{}, err
	}
	d.metrics.finished(bg, StateDone, artifact.Duration.Seconds())
	p.m.logger.Info("job complete",
		slog.String("artifact", finalPath),
		slog.String("size", humanize.Bytes(uint64(size))),
		slog.Int("chunks", artifact.Chunks),
		slog.Duration("duration", artifact.Duration),
	)
	return artifact, nil
}

func (p *Pending) fail(ctx context.Context, cause error, parts []spool.Part) error {
	d := p.d
	bg := context.WithoutCancel(ctx)
	state := p.m.state
	jobErr := &JobError{JobID: p.job.ID, State: state, Err: cause}

	if len(parts) > 0 {
		if err := d.spool.Remove(parts); err != nil {
			p.m.logger.Warn("remove parts failed", slog.String("error", err.Error()))
		}
	}
	if err := d.tracker.Fail(bg, p.job.ID); err != nil {
		p.m.logger.Error("mark job failed", slog.String("error", err.Error()))
	}
	d.recordJob(bg, eventstore.JobRecord{JobID: p.job.ID, Chunks: len(p.chunks), State: string(StateFailed), Error: cause.Error()})
	if err := p.m.to(bg, StateFailed, cause.Error()); err != nil {
		p.m.logger.Error("failed transition rejected", slog.String("error", err.Error()))
	}
	d.metrics.finished(bg, StateFailed, time.Since(p.started).Seconds())
	p.m.logger.Error("job failed", slog.String("state", string(state)), slog.String("error", cause.Error()))
	return jobErr
}

// machine tracks one job's state. Only the goroutine running the job moves it.
type machine struct {
	d      *Dispatcher
	jobID  string
	state  State
	logger *slog.Logger
}

type transitionPayload struct {
	From  State  `json:"from"`
	To    State  `json:"to"`
	Error string `json:"error,omitempty"`
}

func (m *machine) to(ctx context.Context, next State, detail string) error {
	if !validTransition(m.state, next) {
		return transitionError{from: m.state, to: next}
	}
	from := m.state
	m.state = next
	m.logger.Info("job state changed", slog.String("from", string(from)), slog.String("to", string(next)))
	payload, _ := json.Marshal(transitionPayload{From: from, To: next, Error: detail})
	evt := eventstore.Event{JobID: m.jobID, Type: "job.state", Payload: payload}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		evt.TraceID = sc.TraceID().String()
	}
	m.d.recordEvent(ctx, evt)
	return nil
}

func (d *Dispatcher) recordJob(ctx context.Context, rec eventstore.JobRecord) {
	if d.audit == nil {
		return
	}
	rec.NodeID = d.nodeID
	if err := d.audit.UpsertJob(ctx, rec); err != nil {
		d.logger.Warn("audit job failed", slog.String("job_id", rec.JobID), slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) recordEvent(ctx context.Context, evt eventstore.Event) {
	if d.audit == nil {
		return
	}
	evt.NodeID = d.nodeID
	if err := d.audit.AppendEvent(ctx, evt); err != nil {
		d.logger.Warn("audit event failed", slog.String("job_id", evt.JobID), slog.String("error", err.Error()))
	}
}
