// Package jobs exposes the dispatcher on the bus.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/chunker"
	"github.com/loqalabs/loqa-narrator/internal/dispatch"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/merge"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/tracker"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

var errShuttingDown = errors.New("service is shutting down")

// History reads the audit timeline. *eventstore.Store satisfies it.
type History interface {
	GetJob(ctx context.Context, jobID string) (eventstore.JobRecord, error)
	ListJobEvents(ctx context.Context, jobID string, limit int) ([]eventstore.Event, error)
}

type Options struct {
	QueueGroup string
	// StatusRetention bounds how long job statuses stay in the status stream.
	StatusRetention time.Duration
	History         History
}

type Service struct {
	bus        *bus.Client
	dispatcher *dispatch.Dispatcher
	history    History
	opts       Options
	subs       []*nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
	ready      atomic.Bool
	logger     *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, d *dispatch.Dispatcher, opts Options, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if opts.QueueGroup == "" {
		opts.QueueGroup = "narrator"
	}
	return &Service{
		bus:        busClient,
		dispatcher: d,
		history:    opts.History,
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With(slog.String("component", "jobs-service")),
	}
}

func (s *Service) Start() error {
	if err := s.bus.EnsureStream(protocol.StreamJobStatus, []string{protocol.SubjectJobStatusPrefix + ".*"}, s.opts.StatusRetention); err != nil {
		return err
	}
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectJobSubmit:   s.handleSubmit,
		protocol.SubjectJobProgress: s.handleProgress,
		protocol.SubjectJobHistory:  s.handleHistory,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().QueueSubscribe(subject, s.opts.QueueGroup, handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.ready.Store(true)
	return nil
}

// Close stops accepting requests and waits for running jobs to finish.
// Running jobs see their context cancelled.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.ready.Store(false)
	s.unsubscribe()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready.Load()
}

// begin registers a job with the shutdown wait group. It fails once Close
// has started.
func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) handleSubmit(msg *nats.Msg) {
	var req protocol.SubmitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode submit request", slogError(err))
		s.respond(msg, protocol.SubmitReply{Error: err.Error(), ErrorCode: protocol.CodeInvalidRequest})
		return
	}

	if !s.begin() {
		s.respond(msg, protocol.SubmitReply{JobID: req.JobID, Error: errShuttingDown.Error(), ErrorCode: protocol.CodeInternal})
		return
	}
	ctx := bus.ExtractTrace(s.ctx, msg)
	pending, err := s.dispatcher.Prepare(ctx, dispatch.Job{ID: req.JobID, Text: req.Text, Voice: req.Voice})
	if err != nil {
		s.wg.Done()
		code, _ := errorCode(err)
		s.respond(msg, protocol.SubmitReply{JobID: jobIDOf(err, req.JobID), Error: err.Error(), ErrorCode: code})
		return
	}

	jobID := pending.JobID()
	s.respond(msg, protocol.SubmitReply{JobID: jobID, Accepted: true, Chunks: pending.Chunks()})
	s.publishStatus(protocol.JobStatus{JobID: jobID, State: protocol.StatusRunning, Chunks: pending.Chunks()})

	go func() {
		defer s.wg.Done()
		artifact, err := pending.Run(ctx)
		if err != nil {
			code, failed := errorCode(err)
			s.publishStatus(protocol.JobStatus{
				JobID:       jobID,
				State:       protocol.StatusFailed,
				Chunks:      pending.Chunks(),
				Error:       err.Error(),
				ErrorCode:   code,
				FailedChunk: failed,
			})
			return
		}
		s.publishStatus(protocol.JobStatus{
			JobID:        jobID,
			State:        protocol.StatusDone,
			ArtifactPath: artifact.Path,
			Bytes:        artifact.Bytes,
			Chunks:       artifact.Chunks,
			DurationMS:   artifact.Duration.Milliseconds(),
		})
	}()
}

func (s *Service) handleProgress(msg *nats.Msg) {
	var req protocol.ProgressRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.ProgressReply{Error: err.Error(), ErrorCode: protocol.CodeInvalidRequest})
		return
	}
	p, err := s.dispatcher.Progress(s.ctx, req.JobID)
	if err != nil {
		code, _ := errorCode(err)
		s.respond(msg, protocol.ProgressReply{JobID: req.JobID, Error: err.Error(), ErrorCode: code})
		return
	}
	s.respond(msg, protocol.ProgressReply{
		JobID:     p.JobID,
		Done:      p.Done,
		Total:     p.Total,
		Percent:   p.Percent(),
		State:     string(p.State),
		UpdatedAt: p.UpdatedAt,
	})
}

func (s *Service) handleHistory(msg *nats.Msg) {
	var req protocol.HistoryRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.HistoryReply{Error: err.Error(), ErrorCode: protocol.CodeInvalidRequest})
		return
	}
	if s.history == nil {
		s.respond(msg, protocol.HistoryReply{Error: "audit timeline disabled", ErrorCode: protocol.CodeNotFound})
		return
	}
	rec, err := s.history.GetJob(s.ctx, req.JobID)
	if err != nil {
		code := protocol.CodeInternal
		if errors.Is(err, eventstore.ErrJobNotFound) {
			code = protocol.CodeNotFound
		}
		s.respond(msg, protocol.HistoryReply{Error: err.Error(), ErrorCode: code})
		return
	}
	events, err := s.history.ListJobEvents(s.ctx, req.JobID, req.Limit)
	if err != nil {
		s.respond(msg, protocol.HistoryReply{Error: err.Error(), ErrorCode: protocol.CodeInternal})
		return
	}
	reply := protocol.HistoryReply{Job: &protocol.JobRecord{
		JobID:        rec.JobID,
		NodeID:       rec.NodeID,
		Voice:        rec.Voice,
		Chunks:       rec.Chunks,
		State:        rec.State,
		ArtifactPath: rec.ArtifactPath,
		Error:        rec.Error,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}}
	for _, evt := range events {
		reply.Events = append(reply.Events, protocol.HistoryEvent{
			Type:      evt.Type,
			TraceID:   evt.TraceID,
			Payload:   evt.Payload,
			CreatedAt: evt.CreatedAt,
		})
	}
	s.respond(msg, reply)
}

func (s *Service) publishStatus(status protocol.JobStatus) {
	status.Timestamp = time.Now().UTC()
	if err := s.bus.PersistJSON(protocol.StatusSubject(status.JobID), status); err != nil {
		s.logger.Warn("failed to publish job status", slog.String("job_id", status.JobID), slogError(err))
	}
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode reply", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(msg.Reply, data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

// errorCode maps a job error to its wire code and, for synthesis failures,
// the index of the chunk that failed.
func errorCode(err error) (string, *int) {
	var synthErr *tts.SynthesisError
	var mergeErr *merge.MergeError
	switch {
	case errors.Is(err, dispatch.ErrInternal):
		return protocol.CodeInternal, nil
	case errors.Is(err, chunker.ErrEmptyInput):
		return protocol.CodeEmptyInput, nil
	case errors.Is(err, dispatch.ErrInvalidJobID):
		return protocol.CodeInvalidRequest, nil
	case errors.Is(err, tracker.ErrJobActive):
		return protocol.CodeJobActive, nil
	case errors.Is(err, tracker.ErrNotFound):
		return protocol.CodeNotFound, nil
	case errors.As(err, &synthErr):
		idx := synthErr.ChunkIndex
		return protocol.CodeSynthesisFailed, &idx
	case errors.As(err, &mergeErr):
		return protocol.CodeMergeFailed, nil
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeTimeout, nil
	default:
		return protocol.CodeInternal, nil
	}
}

func jobIDOf(err error, fallback string) string {
	var jobErr *dispatch.JobError
	if errors.As(err, &jobErr) {
		return jobErr.JobID
	}
	return fallback
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
