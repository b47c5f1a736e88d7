package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/dispatch"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/governor"
	"github.com/loqalabs/loqa-narrator/internal/merge"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/spool"
	"github.com/loqalabs/loqa-narrator/internal/tracker"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

type harness struct {
	svc    *Service
	bus    *bus.Client
	outDir string
	store  *eventstore.Store
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := discardLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func newHarness(t *testing.T, synth tts.Synthesizer, tune ...func(*config.PipelineConfig)) harness {
	t.Helper()
	ctx := context.Background()
	logger := discardLogger()
	busClient := startBus(t)

	client, err := tts.NewClient(synth, tts.ClientOptions{MaxAttempts: 1, BackoffStep: time.Millisecond, Logger: logger})
	require.NoError(t, err)
	gov, err := governor.New(15, 5)
	require.NoError(t, err)
	sp, err := spool.New(filepath.Join(t.TempDir(), "parts"), false)
	require.NoError(t, err)
	store, err := eventstore.Open(ctx, config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pipeline := config.Default().Pipeline
	pipeline.MaxChunkLength = 12
	pipeline.OutputDir = filepath.Join(t.TempDir(), "out")
	pipeline.Format = "mp3"
	for _, fn := range tune {
		fn(&pipeline)
	}

	d, err := dispatch.New(dispatch.Options{
		Pipeline: pipeline,
		Synth:    client,
		Governor: gov,
		Tracker:  tracker.NewMemory(time.Hour),
		Spool:    sp,
		Merger:   merge.MP3{},
		Audit:    store,
		NodeID:   "node-test",
		Logger:   logger,
	})
	require.NoError(t, err)

	svc := NewService(ctx, busClient, d, Options{History: store, StatusRetention: time.Hour}, logger)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	assert.True(t, svc.Healthy())

	return harness{svc: svc, bus: busClient, outDir: pipeline.OutputDir, store: store}
}

func submit(t *testing.T, h harness, req protocol.SubmitRequest) protocol.SubmitReply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var reply protocol.SubmitReply
	require.NoError(t, h.bus.RequestJSON(ctx, protocol.SubjectJobSubmit, req, &reply))
	return reply
}

// waitStatus blocks until a terminal status for jobID is stored in the status
// stream.
func waitStatus(t *testing.T, h harness, jobID string) protocol.JobStatus {
	t.Helper()
	var status protocol.JobStatus
	require.Eventually(t, func() bool {
		msg, err := h.bus.LastMessage(protocol.StreamJobStatus, protocol.StatusSubject(jobID))
		if err != nil {
			return false
		}
		if err := json.Unmarshal(msg.Data, &status); err != nil {
			return false
		}
		return status.State != protocol.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)
	return status
}

func TestSubmitRunsJobAndPublishesStatus(t *testing.T) {
	h := newHarness(t, tts.NewMockSynth("mp3", 0))

	statuses := make(chan protocol.JobStatus, 4)
	sub, err := h.bus.Conn().Subscribe(protocol.StatusSubject("doc-1"), func(msg *nats.Msg) {
		var s protocol.JobStatus
		if json.Unmarshal(msg.Data, &s) == nil {
			statuses <- s
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	reply := submit(t, h, protocol.SubmitRequest{JobID: "doc-1", Text: "First paragraph.\n\nSecond one.\n\nThird."})
	require.True(t, reply.Accepted, reply.Error)
	assert.Equal(t, "doc-1", reply.JobID)
	assert.Equal(t, 3, reply.Chunks)

	status := waitStatus(t, h, "doc-1")
	assert.Equal(t, protocol.StatusDone, status.State)
	assert.Equal(t, 3, status.Chunks)
	assert.Equal(t, filepath.Join(h.outDir, "doc-1.mp3"), status.ArtifactPath)
	info, err := os.Stat(status.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), status.Bytes)

	first := <-statuses
	assert.Equal(t, protocol.StatusRunning, first.State)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var progress protocol.ProgressReply
	require.NoError(t, h.bus.RequestJSON(ctx, protocol.SubjectJobProgress, protocol.ProgressRequest{JobID: "doc-1"}, &progress))
	assert.Equal(t, 3, progress.Done)
	assert.Equal(t, 3, progress.Total)
	assert.Equal(t, 100, progress.Percent)
	assert.Equal(t, string(tracker.StateCompleted), progress.State)

	var history protocol.HistoryReply
	require.NoError(t, h.bus.RequestJSON(ctx, protocol.SubjectJobHistory, protocol.HistoryRequest{JobID: "doc-1"}, &history))
	require.NotNil(t, history.Job)
	assert.Equal(t, string(dispatch.StateDone), history.Job.State)
	assert.Equal(t, "node-test", history.Job.NodeID)
	assert.NotEmpty(t, history.Events)
}

func TestSubmitGeneratesJobID(t *testing.T) {
	h := newHarness(t, tts.NewMockSynth("mp3", 0))
	reply := submit(t, h, protocol.SubmitRequest{Text: "Hello there."})
	require.True(t, reply.Accepted)
	assert.NotEmpty(t, reply.JobID)
	assert.Equal(t, protocol.StatusDone, waitStatus(t, h, reply.JobID).State)
}

func TestSubmitRejections(t *testing.T) {
	h := newHarness(t, tts.NewMockSynth("mp3", 0))

	reply := submit(t, h, protocol.SubmitRequest{JobID: "empty", Text: "  \n\n "})
	assert.False(t, reply.Accepted)
	assert.Equal(t, protocol.CodeEmptyInput, reply.ErrorCode)

	reply = submit(t, h, protocol.SubmitRequest{JobID: "../escape", Text: "hi"})
	assert.False(t, reply.Accepted)
	assert.Equal(t, protocol.CodeInvalidRequest, reply.ErrorCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := h.bus.Conn().RequestWithContext(ctx, protocol.SubjectJobSubmit, []byte("{not json"))
	require.NoError(t, err)
	var bad protocol.SubmitReply
	require.NoError(t, json.Unmarshal(msg.Data, &bad))
	assert.Equal(t, protocol.CodeInvalidRequest, bad.ErrorCode)
}

func TestDuplicateActiveJob(t *testing.T) {
	release := make(chan struct{})
	synth := tts.SynthesizerFunc(func(ctx context.Context, req tts.Request) ([]byte, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return tts.NewMockSynth("mp3", 0).Synthesize(ctx, req)
	})
	h := newHarness(t, synth)

	first := submit(t, h, protocol.SubmitRequest{JobID: "dup", Text: "Slow job."})
	require.True(t, first.Accepted)
	second := submit(t, h, protocol.SubmitRequest{JobID: "dup", Text: "Again."})
	assert.False(t, second.Accepted)
	assert.Equal(t, protocol.CodeJobActive, second.ErrorCode)
	assert.Equal(t, "dup", second.JobID)

	close(release)
	assert.Equal(t, protocol.StatusDone, waitStatus(t, h, "dup").State)
}

func TestSynthesisFailureReportsChunk(t *testing.T) {
	var calls atomic.Int32
	synth := tts.SynthesizerFunc(func(ctx context.Context, req tts.Request) ([]byte, error) {
		calls.Add(1)
		if req.ChunkIndex == 1 {
			return nil, errors.New("voice unavailable")
		}
		return tts.NewMockSynth("mp3", 0).Synthesize(ctx, req)
	})
	h := newHarness(t, synth)

	reply := submit(t, h, protocol.SubmitRequest{JobID: "broken", Text: "Chunk zero.\n\nChunk one.\n\nChunk two."})
	require.True(t, reply.Accepted)

	status := waitStatus(t, h, "broken")
	assert.Equal(t, protocol.StatusFailed, status.State)
	assert.Equal(t, protocol.CodeSynthesisFailed, status.ErrorCode)
	require.NotNil(t, status.FailedChunk)
	assert.Equal(t, 1, *status.FailedChunk)
	assert.True(t, strings.Contains(status.Error, "voice unavailable"))

	_, err := os.Stat(filepath.Join(h.outDir, "broken.mp3"))
	assert.True(t, os.IsNotExist(err))
}

func TestJobTimeoutReportsTimeout(t *testing.T) {
	synth := tts.SynthesizerFunc(func(ctx context.Context, req tts.Request) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, synth, func(c *config.PipelineConfig) { c.JobTimeoutMS = 20 })

	reply := submit(t, h, protocol.SubmitRequest{JobID: "slow", Text: "Chunk zero.\n\nChunk one."})
	require.True(t, reply.Accepted, reply.Error)

	status := waitStatus(t, h, "slow")
	assert.Equal(t, protocol.StatusFailed, status.State)
	assert.Equal(t, protocol.CodeTimeout, status.ErrorCode)
	assert.Nil(t, status.FailedChunk)
}

func TestSubmitAfterCloseIsRejected(t *testing.T) {
	var calls atomic.Int32
	synth := tts.SynthesizerFunc(func(ctx context.Context, req tts.Request) ([]byte, error) {
		calls.Add(1)
		return tts.NewMockSynth("mp3", 0).Synthesize(ctx, req)
	})
	h := newHarness(t, synth)

	// A handler that was already running when Close began.
	h.svc.Close()
	assert.False(t, h.svc.Healthy())

	inbox := nats.NewInbox()
	replies, err := h.bus.Conn().SubscribeSync(inbox)
	require.NoError(t, err)
	data, err := json.Marshal(protocol.SubmitRequest{JobID: "late", Text: "Too late."})
	require.NoError(t, err)
	h.svc.handleSubmit(&nats.Msg{Subject: protocol.SubjectJobSubmit, Reply: inbox, Data: data})

	msg, err := replies.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var reply protocol.SubmitReply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	assert.False(t, reply.Accepted)
	assert.Equal(t, protocol.CodeInternal, reply.ErrorCode)
	assert.Equal(t, "late", reply.JobID)

	_, err = h.bus.LastMessage(protocol.StreamJobStatus, protocol.StatusSubject("late"))
	assert.Error(t, err)
	assert.Zero(t, calls.Load())
	assert.False(t, h.svc.begin())
}

func TestProgressUnknownJob(t *testing.T) {
	h := newHarness(t, tts.NewMockSynth("mp3", 0))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var progress protocol.ProgressReply
	require.NoError(t, h.bus.RequestJSON(ctx, protocol.SubjectJobProgress, protocol.ProgressRequest{JobID: "ghost"}, &progress))
	assert.Equal(t, protocol.CodeNotFound, progress.ErrorCode)

	var history protocol.HistoryReply
	require.NoError(t, h.bus.RequestJSON(ctx, protocol.SubjectJobHistory, protocol.HistoryRequest{JobID: "ghost"}, &history))
	assert.Equal(t, protocol.CodeNotFound, history.ErrorCode)
}

func TestErrorCode(t *testing.T) {
	code, failed := errorCode(&dispatch.JobError{JobID: "j", State: dispatch.StateDispatching, Err: &tts.SynthesisError{ChunkIndex: 4, Attempts: 3, Cause: errors.New("boom")}})
	assert.Equal(t, protocol.CodeSynthesisFailed, code)
	require.NotNil(t, failed)
	assert.Equal(t, 4, *failed)

	code, _ = errorCode(fmt.Errorf("merge: %w", &merge.MergeError{Cause: merge.ErrIncompatible}))
	assert.Equal(t, protocol.CodeMergeFailed, code)

	code, _ = errorCode(fmt.Errorf("%w: %v", dispatch.ErrInternal, tracker.ErrNotFound))
	assert.Equal(t, protocol.CodeInternal, code)

	code, _ = errorCode(fmt.Errorf("wait: %w", context.DeadlineExceeded))
	assert.Equal(t, protocol.CodeTimeout, code)
}
