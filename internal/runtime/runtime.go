package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/capability"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/dispatch"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/governor"
	"github.com/loqalabs/loqa-narrator/internal/jobs"
	"github.com/loqalabs/loqa-narrator/internal/merge"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/spool"
	"github.com/loqalabs/loqa-narrator/internal/tracker"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

const (
	prunerInterval  = time.Hour
	sweeperInterval = time.Minute
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats         *natsserver.EmbeddedServer
	bus          *bus.Client
	store        *eventstore.Store
	trackerClose func() error
	spool        *spool.Spool
	jobs         *jobs.Service
	registry     *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		cancel()
		r.stopComponents()
		r.wg.Wait()
		r.closeTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer)

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              bind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("node_id", r.cfg.Node.ID))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.stopComponents()
	r.wg.Wait()
	r.closeTelemetry()

	return nil
}

func (r *Runtime) serve(srv *http.Server) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}()
}

// startComponents builds the pipeline leaf first and exposes it on the bus.
func (r *Runtime) startComponents(ctx context.Context) error {
	cfg := r.cfg

	nats, err := natsserver.Start(cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = nats
	busCfg := cfg.Bus
	if url := nats.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return err
	}
	r.goRun(func() { r.store.RunPruner(ctx, prunerInterval) })

	progress, closeTracker, err := tracker.Open(cfg.Tracker)
	if err != nil {
		return err
	}
	r.trackerClose = closeTracker
	if mem, ok := progress.(*tracker.Memory); ok {
		r.goRun(func() { mem.Run(ctx, sweeperInterval) })
	}

	r.spool, err = spool.New(cfg.Spool.Dir, cfg.Spool.Compress)
	if err != nil {
		return err
	}
	merger, err := merge.New(cfg.Merge, cfg.Pipeline.Format)
	if err != nil {
		return err
	}

	synth, err := tts.New(cfg.Synth, cfg.Pipeline.Format)
	if err != nil {
		return err
	}
	client, err := tts.NewClient(synth, tts.ClientOptions{
		MaxAttempts:       cfg.Pipeline.MaxAttempts,
		BackoffStep:       time.Duration(cfg.Pipeline.BackoffStepMS) * time.Millisecond,
		RequestsPerMinute: cfg.Synth.RequestsPerMinute,
		Logger:            r.logger,
		OnRetry:           r.auditRetry(ctx),
	})
	if err != nil {
		return err
	}

	gov, err := governor.New(cfg.Pipeline.GlobalConcurrency, cfg.Pipeline.JobConcurrency)
	if err != nil {
		return err
	}
	d, err := dispatch.New(dispatch.Options{
		Pipeline: cfg.Pipeline,
		Synth:    client,
		Governor: gov,
		Tracker:  progress,
		Spool:    r.spool,
		Merger:   merger,
		Audit:    r.store,
		NodeID:   cfg.Node.ID,
		Logger:   r.logger,
	})
	if err != nil {
		return err
	}

	r.jobs = jobs.NewService(ctx, r.bus, d, jobs.Options{
		QueueGroup:      cfg.Bus.QueueGroup,
		StatusRetention: time.Duration(cfg.Tracker.RetentionMS) * time.Millisecond,
		History:         r.store,
	}, r.logger)
	if err := r.jobs.Start(); err != nil {
		return err
	}

	global, _ := gov.Limits()
	r.registry, err = capability.NewRegistry(ctx, cfg.Node, r.bus, func() capability.Load {
		return capability.Load{
			ActiveJobs: d.ActiveJobs(),
			InFlight:   gov.InFlight(),
			Capacity:   int64(global),
		}
	}, r.logger)
	return err
}

// stopComponents tears down in reverse start order. Jobs still running are
// cancelled and allowed to record their failure first.
func (r *Runtime) stopComponents() {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.jobs != nil {
		r.jobs.Close()
	}
	var errs []error
	if r.spool != nil {
		errs = append(errs, r.spool.Close())
	}
	if r.trackerClose != nil {
		errs = append(errs, r.trackerClose())
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("component shutdown error", slog.String("error", err.Error()))
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) goRun(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

type retryPayload struct {
	ChunkIndex int    `json:"chunk_index"`
	Attempt    int    `json:"attempt"`
	WaitMS     int64  `json:"wait_ms"`
	Error      string `json:"error"`
}

// auditRetry records every retried synthesis attempt on the job timeline.
func (r *Runtime) auditRetry(ctx context.Context) func(tts.RetryEvent) {
	return func(evt tts.RetryEvent) {
		payload, _ := json.Marshal(retryPayload{
			ChunkIndex: evt.ChunkIndex,
			Attempt:    evt.Attempt,
			WaitMS:     evt.Wait.Milliseconds(),
			Error:      evt.Err.Error(),
		})
		err := r.store.AppendEvent(context.WithoutCancel(ctx), eventstore.Event{
			JobID:   evt.JobID,
			NodeID:  r.cfg.Node.ID,
			Type:    "chunk.retry",
			Payload: payload,
		})
		if err != nil {
			r.logger.Warn("audit retry failed", slog.String("job_id", evt.JobID), slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.jobs.Healthy() && r.registry.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
