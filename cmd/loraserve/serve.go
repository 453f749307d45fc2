package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"loraserve/internal/audit"
	"loraserve/internal/config"
	"loraserve/internal/httpapi"
	"loraserve/internal/manager"
	"loraserve/internal/registry"
	"loraserve/internal/training"
	"loraserve/pkg/types"
)

const (
	shutdownGrace  = 10 * time.Second
	connectTimeout = 10 * time.Second
)

// serve loads the model and runs the HTTP server until ctx ends.
func serve(ctx context.Context, cfg config.Config, genTimeout time.Duration, log zerolog.Logger) error {
	pointer := registry.NewPointer(cfg.PointerFile)
	adapter := cfg.AdapterPath
	if adapter == "" {
		adapter = pointer.Resolve(cfg.DefaultAdapter)
	}

	var runtime manager.InferenceAdapter
	if cfg.RuntimeURL != "" {
		runtime = manager.NewWorkerAdapter(cfg.RuntimeURL, cfg.RuntimeTimeout(), connectTimeout)
	} else {
		runtime = manager.NewUnavailableAdapter("no runtime_url configured")
	}

	auditLog := audit.New(audit.Options{
		Enabled:    cfg.EnableLogging,
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.AuditMaxSizeMB,
		MaxBackups: cfg.AuditMaxBackups,
		Logger:     log.With().Str("component", "audit").Logger(),
	})
	defer func() {
		if err := auditLog.Close(); err != nil {
			log.Warn().Err(err).Msg("close audit log")
		}
	}()

	mlog := log.With().Str("component", "manager").Logger()
	mgr := manager.NewWithConfig(manager.ManagerConfig{
		BaseModel:   cfg.BaseModel,
		AdapterPath: adapter,
		Device:      cfg.Device,
		Runtime:     runtime,
		Defaults: manager.GenerationDefaults{
			MaxNewTokens: cfg.MaxNewTokens,
			Temperature:  cfg.Temperature,
			TopP:         cfg.TopP,
			DoSample:     cfg.DoSample,
		},
		MaxQueueDepth: cfg.MaxQueueDepth,
		MaxWait:       cfg.MaxWait(),
		Audit:         auditLog,
		Publisher:     manager.LogPublisher{Log: mlog},
		Logger:        &mlog,
	})
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load model: %w", err)
	}

	orch, janitor, err := newTraining(cfg, mgr, pointer, log)
	if err != nil {
		return err
	}

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetMaxUploadBytes(cfg.MaxUploadBytes)
	httpapi.SetGenerateTimeout(genTimeout)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSOrigins)
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)

	var jobs httpapi.Retrainer
	if orch != nil {
		jobs = orch
	}
	lister := func() ([]types.Adapter, error) {
		return registry.ListCheckpoints(cfg.TrainingOutputDir, mgr.AdapterPath())
	}
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           httpapi.NewMux(mgr, jobs, lister),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Str("model", cfg.BaseModel).Str("adapter", adapter).
		Bool("retraining", orch != nil).Msg("loraserve listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		cancelBase()
		var jobs jobWaiter
		if orch != nil {
			jobs = orch
		}
		var sweeps stopper
		if janitor != nil {
			sweeps = janitor
		}
		teardown(log, shutdownGrace, srv, sweeps, jobs, mgr)
		return nil
	})
	return g.Wait()
}

type (
	shutdowner interface {
		Shutdown(ctx context.Context) error
	}
	stopper   interface{ Stop() context.Context }
	jobWaiter interface {
		Wait(ctx context.Context) error
	}
	modelCloser interface {
		Close(ctx context.Context) error
	}
)

// teardown stops accepting requests, drains background training and then
// unloads the model. Each phase gets its own grace period: the model is
// released even when draining used up the previous one.
func teardown(log zerolog.Logger, grace time.Duration, srv shutdowner, sweeps stopper, jobs jobWaiter, model modelCloser) {
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown")
	}
	if sweeps != nil {
		<-sweeps.Stop().Done()
	}
	if jobs != nil {
		if err := jobs.Wait(sctx); err != nil {
			log.Warn().Err(err).Msg("training job abandoned")
		}
	}

	cctx, ccancel := context.WithTimeout(context.Background(), grace)
	defer ccancel()
	if err := model.Close(cctx); err != nil {
		log.Warn().Err(err).Msg("unload model")
	}
}

// newTraining wires retraining when a train command is configured. Without
// one, both results are nil and /v1/retrain answers 503.
func newTraining(cfg config.Config, mgr *manager.Manager, pointer *registry.Pointer, log zerolog.Logger) (*training.Orchestrator, *training.Janitor, error) {
	if cfg.TrainCommand == "" {
		log.Info().Msg("no train_command configured, retraining disabled")
		return nil, nil, nil
	}
	orch, err := training.New(training.Options{
		BaseModel:      cfg.BaseModel,
		OutputRoot:     cfg.TrainingOutputDir,
		TempDir:        cfg.TempDir,
		Epochs:         cfg.TrainEpochs,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Trainer: training.CommandTrainer{
			Command: cfg.TrainCommand,
			Args:    cfg.TrainArgs,
			Logger:  log,
		},
		Swapper: mgr,
		Pointer: pointer,
		Logger:  log,
	})
	if err != nil {
		return nil, nil, err
	}
	if cfg.JanitorSchedule == "" {
		return orch, nil, nil
	}
	janitor := training.NewJanitor(cfg.TempDir, cfg.JanitorMaxAge(), orch, log)
	if err := janitor.Start(cfg.JanitorSchedule); err != nil {
		return nil, nil, err
	}
	return orch, janitor, nil
}
