package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/internal/config"
	"github.com/tiger/voice-orchestrator/internal/observability/telemetry"
	"github.com/tiger/voice-orchestrator/internal/recorder"
	"github.com/tiger/voice-orchestrator/internal/runtime/cancellation"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/bootstrap"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/invocation"
	"github.com/tiger/voice-orchestrator/internal/runtime/reasoning"
	"github.com/tiger/voice-orchestrator/internal/runtime/session"
	"github.com/tiger/voice-orchestrator/internal/runtime/synthesis"
	"github.com/tiger/voice-orchestrator/internal/runtime/tools"
	"github.com/tiger/voice-orchestrator/internal/runtime/transcription"
	"github.com/tiger/voice-orchestrator/transports/websocket"
)

// app is one wired orchestrator process.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	manager  *session.Manager
	hub      *websocket.Hub
	tools    *tools.Registry
	recorder *recorder.Handle
	tracing  *telemetry.Tracing
	metrics  *prometheus.Registry
	emitter  telemetry.Emitter
	handler  http.Handler
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, providers bootstrap.Providers) (*app, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &app{cfg: cfg, logger: logger}

	var emitter telemetry.Emitter
	if cfg.Metrics.Enabled {
		a.metrics = prometheus.NewRegistry()
		a.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		emitter = telemetry.NewPrometheusEmitter(cfg.Metrics.Namespace, a.metrics)
	}
	emitter = telemetry.OrDefault(emitter)
	a.emitter = emitter

	tracing, err := telemetry.SetupTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		return nil, err
	}
	a.tracing = tracing

	registry, err := toolRegistry(cfg)
	if err != nil {
		return nil, err
	}
	a.tools = registry

	rec, err := recorder.Open(cfg.Recorder, logger)
	if err != nil {
		_ = tracing.Shutdown(ctx)
		return nil, fmt.Errorf("open recorder: %w", err)
	}
	a.recorder = rec

	invoker := invocation.NewController(cfg.Invocation(), logger, emitter)
	executor := tools.NewExecutor(registry, cfg.ToolExecutor(), logger, emitter)
	engine, err := reasoning.NewEngine(providers.Reasoning, executor, invoker, cfg.Reasoning(), logger)
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}

	a.hub = websocket.NewHub(cfg.MediaTransport(), logger)
	a.manager = session.NewManager(cfg.SessionRuntime(), session.Dependencies{
		Transcription: transcription.NewAdapter(providers.Transcription, invoker, cfg.Transcription(), logger),
		Reasoning:     engine,
		Synthesis:     synthesis.NewAdapter(providers.Synthesis, invoker, cfg.Synthesis(), logger),
		Recorder:      rec,
		Pricing:       cfg.Pricing,
		Fence:         cancellation.NewFence(),
		Emitter:       emitter,
		Logger:        logger,
	}, a.hub)
	a.handler = a.routes()
	return a, nil
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	api := &sessionAPI{manager: a.manager, tools: a.tools, agent: a.cfg.Agent, logger: a.logger.With(zap.String("component", "api"))}
	mux.HandleFunc("POST /v1/sessions", api.create)
	mux.HandleFunc("GET /v1/sessions", api.list)
	mux.HandleFunc("GET /v1/sessions/{id}", api.get)
	mux.HandleFunc("DELETE /v1/sessions/{id}", api.end)
	mux.HandleFunc("GET /v1/tools", api.listTools)
	mux.Handle("GET /v1/media/{room}", a.hub)
	mux.HandleFunc("GET /healthz", api.health)
	if a.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))
	}
	return mux
}

// serve runs the HTTP server until ctx ends, then drains sessions.
func (a *app) serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		_ = a.close(context.Background())
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
	}
	return a.serveListener(ctx, ln)
}

func (a *app) serveListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	a.logger.Info("shutting down", zap.Int("active_sessions", len(a.manager.Active())))
	var errs []error
	if err := a.manager.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("end sessions: %w", err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		errs = append(errs, serveErr)
	}
	return errors.Join(errs...)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close recorder: %w", err))
		}
	}
	if err := a.tracing.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
