package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/derivflow/internal/app"
	"github.com/dunamismax/derivflow/internal/config"
	"github.com/dunamismax/derivflow/internal/logging"
	"github.com/dunamismax/derivflow/internal/pipeline"
	"github.com/dunamismax/derivflow/internal/telemetry"
	"github.com/dunamismax/derivflow/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("info", "json")
		fallback.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format).With().Str("service", "derivflow-worker").Logger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("worker failed")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:    "derivflow-worker",
		ServiceVersion: app.Version,
		Exporter:       cfg.Tracing.Exporter,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		OTLPInsecure:   cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("flush traces")
		}
	}()

	if err := pipeline.Startup(); err != nil {
		return err
	}
	defer pipeline.Shutdown()

	deps, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn().Err(err).Msg("close collaborators")
		}
	}()

	srv, err := worker.NewServer(worker.Options{
		Logger:   logger,
		Queue:    cfg.Queue,
		Worker:   cfg.Worker,
		Deriver:  deps.Deriver,
		Ingester: deps.NewIngester(),
		Assets:   deps.Assets,
		Webhook:  deps.NewWebhook(),
		Registry: deps.Registry,
	})
	if err != nil {
		return err
	}

	metricsServer := startMetricsServer(cfg.Worker.MetricsAddr, srv.MetricsHandler(), logger)

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Int("max_active_jobs", cfg.Worker.MaxActiveJobs).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Str("version", app.Version).
		Msg("starting worker")

	// asynq traps SIGINT and SIGTERM itself and drains in-flight tasks
	runErr := srv.Run()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics server shutdown")
		}
	}
	return runErr
}

func startMetricsServer(addr string, metrics http.Handler, logger zerolog.Logger) *http.Server {
	if addr == "" {
		return nil
	}

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", metrics)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}
