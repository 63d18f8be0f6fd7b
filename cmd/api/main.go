package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/derivflow/internal/api"
	"github.com/dunamismax/derivflow/internal/app"
	"github.com/dunamismax/derivflow/internal/config"
	"github.com/dunamismax/derivflow/internal/logging"
	"github.com/dunamismax/derivflow/internal/pipeline"
	"github.com/dunamismax/derivflow/internal/queue"
	"github.com/dunamismax/derivflow/internal/telemetry"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("info", "json")
		fallback.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format).With().Str("service", "derivflow-api").Logger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api failed")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:    "derivflow-api",
		ServiceVersion: app.Version,
		Exporter:       cfg.Tracing.Exporter,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		OTLPInsecure:   cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		return err
	}
	defer flushTracing(shutdownTracing, logger)

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

	limiter, err := deps.NewRateLimiter(ctx)
	if err != nil {
		return err
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Queue.TaskTimeout)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("queue client close")
		}
	}()

	srv := api.NewServer(api.Options{
		Logger:      logger,
		Deriver:     deps.Deriver,
		Sizes:       deps.Sizes,
		Queue:       queueClient,
		Assets:      deps.Assets,
		RateLimiter: limiter,
		Registry:    deps.Registry,
	})

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.API.ReadTimeout,
		WriteTimeout:      cfg.API.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.API.Addr).Str("version", app.Version).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}

func flushTracing(shutdown func(context.Context) error, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("flush traces")
	}
}
