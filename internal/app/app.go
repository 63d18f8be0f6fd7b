// Package app assembles the collaborators shared by the API and worker
// binaries from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/dunamismax/derivflow/internal/bus"
	"github.com/dunamismax/derivflow/internal/config"
	"github.com/dunamismax/derivflow/internal/derive"
	"github.com/dunamismax/derivflow/internal/ingest"
	"github.com/dunamismax/derivflow/internal/media"
	"github.com/dunamismax/derivflow/internal/pipeline"
	"github.com/dunamismax/derivflow/internal/ratelimit"
	"github.com/dunamismax/derivflow/internal/sizespec"
	"github.com/dunamismax/derivflow/internal/storage"
	"github.com/dunamismax/derivflow/internal/store"
	"github.com/dunamismax/derivflow/internal/tempfs"
	"github.com/dunamismax/derivflow/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// App holds the long-lived collaborators of one process.
type App struct {
	Config   config.Config
	Logger   zerolog.Logger
	Registry *prometheus.Registry
	Storage  storage.ObjectStore
	Temp     *tempfs.Manager
	Sizes    *sizespec.Parser
	Deriver  *derive.Service
	Assets   store.AssetStore

	closers []func() error
}

type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

// New builds storage, the derive service and the asset store. Optional
// collaborators (NATS events, Postgres) are only dialled when configured.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: newRegistry(),
	}

	objects, err := storage.New(storage.Config{
		Backend:   storage.Backend(cfg.Storage.Backend),
		Endpoint:  cfg.Storage.Endpoint,
		Access:    cfg.Storage.AccessKey,
		Secret:    cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		UseSSL:    cfg.Storage.UseSSL,
		LocalPath: cfg.Storage.LocalPath,
	})
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if b, ok := objects.(bucketEnsurer); ok {
		if err := b.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure bucket: %w", err)
		}
	}
	a.Storage = objects

	if a.Temp, err = tempfs.NewManager(afero.NewOsFs(), cfg.Derive.TempDir); err != nil {
		return nil, err
	}
	if a.Sizes, err = sizespec.NewParser(cfg.Derive.Sizes); err != nil {
		return nil, fmt.Errorf("init size allow-list: %w", err)
	}

	var events derive.EventPublisher
	if url := strings.TrimSpace(cfg.NATS.URL); url != "" {
		nc, err := bus.Connect(url, cfg.NATS.Subject, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { nc.Close(); return nil })
		events = nc
	}

	a.Deriver, err = derive.NewService(derive.Options{
		Storage:    objects,
		Parser:     a.Sizes,
		Classifier: media.NewClassifier(objects),
		Stages:     NewStages(cfg.Derive, logger),
		Temp:       a.Temp,
		Publisher:  pipeline.NewPublisher(objects, cfg.Derive.SmallObjectLimit, cfg.Derive.PartSize),
		Keys: derive.KeyScheme{
			SourcePrefix:     cfg.Derive.SourcePrefix,
			DerivativePrefix: cfg.Derive.DerivativePrefix,
		},
		PublicBaseURL: cfg.API.PublicBaseURL,
		Logger:        logger,
		Metrics:       derive.NewMetrics(a.Registry, a.Temp),
		Events:        events,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	if a.Assets, err = newAssetStore(ctx, cfg.Database); err != nil {
		_ = a.Close()
		return nil, err
	}
	if c, ok := a.Assets.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	logger.Info().
		Str("storage", cfg.Storage.Backend).
		Str("transformer", pipeline.TransformerName()).
		Strs("sizes", a.Sizes.Tokens()).
		Bool("events", events != nil).
		Msg("derive pipeline ready")
	return a, nil
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

func newAssetStore(ctx context.Context, cfg config.DatabaseConfig) (store.AssetStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return store.NewMemoryAssetStore(), nil
	}
	s, err := store.NewPostgresAssetStore(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("init asset store: %w", err)
	}
	return s, nil
}

// NewStages wires one stage per media kind. GIFs go through gifsicle when
// it is on PATH and through the pure Go encoder otherwise.
func NewStages(cfg config.DeriveConfig, logger zerolog.Logger) pipeline.Stages {
	imageStage := pipeline.NewImageStage(pipeline.NewTransformer(cfg.JPEGQuality))
	ffmpeg := pipeline.FFmpeg{FFmpegPath: cfg.FFmpegPath, FFprobePath: cfg.FFprobePath}

	return pipeline.NewStages(
		imageStage,
		pipeline.NewAnimatedStage(gifEncoder(cfg.GifsiclePath, logger)),
		pipeline.NewVideoStage(ffmpeg, imageStage, cfg.VideoFrameOffset),
	)
}

func gifEncoder(path string, logger zerolog.Logger) pipeline.AnimatedEncoder {
	if path = strings.TrimSpace(path); path != "" {
		if resolved, err := exec.LookPath(path); err == nil {
			return pipeline.GifsicleEncoder{Path: resolved}
		}
	}
	logger.Warn().Str("gifsicle", path).Msg("gifsicle not found, using native gif encoder")
	return pipeline.NativeGIFEncoder{}
}

// NewIngester streams remote originals into the configured storage.
func (a *App) NewIngester() *ingest.Fetcher {
	return ingest.NewFetcher(a.Storage, ingest.Config{
		IPFSGateway:    a.Config.Ingest.IPFSGateway,
		ArweaveGateway: a.Config.Ingest.ArweaveGateway,
		RawPrefix:      a.Config.Ingest.RawPrefix,
		AudioPrefix:    a.Config.Ingest.AudioPrefix,
		Timeout:        a.Config.Ingest.Timeout,
		PartSize:       a.Config.Derive.PartSize,
	}, a.Logger)
}

func (a *App) NewWebhook() *webhook.Client {
	return webhook.NewClient(webhook.Config{
		SigningSecret:  a.Config.Webhook.SigningSecret,
		Timeout:        a.Config.Webhook.Timeout,
		MaxAttempts:    a.Config.Webhook.MaxAttempts,
		InitialBackoff: a.Config.Webhook.InitialBackoff,
		MaxBackoff:     a.Config.Webhook.MaxBackoff,
	})
}

// NewRateLimiter returns nil when rate limiting is disabled.
func (a *App) NewRateLimiter(ctx context.Context) (ratelimit.Limiter, error) {
	cfg := a.Config.RateLimit
	if !cfg.Enabled {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Queue.RedisAddr,
		Password: a.Config.Queue.RedisPassword,
		DB:       a.Config.Queue.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping rate limit redis: %w", err)
	}
	a.closers = append(a.closers, client.Close)

	limiter, err := ratelimit.NewRedisTokenBucket(client, cfg.Capacity, cfg.Window, cfg.KeyPrefix)
	if err != nil {
		return nil, err
	}
	return limiter, nil
}

// Close releases collaborators in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
