package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/derivflow/internal/config"
	"github.com/dunamismax/derivflow/internal/derive"
	"github.com/dunamismax/derivflow/internal/domain"
	"github.com/dunamismax/derivflow/internal/ingest"
	"github.com/dunamismax/derivflow/internal/media"
	"github.com/dunamismax/derivflow/internal/queue"
	"github.com/dunamismax/derivflow/internal/store"
	"github.com/dunamismax/derivflow/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Deriver produces or reuses one derivative.
type Deriver interface {
	Generate(ctx context.Context, req domain.DerivativeRequest) (derive.Outcome, error)
}

type Ingester interface {
	Ingest(ctx context.Context, id, uri string) (ingest.Result, error)
	IngestAudio(ctx context.Context, id, uri string) (ingest.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Options struct {
	Logger   zerolog.Logger
	Queue    config.QueueConfig
	Worker   config.WorkerConfig
	Deriver  Deriver
	Ingester Ingester
	Assets   store.AssetStore
	Webhook  webhookSender
	Registry *prometheus.Registry
}

type Server struct {
	log         zerolog.Logger
	server      *asynq.Server
	sem         chan struct{}
	deriver     Deriver
	ingester    Ingester
	assets      store.AssetStore
	webhook     webhookSender
	defaultSize string
	metrics     *metrics
	tracer      trace.Tracer
}

func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Deriver == nil:
		return nil, errors.New("deriver is required")
	case opts.Assets == nil:
		return nil, errors.New("asset store is required")
	}

	logger := opts.Logger.With().Str("component", "worker").Logger()
	s := newServer(opts, logger)
	s.server = asynq.NewServer(
		opts.Queue.RedisClientOpt(),
		asynq.Config{
			Concurrency: opts.Worker.Concurrency,
			Queues: map[string]int{
				opts.Queue.Name: 1,
			},
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error().
					Err(err).
					Str("type", task.Type()).
					Int("retry", retried).
					Int("max_retry", maxRetry).
					Msg("task failed")
			}),
		},
	)
	return s, nil
}

func newServer(opts Options, logger zerolog.Logger) *Server {
	defaultSize := strings.TrimSpace(opts.Worker.DefaultSize)
	if defaultSize == "" {
		defaultSize = "600w"
	}
	return &Server{
		log:         logger,
		sem:         make(chan struct{}, max(1, opts.Worker.MaxActiveJobs)),
		deriver:     opts.Deriver,
		ingester:    opts.Ingester,
		assets:      opts.Assets,
		webhook:     opts.Webhook,
		defaultSize: defaultSize,
		metrics:     newMetrics(opts.Registry),
		tracer:      otel.Tracer("derivflow/worker"),
	}
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeOptimizeAsset, s.handleOptimizeAsset)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// assetReport is the webhook body for both asset events.
type assetReport struct {
	AssetID     string            `json:"asset_id"`
	Status      string            `json:"status"`
	Size        string            `json:"size"`
	SourceKey   string            `json:"source_key,omitempty"`
	Web         *domain.WebInfo   `json:"web,omitempty"`
	Audio       *domain.AudioInfo `json:"audio,omitempty"`
	Cached      bool              `json:"cached,omitempty"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	Error       string            `json:"error,omitempty"`
	RequestedAt time.Time         `json:"requested_at"`
	FinishedAt  time.Time         `json:"finished_at"`
}

func (s *Server) handleOptimizeAsset(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	mediaLabel, outcome := "unknown", domain.AssetStatusFailed

	payload, err := queue.ParseOptimizeAssetPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	size := strings.TrimSpace(payload.Size)
	if size == "" {
		size = s.defaultSize
	}

	ctx, span := s.tracer.Start(ctx, "worker.optimize_asset", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("asset.id", payload.AssetID),
		attribute.String("asset.size", size),
		attribute.Bool("asset.force", payload.Force),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(mediaLabel, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(mediaLabel, outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	log := s.log.With().Str("asset_id", payload.AssetID).Str("size", size).Bool("force", payload.Force).Logger()
	log.Info().Msg("optimizing asset")

	asset, ok, err := s.assets.Get(ctx, payload.AssetID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("load asset %s: %w", payload.AssetID, err)
	}
	if !ok {
		outcome = "skipped"
		log.Warn().Msg("asset record not found, skipping")
		return nil
	}

	report := assetReport{AssetID: asset.ID, Size: size, RequestedAt: payload.RequestedAt}

	if asset.NeedsIngest() {
		if s.ingester == nil {
			return s.fail(ctx, span, log, payload, report, errors.New("asset has no source key and ingestion is disabled"))
		}
		res, err := s.ingester.Ingest(ctx, asset.ID, asset.OriginalURI)
		if err != nil {
			return s.fail(ctx, span, log, payload, report, fmt.Errorf("ingest %s: %w", asset.OriginalURI, err))
		}
		s.metrics.ingestedTotal.Inc()
		asset, err = s.assets.UpdateSource(ctx, asset.ID, res.Key, sourceInfo(res.Media.MIMEType, res.Media.Extension))
		if err != nil {
			return s.fail(ctx, span, log, payload, report, fmt.Errorf("record ingested source: %w", err))
		}
	}
	report.SourceKey = asset.SourceKey

	out, err := s.deriver.Generate(ctx, domain.DerivativeRequest{
		SourceKey: asset.SourceKey,
		Size:      size,
		Force:     payload.Force,
	})
	if out.Media.Kind != media.KindUnknown {
		mediaLabel = out.Media.Kind.String()
	}
	if err != nil {
		return s.fail(ctx, span, log, payload, report, err)
	}

	source := sourceInfo(out.Media.MIMEType, out.Media.Extension)
	source.Width, source.Height, source.Duration = out.SourceWidth, out.SourceHeight, out.Duration
	if out.Cached {
		// a reused derivative reports no dimensions; keep what was recorded
		source = mergeSource(asset.Source, source)
	}
	if _, err := s.assets.UpdateSource(ctx, asset.ID, "", source); err != nil {
		return s.fail(ctx, span, log, payload, report, fmt.Errorf("record source info: %w", err))
	}

	web := webInfo(out, asset.Web)
	if _, err := s.assets.UpdateWeb(ctx, asset.ID, web); err != nil {
		return s.fail(ctx, span, log, payload, report, fmt.Errorf("record web info: %w", err))
	}
	if asset.NeedsAudio(payload.Force) {
		report.Audio = s.storeAudio(ctx, span, log, asset)
	}

	outcome = domain.AssetStatusOptimized
	if out.Cached {
		outcome = "cached"
	}
	log.Info().
		Str("output_key", out.OutputKey).
		Bool("cached", out.Cached).
		Dur("took", time.Since(startedAt)).
		Msg("asset optimized")

	report.Status = domain.AssetStatusOptimized
	report.Web = &web
	report.Cached = out.Cached
	report.FinishedAt = time.Now().UTC()
	if err := s.dispatchWebhook(ctx, log, payload, webhook.EventAssetOptimized, report); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return nil
	}
	span.SetStatus(codes.Ok, "optimized")
	return nil
}

// storeAudio copies the asset's audio track next to its derivatives. The
// track is an extra; a failure is logged and never fails the job.
func (s *Server) storeAudio(ctx context.Context, span trace.Span, log zerolog.Logger, asset domain.Asset) *domain.AudioInfo {
	log = log.With().Str("audio_uri", asset.AudioURI).Logger()
	if s.ingester == nil {
		s.metrics.audioTotal.WithLabelValues("skipped").Inc()
		log.Warn().Msg("asset has an audio track but ingestion is disabled")
		return nil
	}

	res, err := s.ingester.IngestAudio(ctx, asset.ID, asset.AudioURI)
	switch {
	case errors.Is(err, ingest.ErrNotAudio):
		s.metrics.audioTotal.WithLabelValues("skipped").Inc()
		log.Info().Err(err).Msg("audio uri is not audio, skipping")
		return nil
	case err != nil:
		s.metrics.audioTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		log.Warn().Err(err).Msg("store audio failed")
		return nil
	}

	audio := domain.AudioInfo{Key: res.Key, MIMEType: res.Media.MIMEType, Ext: res.Media.Extension}
	if _, err := s.assets.UpdateAudio(ctx, asset.ID, audio); err != nil {
		s.metrics.audioTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		log.Warn().Err(err).Msg("record audio info failed")
		return nil
	}
	s.metrics.audioTotal.WithLabelValues("stored").Inc()
	log.Info().Str("audio_key", audio.Key).Msg("audio stored")
	return &audio
}

// fail records the failure on the asset and reports it. Jobs are never
// retried, so the returned error always carries asynq.SkipRetry.
func (s *Server) fail(ctx context.Context, span trace.Span, log zerolog.Logger, payload queue.OptimizeAssetPayload, report assetReport, cause error) error {
	kind := derive.KindOf(cause)
	span.RecordError(cause)
	span.SetStatus(codes.Error, string(kind))
	log.Error().Err(cause).Str("kind", string(kind)).Msg("asset optimization failed")

	if _, err := s.assets.MarkFailed(ctx, payload.AssetID, string(kind)); err != nil {
		log.Warn().Err(err).Msg("mark asset failed")
	}

	report.Status = domain.AssetStatusFailed
	report.ErrorKind = string(kind)
	report.Error = cause.Error()
	report.FinishedAt = time.Now().UTC()
	_ = s.dispatchWebhook(ctx, log, payload, webhook.EventAssetFailed, report)

	return fmt.Errorf("optimize asset %s: %v: %w", payload.AssetID, cause, asynq.SkipRetry)
}

func (s *Server) dispatchWebhook(ctx context.Context, log zerolog.Logger, payload queue.OptimizeAssetPayload, event string, report assetReport) error {
	if payload.WebhookURL == "" || s.webhook == nil {
		return nil
	}
	if err := s.webhook.Send(ctx, payload.WebhookURL, event, report); err != nil {
		s.metrics.webhookErrors.Inc()
		log.Warn().Err(err).Str("event", event).Msg("webhook delivery failed")
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}

// sourceInfo fills the MIME fields; ContentType holds the top-level type
// such as image or video.
func sourceInfo(mimeType, ext string) domain.SourceInfo {
	major, _, _ := strings.Cut(mimeType, "/")
	return domain.SourceInfo{MIMEType: mimeType, ContentType: major, Ext: ext}
}

func mergeSource(prev, next domain.SourceInfo) domain.SourceInfo {
	if next.Width == 0 && next.Height == 0 {
		next.Width, next.Height = prev.Width, prev.Height
	}
	if next.Duration == 0 {
		next.Duration = prev.Duration
	}
	return next
}

func webInfo(out derive.Outcome, prev domain.WebInfo) domain.WebInfo {
	major, _, _ := strings.Cut(out.Format.ContentType, "/")
	web := domain.WebInfo{
		Key:         out.OutputKey,
		Location:    out.Location,
		Width:       out.Width,
		Height:      out.Height,
		MIMEType:    out.Format.ContentType,
		ContentType: major,
		Ext:         out.Format.Ext,
	}
	if out.Cached && prev.Key == out.OutputKey && web.Width == 0 {
		web.Width, web.Height = prev.Width, prev.Height
	}
	return web
}
