// Package derive runs a derivative request end to end: parse the size,
// classify the source, consult the existence gate, run the stage for the
// media kind inside a temp scope, publish, and build the redirect.
package derive

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/dunamismax/derivflow/internal/domain"
	"github.com/dunamismax/derivflow/internal/media"
	"github.com/dunamismax/derivflow/internal/pipeline"
	"github.com/dunamismax/derivflow/internal/sizespec"
	"github.com/dunamismax/derivflow/internal/storage"
	"github.com/dunamismax/derivflow/internal/tempfs"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/dunamismax/derivflow/internal/derive"

// Source is the read side of object storage.
type Source interface {
	Stater
	Open(ctx context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error)
}

type Options struct {
	Storage       Source
	Parser        *sizespec.Parser
	Classifier    *media.Classifier
	Stages        pipeline.Stages
	Temp          *tempfs.Manager
	Publisher     *pipeline.Publisher
	Keys          KeyScheme
	PublicBaseURL string
	Logger        zerolog.Logger
	Metrics       *Metrics
	Events        EventPublisher
	Tracer        trace.Tracer
}

type Service struct {
	storage    Source
	gate       Gate
	parser     *sizespec.Parser
	classifier *media.Classifier
	stages     pipeline.Stages
	temp       *tempfs.Manager
	publisher  *pipeline.Publisher
	keys       KeyScheme
	baseURL    string
	log        zerolog.Logger
	metrics    *Metrics
	events     EventPublisher
	tracer     trace.Tracer
	flight     singleflight.Group
	now        func() time.Time
}

func NewService(opts Options) (*Service, error) {
	switch {
	case opts.Storage == nil:
		return nil, errors.New("derive: storage is required")
	case opts.Parser == nil:
		return nil, errors.New("derive: size parser is required")
	case opts.Temp == nil:
		return nil, errors.New("derive: temp manager is required")
	case opts.Publisher == nil:
		return nil, errors.New("derive: publisher is required")
	case len(opts.Stages) == 0:
		return nil, errors.New("derive: at least one stage is required")
	}

	classifier := opts.Classifier
	if classifier == nil {
		classifier = media.NewClassifier(nil)
	}
	keys := opts.Keys
	if keys.DerivativePrefix == "" {
		keys.DerivativePrefix = DefaultDerivativePrefix
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &Service{
		storage:    opts.Storage,
		gate:       NewGate(opts.Storage),
		parser:     opts.Parser,
		classifier: classifier,
		stages:     opts.Stages,
		temp:       opts.Temp,
		publisher:  opts.Publisher,
		keys:       keys,
		baseURL:    opts.PublicBaseURL,
		log:        opts.Logger.With().Str("component", "derive").Logger(),
		metrics:    opts.Metrics,
		events:     opts.Events,
		tracer:     tracer,
		now:        time.Now,
	}, nil
}

// Outcome is the result of a successful request. Cached is set when an
// existing derivative was reused and nothing ran.
type Outcome struct {
	SourceKey    string
	OutputKey    string
	Location     string
	Cached       bool
	Media        media.Descriptor
	Format       media.Format
	Width        int
	Height       int
	SourceWidth  int
	SourceHeight int
	Duration     time.Duration
	Ack          storage.Ack
}

// plan is what Generate knows before any bytes move.
type plan struct {
	req    domain.DerivativeRequest
	spec   sizespec.Spec
	desc   media.Descriptor
	stage  pipeline.Stage
	format media.Format
	key    string
	log    zerolog.Logger
}

// Generate produces or reuses the derivative for req. Every error is an
// *Error. Temp files created on the way are gone when it returns.
func (s *Service) Generate(ctx context.Context, req domain.DerivativeRequest) (Outcome, error) {
	started := s.now()
	ctx, span := s.tracer.Start(ctx, "derive.generate", trace.WithAttributes(
		attribute.String("derive.source_key", req.SourceKey),
		attribute.String("derive.size", req.Size),
		attribute.Bool("derive.force", req.Force),
	))
	defer span.End()

	log := s.log.With().
		Str("source_key", req.SourceKey).
		Str("size", req.Size).
		Bool("force", req.Force).
		Logger()

	out, err := s.generate(ctx, req, log)

	mediaLabel := out.Media.Kind.String()
	if err != nil {
		var de *Error
		if !errors.As(err, &de) {
			de = newError(StageFetch, err)
			err = de
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(de.Kind))

		ev := log.Error()
		switch {
		case de.Kind.Client():
			ev = log.Info()
		case de.Kind == KindCanceled:
			ev = log.Warn()
		}
		ev.Err(de.Err).
			Str("stage", de.Stage).
			Str("kind", string(de.Kind)).
			Str("output_key", out.OutputKey).
			Msg("derivative request failed")
		s.metrics.observeRequest(mediaLabel, string(de.Kind), s.now().Sub(started))
		return out, err
	}

	outcome := "generated"
	if out.Cached {
		outcome = "cached"
	}
	span.SetAttributes(
		attribute.String("derive.output_key", out.OutputKey),
		attribute.Bool("derive.cached", out.Cached),
	)
	s.metrics.observeRequest(mediaLabel, outcome, s.now().Sub(started))
	log.Info().
		Str("output_key", out.OutputKey).
		Str("media", mediaLabel).
		Bool("cached", out.Cached).
		Dur("took", s.now().Sub(started)).
		Msg("derivative ready")
	return out, nil
}

func (s *Service) generate(ctx context.Context, req domain.DerivativeRequest, log zerolog.Logger) (Outcome, error) {
	// parsing comes first so a bad token never reaches storage
	spec, err := s.parser.Parse(req.Size)
	if err != nil {
		return Outcome{SourceKey: req.SourceKey}, newError(StageParse, err)
	}
	if err := req.Validate(); err != nil {
		return Outcome{SourceKey: req.SourceKey}, newError(StageParse, err)
	}

	desc, err := s.classify(ctx, req.SourceKey)
	if err != nil {
		return Outcome{SourceKey: req.SourceKey}, newError(StageClassify, err)
	}
	stage, err := s.stages.For(desc.Kind)
	if err != nil {
		return Outcome{SourceKey: req.SourceKey, Media: desc}, newError(StageClassify, err)
	}

	format := stage.OutputFormat(desc)
	p := plan{
		req:    req,
		spec:   spec,
		desc:   desc,
		stage:  stage,
		format: format,
		key:    s.keys.OutputKey(req.SourceKey, spec.Token(), desc.Kind, format),
	}
	p.log = log.With().Str("output_key", p.key).Str("media", desc.Kind.String()).Logger()

	if req.Force {
		return s.produce(ctx, p)
	}

	// the shared run outlives any single caller; each caller stops waiting
	// on its own context
	detached := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(p.key, func() (any, error) {
		return s.produce(detached, p)
	})
	select {
	case <-ctx.Done():
		return Outcome{SourceKey: req.SourceKey, OutputKey: p.key, Media: desc, Format: format}, newError(StageTransform, ctx.Err())
	case r := <-ch:
		if r.Shared {
			s.metrics.coalescedRequest()
		}
		out, _ := r.Val.(Outcome)
		out.SourceKey, out.Media = req.SourceKey, desc
		return out, r.Err
	}
}

func (s *Service) classify(ctx context.Context, key string) (media.Descriptor, error) {
	ctx, span := s.tracer.Start(ctx, "derive.classify")
	defer span.End()
	defer s.metrics.observeStage(StageClassify, s.now())

	return s.classifier.Classify(ctx, key)
}

// produce runs the gate and, on a miss or when forced, the stage and the
// publisher.
func (s *Service) produce(ctx context.Context, p plan) (Outcome, error) {
	out := Outcome{
		SourceKey: p.req.SourceKey,
		OutputKey: p.key,
		Location:  Location(s.baseURL, p.key),
		Media:     p.desc,
		Format:    p.format,
	}

	presence, info, err := s.checkGate(ctx, p.key)
	if err != nil {
		return out, newError(StageGate, err)
	}
	if !ShouldGenerate(presence, p.req.Force) {
		out.Cached = true
		out.Ack = storage.Ack{Key: p.key, Size: info.Size, ETag: info.ETag, VersionID: info.VersionID, LastModified: info.LastModified}
		return out, nil
	}

	scope := s.temp.NewScope()
	defer func() {
		// a release failure is reported but never replaces the request outcome
		if err := scope.Close(); err != nil {
			s.metrics.releaseFailed()
			p.log.Warn().Err(err).Msg("temp release failed")
		}
	}()

	ctx = p.log.WithContext(ctx)
	tracker := pipeline.NewTracker(func(from, to pipeline.State) {
		p.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("stage state")
	})

	res, stageName, err := s.run(ctx, p, scope, tracker)
	if err != nil {
		tracker.Fail()
		return out, newError(stageName, err)
	}

	ack, err := s.publish(ctx, p.key, res)
	if err != nil {
		tracker.Fail()
		if errors.Is(err, pipeline.ErrEncode) || errors.Is(err, pipeline.ErrDecode) || errors.Is(err, pipeline.ErrFetch) {
			return out, newError(StageTransform, err)
		}
		return out, newError(StagePublish, err)
	}
	_ = tracker.Advance(pipeline.StateReady)

	out.Ack = ack
	out.Format = res.Format
	out.Width, out.Height = res.Width, res.Height
	out.SourceWidth, out.SourceHeight = res.SourceWidth, res.SourceHeight
	out.Duration = res.Duration
	s.metrics.addPublished(ack.Size)
	s.announce(ctx, p, out)
	return out, nil
}

func (s *Service) checkGate(ctx context.Context, key string) (Presence, storage.ObjectInfo, error) {
	ctx, span := s.tracer.Start(ctx, "derive.gate", trace.WithAttributes(attribute.String("derive.output_key", key)))
	defer span.End()
	defer s.metrics.observeStage(StageGate, s.now())

	presence, info, err := s.gate.Check(ctx, key)
	span.SetAttributes(attribute.String("derive.presence", presence.String()))
	return presence, info, err
}

// run opens the source and drives the stage. The source stream stays open
// until the stage has consumed what it needs.
func (s *Service) run(ctx context.Context, p plan, scope *tempfs.Scope, tracker *pipeline.Tracker) (*pipeline.Result, string, error) {
	ctx, span := s.tracer.Start(ctx, "derive.transform", trace.WithAttributes(attribute.String("derive.media", p.desc.Kind.String())))
	defer span.End()
	defer s.metrics.observeStage(StageTransform, s.now())

	_ = tracker.Advance(pipeline.StateFetching)
	body, _, err := s.storage.Open(ctx, p.req.SourceKey)
	if err != nil {
		return nil, StageFetch, err
	}
	defer body.Close()

	res, err := p.stage.Run(ctx, pipeline.Input{
		Scope:   scope,
		Source:  body,
		Spec:    p.spec,
		Media:   p.desc,
		Tracker: tracker,
	})
	if err != nil {
		span.RecordError(err)
		return nil, StageTransform, err
	}
	return res, StageTransform, nil
}

// publish uploads the result and always closes it. A producer failure
// outranks the upload failure it causes.
func (s *Service) publish(ctx context.Context, key string, res *pipeline.Result) (storage.Ack, error) {
	ctx, span := s.tracer.Start(ctx, "derive.publish", trace.WithAttributes(attribute.String("derive.output_key", key)))
	defer span.End()
	defer s.metrics.observeStage(StagePublish, s.now())

	ack, pubErr := s.publisher.Publish(ctx, key, res)
	if err := res.Close(); err != nil {
		s.log.Warn().Err(err).Str("output_key", key).Msg("derivative result release failed")
	}
	if err := res.Err(); err != nil {
		span.RecordError(err)
		return storage.Ack{}, err
	}
	if pubErr != nil {
		span.RecordError(pubErr)
		return storage.Ack{}, pubErr
	}
	return ack, nil
}

func (s *Service) announce(ctx context.Context, p plan, out Outcome) {
	if s.events == nil {
		return
	}
	ev := Event{
		Type:        EventDerivativePublished,
		SourceKey:   out.SourceKey,
		OutputKey:   out.OutputKey,
		Location:    out.Location,
		Size:        p.spec.Token(),
		Media:       p.desc.Kind.String(),
		ContentType: out.Format.ContentType,
		Width:       out.Width,
		Height:      out.Height,
		ETag:        out.Ack.ETag,
		VersionID:   out.Ack.VersionID,
		Forced:      p.req.Force,
		PublishedAt: s.now().UTC(),
	}
	if err := s.events.PublishDerivative(ctx, ev); err != nil {
		p.log.Warn().Err(err).Msg("derivative event not delivered")
	}
}
