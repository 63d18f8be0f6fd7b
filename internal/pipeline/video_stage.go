package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dunamismax/derivflow/internal/media"
	"github.com/dunamismax/derivflow/internal/tempfs"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultFrameOffset = time.Second

// Probe is what the extractor learned about a video.
type Probe struct {
	Width    int
	Height   int
	Duration time.Duration
}

// FrameExtractor pulls a single still out of a video file.
type FrameExtractor interface {
	ExtractFrame(ctx context.Context, src, dst *tempfs.Asset, offset time.Duration) error
	Probe(ctx context.Context, src *tempfs.Asset) (Probe, error)
}

// VideoStage produces a JPEG thumbnail from one frame of the video and
// hands that frame to the image stage.
type VideoStage struct {
	Extractor FrameExtractor
	Image     *ImageStage
	Offset    time.Duration
}

func NewVideoStage(extractor FrameExtractor, image *ImageStage, offset time.Duration) *VideoStage {
	if offset < 0 {
		offset = DefaultFrameOffset
	}
	return &VideoStage{Extractor: extractor, Image: image, Offset: offset}
}

func (s *VideoStage) Kind() media.Kind { return media.KindVideo }

func (s *VideoStage) OutputFormat(media.Descriptor) media.Format {
	return format("jpg")
}

func (s *VideoStage) Run(ctx context.Context, in Input) (*Result, error) {
	ext := in.Media.Extension
	if ext == "" {
		ext = "mp4"
	}
	src, err := materialize(ctx, in.Scope, in.Source, ext)
	if err != nil {
		return nil, err
	}
	defer src.Release()

	if err := in.Tracker.Advance(StateTransforming); err != nil {
		return nil, err
	}

	// duration and dimensions are informational; a failed probe does not
	// stop the thumbnail
	probe, err := s.Extractor.Probe(ctx, src)
	if err != nil {
		trace.SpanFromContext(ctx).AddEvent("video metadata unavailable", trace.WithAttributes(
			attribute.String("error", err.Error()),
		))
		zerolog.Ctx(ctx).Debug().Err(err).Str("source", src.Path()).Msg("video metadata unavailable")
	}

	frame, err := in.Scope.Allocate("jpg")
	if err != nil {
		return nil, err
	}
	offset := frameOffset(s.Offset, probe.Duration)
	if err := s.Extractor.ExtractFrame(ctx, src, frame, offset); err != nil {
		_ = frame.Release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: at %s: %v", ErrFrameExtraction, offset, err)
	}
	size, err := frame.Size()
	if err != nil {
		_ = frame.Release()
		return nil, err
	}
	if size == 0 {
		_ = frame.Release()
		return nil, fmt.Errorf("%w: no decodable frame at %s", ErrFrameExtraction, offset)
	}
	_ = src.Release()

	res, err := s.Image.RunAsset(ctx, frame, in.Spec, s.OutputFormat(in.Media))
	if err != nil {
		return nil, err
	}
	res.Duration = probe.Duration
	if probe.Width > 0 && probe.Height > 0 {
		res.SourceWidth, res.SourceHeight = probe.Width, probe.Height
	}
	return res, nil
}

// frameOffset seeks to the first frame when the clip ends before offset.
func frameOffset(offset, duration time.Duration) time.Duration {
	if duration > 0 && duration <= offset {
		return 0
	}
	return offset
}
