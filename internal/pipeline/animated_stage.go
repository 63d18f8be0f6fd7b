package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image/gif"

	"github.com/dunamismax/derivflow/internal/media"
	"github.com/dunamismax/derivflow/internal/sizespec"
	"github.com/dunamismax/derivflow/internal/tempfs"
)

const defaultLoss = 80

var lossByWidth = map[int]int{
	480:  70,
	640:  70,
	1280: 60,
}

// LossForWidth returns the lossy compression level for an animated
// derivative of the given width.
func LossForWidth(width int) int {
	if loss, ok := lossByWidth[width]; ok {
		return loss
	}
	return defaultLoss
}

// AnimatedEncoder resizes every frame of the GIF at in and writes the result
// to out.
type AnimatedEncoder interface {
	Encode(ctx context.Context, in, out *tempfs.Asset, width, height, loss int) error
}

// AnimatedStage materializes the GIF and runs a whole-file encode over it.
type AnimatedStage struct {
	Encoder AnimatedEncoder
}

func NewAnimatedStage(enc AnimatedEncoder) *AnimatedStage {
	return &AnimatedStage{Encoder: enc}
}

func (s *AnimatedStage) Kind() media.Kind { return media.KindAnimatedImage }

func (s *AnimatedStage) OutputFormat(media.Descriptor) media.Format {
	return format("gif")
}

func (s *AnimatedStage) Run(ctx context.Context, in Input) (*Result, error) {
	src, err := materialize(ctx, in.Scope, in.Source, "gif")
	if err != nil {
		return nil, err
	}
	defer src.Release()

	if err := in.Tracker.Advance(StateTransforming); err != nil {
		return nil, err
	}

	srcW, srcH, err := gifBounds(src)
	if err != nil {
		return nil, err
	}
	w, h := in.Spec.Fit(srcW, srcH)
	loss := LossForWidth(lossWidth(in.Spec, w))

	out, err := in.Scope.Allocate("gif")
	if err != nil {
		return nil, err
	}
	if err := s.Encoder.Encode(ctx, src, out, w, h, loss); err != nil {
		_ = out.Release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, ErrDecode) && !errors.Is(err, ErrEncode) && !errors.Is(err, tempfs.ErrTempIO) {
			err = fmt.Errorf("%w: %v", ErrEncode, err)
		}
		return nil, err
	}
	_ = src.Release()

	res, err := fileResult(out, s.OutputFormat(in.Media))
	if err != nil {
		return nil, err
	}
	if res.Size == 0 {
		_ = res.Close()
		return nil, fmt.Errorf("%w: encoder produced an empty gif", ErrEncode)
	}
	res.Width, res.Height = w, h
	res.SourceWidth, res.SourceHeight = srcW, srcH
	return res, nil
}

// lossWidth keys the loss table by the requested width, or by the fitted
// width for height-only tokens.
func lossWidth(spec sizespec.Spec, fitted int) int {
	if spec.Width() > 0 {
		return spec.Width()
	}
	return fitted
}

func gifBounds(asset *tempfs.Asset) (int, int, error) {
	f, err := asset.Open()
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, err := gif.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: gif header: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, fmt.Errorf("%w: gif has invalid dimensions", ErrDecode)
	}
	return cfg.Width, cfg.Height, nil
}
