package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dunamismax/derivflow/internal/media"
	"github.com/dunamismax/derivflow/internal/sizespec"
	"github.com/dunamismax/derivflow/internal/tempfs"
)

// ImageStage resizes still images. Output streams to the publisher while it
// is encoded.
type ImageStage struct {
	Transformer Transformer
}

func NewImageStage(t Transformer) *ImageStage {
	return &ImageStage{Transformer: t}
}

func (s *ImageStage) Kind() media.Kind { return media.KindImage }

func (s *ImageStage) OutputFormat(src media.Descriptor) media.Format {
	return s.Transformer.OutputFormat(src.Extension)
}

func (s *ImageStage) Run(ctx context.Context, in Input) (*Result, error) {
	if err := in.Tracker.Advance(StateTransforming); err != nil {
		return nil, err
	}
	return s.render(ctx, in.Source, in.Spec, s.OutputFormat(in.Media))
}

// RunAsset renders from a temp file handed over by another stage. The stage
// takes ownership of asset and releases it once the image is decoded.
func (s *ImageStage) RunAsset(ctx context.Context, asset *tempfs.Asset, spec sizespec.Spec, out media.Format) (*Result, error) {
	f, err := asset.Open()
	if err != nil {
		_ = asset.Release()
		return nil, err
	}

	res, err := s.render(ctx, f, spec, out)
	_ = f.Close()
	// a failed release is reported again when the scope closes
	_ = asset.Release()
	return res, err
}

func (s *ImageStage) render(ctx context.Context, src io.Reader, spec sizespec.Spec, out media.Format) (*Result, error) {
	guard := &readGuard{r: src}
	rend, err := s.Transformer.Transform(ctx, guard, spec, out)
	if err != nil {
		if fetchErr := guard.Err(); fetchErr != nil {
			return nil, fetchErr
		}
		return nil, err
	}
	return streamRendition(rend), nil
}

// readGuard remembers the first read failure so a truncated source surfaces
// as a fetch error instead of a decode error.
type readGuard struct {
	r io.Reader

	mu  sync.Mutex
	err error
}

func (g *readGuard) Read(p []byte) (int, error) {
	n, err := g.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		g.mu.Lock()
		if g.err == nil {
			if errors.Is(err, ErrFetch) || errors.Is(err, tempfs.ErrTempIO) {
				g.err = err
			} else {
				g.err = fmt.Errorf("%w: %w", ErrFetch, err)
			}
		}
		g.mu.Unlock()
	}
	return n, err
}

func (g *readGuard) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}
