package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/derivflow/internal/media"
	"github.com/dunamismax/derivflow/internal/sizespec"
	_ "golang.org/x/image/webp"
)

// imagingTransformer is the pure Go transformer. It reads WebP but cannot
// write it, so WebP sources come out as PNG.
type imagingTransformer struct {
	quality int
}

func NewImagingTransformer(quality int) Transformer {
	return imagingTransformer{quality: normalizeQuality(quality)}
}

func (t imagingTransformer) OutputFormat(ext string) media.Format {
	switch ext = media.NormalizeExtension(ext); ext {
	case "jpg", "png", "bmp", "tif", "tiff":
		return format(ext)
	default:
		return format("png")
	}
}

func (t imagingTransformer) Transform(ctx context.Context, src io.Reader, spec sizespec.Spec, out media.Format) (Rendition, error) {
	select {
	case <-ctx.Done():
		return Rendition{}, ctx.Err()
	default:
	}

	img, err := imaging.Decode(src, imaging.AutoOrientation(true))
	if err != nil {
		return Rendition{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	bounds := img.Bounds()
	w, h := spec.Fit(bounds.Dx(), bounds.Dy())
	if w == 0 || h == 0 {
		return Rendition{}, fmt.Errorf("%w: source image has invalid dimensions", ErrDecode)
	}

	enc, err := imaging.FormatFromExtension(out.Ext)
	if err != nil {
		return Rendition{}, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	var resized image.Image = img
	if w != bounds.Dx() || h != bounds.Dy() {
		resized = imaging.Resize(img, w, h, imaging.Lanczos)
	}

	quality := t.quality
	return Rendition{
		Format:       out,
		Width:        w,
		Height:       h,
		SourceWidth:  bounds.Dx(),
		SourceHeight: bounds.Dy(),
		encode: func(dst io.Writer) error {
			if err := imaging.Encode(dst, resized, enc, imaging.JPEGQuality(quality)); err != nil {
				if errors.Is(err, errAborted) {
					return err
				}
				return fmt.Errorf("%w: %s: %v", ErrEncode, out.Ext, err)
			}
			return nil
		},
	}, nil
}
