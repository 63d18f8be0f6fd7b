//go:build govips && cgo

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/derivflow/internal/media"
	"github.com/dunamismax/derivflow/internal/sizespec"
)

type govipsTransformer struct {
	quality int
}

func (t govipsTransformer) OutputFormat(ext string) media.Format {
	switch ext = media.NormalizeExtension(ext); ext {
	case "jpg", "png", "webp":
		return format(ext)
	default:
		return format("png")
	}
}

func (t govipsTransformer) Transform(ctx context.Context, src io.Reader, spec sizespec.Spec, out media.Format) (Rendition, error) {
	select {
	case <-ctx.Done():
		return Rendition{}, ctx.Err()
	default:
	}

	input, err := io.ReadAll(src)
	if err != nil {
		return Rendition{}, err
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return Rendition{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer img.Close()

	if err := img.AutoRotate(); err != nil {
		return Rendition{}, fmt.Errorf("%w: auto rotate: %v", ErrDecode, err)
	}

	srcW, srcH := img.Width(), img.Height()
	w, h := spec.Fit(srcW, srcH)
	if w == 0 || h == 0 {
		return Rendition{}, fmt.Errorf("%w: source image has invalid dimensions", ErrDecode)
	}

	if w != srcW || h != srcH {
		hscale := float64(w) / float64(srcW)
		vscale := float64(h) / float64(srcH)
		if err := img.ResizeWithVScale(hscale, vscale, vips.KernelLanczos3); err != nil {
			return Rendition{}, fmt.Errorf("%w: resize image: %v", ErrEncode, err)
		}
	}

	data, err := exportGovipsImage(img, out.Ext, t.quality)
	if err != nil {
		return Rendition{}, err
	}

	return Rendition{
		Format:       out,
		Width:        img.Width(),
		Height:       img.Height(),
		SourceWidth:  srcW,
		SourceHeight: srcH,
		encode: func(dst io.Writer) error {
			_, err := io.Copy(dst, bytes.NewReader(data))
			return err
		},
	}, nil
}

func exportGovipsImage(img *vips.ImageRef, ext string, quality int) ([]byte, error) {
	switch ext {
	case "jpg":
		params := vips.NewJpegExportParams()
		params.Quality = quality
		params.StripMetadata = true
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("%w: jpg: %v", ErrEncode, err)
		}
		return data, nil
	case "png":
		params := vips.NewPngExportParams()
		params.StripMetadata = true
		data, _, err := img.ExportPng(params)
		if err != nil {
			return nil, fmt.Errorf("%w: png: %v", ErrEncode, err)
		}
		return data, nil
	case "webp":
		params := vips.NewWebpExportParams()
		params.Quality = quality
		params.StripMetadata = true
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("%w: webp: %v", ErrEncode, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: unsupported output format %s", ErrEncode, ext)
	}
}
