package pipeline

import (
	"context"
	"io"

	"github.com/dunamismax/derivflow/internal/media"
	"github.com/dunamismax/derivflow/internal/sizespec"
)

const DefaultQuality = 82

// Transformer decodes a still image, fits it to a size spec and prepares the
// re-encoded output.
type Transformer interface {
	Transform(ctx context.Context, src io.Reader, spec sizespec.Spec, out media.Format) (Rendition, error)
	// OutputFormat maps a source extension to the format this transformer
	// writes for it.
	OutputFormat(ext string) media.Format
}

// Rendition is a decoded and resized image waiting to be encoded.
type Rendition struct {
	Format       media.Format
	Width        int
	Height       int
	SourceWidth  int
	SourceHeight int

	encode func(w io.Writer) error
}

func (r Rendition) Encode(w io.Writer) error {
	return r.encode(w)
}

func format(ext string) media.Format {
	ext = media.NormalizeExtension(ext)
	return media.Format{Ext: ext, ContentType: media.ContentTypeFor(ext)}
}

func normalizeQuality(q int) int {
	if q <= 0 || q > 100 {
		return DefaultQuality
	}
	return q
}
