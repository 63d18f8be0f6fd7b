package media

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
)

const (
	octetStream = "application/octet-stream"

	// SniffLength is the byte prefix read when the content type is ambiguous.
	SniffLength = 3072
)

var ErrUnknownMediaType = errors.New("unknown media type")

// Prober answers metadata questions about a stored object without reading
// its whole body.
type Prober interface {
	ContentType(ctx context.Context, key string) (string, error)
	OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
}

type Classifier struct {
	prober Prober
}

// NewClassifier returns a classifier. A nil prober limits classification to
// extensions.
func NewClassifier(prober Prober) *Classifier {
	return &Classifier{prober: prober}
}

// Classify resolves the kind of the object at key. The extension decides
// when it is known; otherwise the stored content type is consulted and,
// when that is missing or application/octet-stream, a prefix of the body is
// sniffed.
func (c *Classifier) Classify(ctx context.Context, key string) (Descriptor, error) {
	if d, ok := DescribeExtension(ExtensionOf(key)); ok {
		return d, nil
	}
	if c.prober == nil {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownMediaType, key)
	}

	contentType, err := c.prober.ContentType(ctx, key)
	if err != nil {
		return Descriptor{}, fmt.Errorf("probe content type %s: %w", key, err)
	}
	if ct := baseMIME(contentType); ct != "" && ct != octetStream {
		if d, ok := DescribeMIME(ct); ok {
			return d, nil
		}
		return Descriptor{}, fmt.Errorf("%w: %s has content type %s", ErrUnknownMediaType, key, ct)
	}

	rc, err := c.prober.OpenRange(ctx, key, 0, SniffLength)
	if err != nil {
		return Descriptor{}, fmt.Errorf("open prefix %s: %w", key, err)
	}
	defer rc.Close()

	return Sniff(rc, key)
}

// Sniff detects the media type from the first bytes of r.
func Sniff(r io.Reader, name string) (Descriptor, error) {
	return sniff(r, name, DescribeMIME)
}

// SniffAudio is Sniff restricted to audio types.
func SniffAudio(r io.Reader, name string) (Descriptor, error) {
	return sniff(r, name, DescribeAudio)
}

func sniff(r io.Reader, name string, describe func(string) (Descriptor, bool)) (Descriptor, error) {
	mt, err := mimetype.DetectReader(io.LimitReader(r, SniffLength))
	if err != nil {
		return Descriptor{}, fmt.Errorf("sniff %s: %w", name, err)
	}
	for m := mt; m != nil; m = m.Parent() {
		if d, ok := describe(m.String()); ok {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %s sniffed as %s", ErrUnknownMediaType, name, mt.String())
}
