package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dunamismax/derivflow/internal/storage"
)

const (
	DefaultSmallObjectLimit = 5 << 20
	DefaultPartSize         = 16 << 20
)

// ObjectWriter is the write half of the object store.
type ObjectWriter interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, opts storage.PutOptions) (storage.Ack, error)
}

// Publisher uploads derivatives. Bodies that fit under SmallObjectLimit go
// up as one sized request; larger or unbounded bodies stream as multipart.
type Publisher struct {
	Storage          ObjectWriter
	SmallObjectLimit int64
	PartSize         uint64
}

func NewPublisher(w ObjectWriter, smallObjectLimit int64, partSize uint64) *Publisher {
	if smallObjectLimit <= 0 {
		smallObjectLimit = DefaultSmallObjectLimit
	}
	if partSize == 0 {
		partSize = DefaultPartSize
	}
	return &Publisher{Storage: w, SmallObjectLimit: smallObjectLimit, PartSize: partSize}
}

// Publish returns once storage has acknowledged the write.
func (p *Publisher) Publish(ctx context.Context, key string, res *Result) (storage.Ack, error) {
	if p.Storage == nil {
		return storage.Ack{}, fmt.Errorf("%w: storage client is required", ErrPublish)
	}
	if strings.TrimSpace(key) == "" {
		return storage.Ack{}, fmt.Errorf("%w: output key is required", ErrPublish)
	}

	opts := storage.PutOptions{ContentType: res.Format.ContentType}

	body, size, err := p.prepare(res)
	if err != nil {
		return storage.Ack{}, fmt.Errorf("%w: %s: %w", ErrPublish, key, err)
	}
	if size < 0 || size > p.SmallObjectLimit {
		opts.PartSize = p.PartSize
	}

	ack, err := p.Storage.Put(ctx, key, body, size, opts)
	if err != nil {
		return storage.Ack{}, fmt.Errorf("%w: %s: %w", ErrPublish, key, err)
	}
	return ack, nil
}

// prepare buffers bodies of unknown length until they either end under the
// small object limit or prove to be larger, in which case the buffered
// prefix is replayed ahead of the rest of the stream.
func (p *Publisher) prepare(res *Result) (io.Reader, int64, error) {
	body := res.Body()
	if res.Size >= 0 {
		if res.Size <= p.SmallObjectLimit {
			var buf bytes.Buffer
			buf.Grow(int(res.Size))
			if _, err := io.Copy(&buf, body); err != nil {
				return nil, 0, err
			}
			return bytes.NewReader(buf.Bytes()), int64(buf.Len()), nil
		}
		return body, res.Size, nil
	}

	var buf bytes.Buffer
	n, err := io.CopyN(&buf, body, p.SmallObjectLimit+1)
	switch {
	case errors.Is(err, io.EOF):
		return bytes.NewReader(buf.Bytes()), n, nil
	case err != nil:
		return nil, 0, err
	}
	return io.MultiReader(&buf, body), -1, nil
}
