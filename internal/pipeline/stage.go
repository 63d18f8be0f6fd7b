package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dunamismax/derivflow/internal/media"
	"github.com/dunamismax/derivflow/internal/sizespec"
	"github.com/dunamismax/derivflow/internal/tempfs"
)

var (
	ErrFetch           = errors.New("fetch source")
	ErrDecode          = errors.New("decode source")
	ErrEncode          = errors.New("encode derivative")
	ErrFrameExtraction = errors.New("extract video frame")
	ErrPublish         = errors.New("publish derivative")

	errAborted = errors.New("derivative stream aborted")
)

// Stage turns a source stream into a derivative for one media kind.
type Stage interface {
	Kind() media.Kind
	OutputFormat(src media.Descriptor) media.Format
	Run(ctx context.Context, in Input) (*Result, error)
}

type Input struct {
	Scope   *tempfs.Scope
	Source  io.Reader
	Spec    sizespec.Spec
	Media   media.Descriptor
	Tracker *Tracker
}

// Stages dispatches on media kind.
type Stages map[media.Kind]Stage

func NewStages(stages ...Stage) Stages {
	out := make(Stages, len(stages))
	for _, s := range stages {
		out[s.Kind()] = s
	}
	return out
}

func (s Stages) For(kind media.Kind) (Stage, error) {
	stage, ok := s[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no stage for %s", media.ErrUnknownMediaType, kind)
	}
	return stage, nil
}

// Result is a produced derivative. Its body is consumed once by the
// publisher; Close must always be called and releases whatever the result
// still owns.
type Result struct {
	Format       media.Format
	Width        int
	Height       int
	SourceWidth  int
	SourceHeight int
	Duration     time.Duration
	Size         int64 // -1 while the body is still being produced

	body    io.Reader
	abort   func()
	done    chan struct{}
	release []func() error

	mu       sync.Mutex
	err      error
	finished bool
	aborted  bool

	closeOnce sync.Once
	closeErr  error
}

func (r *Result) Body() io.Reader { return r.body }

// Err reports the producer failure, if any. It is meaningful after Close.
func (r *Result) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted || errors.Is(r.err, errAborted) {
		return nil
	}
	return r.err
}

// Close stops a producer that is still writing, waits for it and releases
// owned resources. Only release failures are returned.
func (r *Result) Close() error {
	r.closeOnce.Do(func() {
		if r.abort != nil {
			r.mu.Lock()
			r.aborted = !r.finished
			r.mu.Unlock()
			r.abort()
		}
		if r.done != nil {
			<-r.done
		}
		var errs []error
		for i := len(r.release) - 1; i >= 0; i-- {
			if err := r.release[i](); err != nil {
				errs = append(errs, err)
			}
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

func (r *Result) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.finished = true
	r.mu.Unlock()
}

// streamRendition encodes into a pipe on its own goroutine so the publisher
// uploads while the encoder writes.
func streamRendition(rend Rendition) *Result {
	pr, pw := io.Pipe()
	res := &Result{
		Format:       rend.Format,
		Width:        rend.Width,
		Height:       rend.Height,
		SourceWidth:  rend.SourceWidth,
		SourceHeight: rend.SourceHeight,
		Size:         -1,
		body:         pr,
		abort:        func() { _ = pr.CloseWithError(errAborted) },
		done:         make(chan struct{}),
	}

	go func() {
		err := rend.Encode(pw)
		res.setErr(err)
		_ = pw.CloseWithError(err)
		close(res.done)
	}()
	return res
}

// fileResult publishes a finished temp file and releases it on Close.
func fileResult(asset *tempfs.Asset, format media.Format) (*Result, error) {
	size, err := asset.Size()
	if err != nil {
		_ = asset.Release()
		return nil, err
	}
	f, err := asset.Open()
	if err != nil {
		_ = asset.Release()
		return nil, err
	}
	return &Result{
		Format:  format,
		Size:    size,
		body:    f,
		release: []func() error{asset.Release, f.Close},
	}, nil
}

// materialize copies src into a new temp asset for stages that need random
// access to the whole source.
func materialize(ctx context.Context, scope *tempfs.Scope, src io.Reader, ext string) (*tempfs.Asset, error) {
	asset, f, err := scope.Create(ext)
	if err != nil {
		return nil, err
	}

	_, copyErr := io.Copy(&tempWriter{f}, &sourceReader{ctx: ctx, r: src})
	closeErr := f.Close()

	var twErr *tempWriteError
	switch {
	case errors.As(copyErr, &twErr):
		_ = asset.Release()
		return nil, fmt.Errorf("%w: write %s: %v", tempfs.ErrTempIO, asset.Path(), twErr.err)
	case copyErr != nil:
		_ = asset.Release()
		return nil, copyErr
	case closeErr != nil:
		_ = asset.Release()
		return nil, fmt.Errorf("%w: close %s: %v", tempfs.ErrTempIO, asset.Path(), closeErr)
	}
	return asset, nil
}

type sourceReader struct {
	ctx context.Context
	r   io.Reader
}

func (s *sourceReader) Read(p []byte) (int, error) {
	if err := s.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	return n, err
}

type tempWriteError struct{ err error }

func (e *tempWriteError) Error() string { return e.err.Error() }

type tempWriter struct{ w io.Writer }

func (t *tempWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		return n, &tempWriteError{err}
	}
	return n, nil
}
