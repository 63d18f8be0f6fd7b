package derive

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/derivflow/internal/domain"
	"github.com/dunamismax/derivflow/internal/media"
	"github.com/dunamismax/derivflow/internal/pipeline"
	"github.com/dunamismax/derivflow/internal/sizespec"
	"github.com/dunamismax/derivflow/internal/storage"
	"github.com/dunamismax/derivflow/internal/tempfs"
)

// Kind is the caller-visible failure category.
type Kind string

const (
	KindInvalidRequest         Kind = "InvalidRequest"
	KindClassificationFailure  Kind = "ClassificationFailure"
	KindFetchFailure           Kind = "FetchFailure"
	KindDecodeFailure          Kind = "DecodeFailure"
	KindEncodeFailure          Kind = "EncodeFailure"
	KindFrameExtractionFailure Kind = "FrameExtractionFailure"
	KindPublishFailure         Kind = "PublishFailure"
	KindTempIOFailure          Kind = "TempIOFailure"
	KindCanceled               Kind = "Canceled"
)

// Client reports whether the failure was caused by the caller's input.
func (k Kind) Client() bool { return k == KindInvalidRequest }

// Stage names where a request failed.
const (
	StageParse     = "parse"
	StageClassify  = "classify"
	StageGate      = "gate"
	StageTemp      = "temp"
	StageFetch     = "fetch"
	StageTransform = "transform"
	StagePublish   = "publish"
)

// Error is the only error Generate returns.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf maps any error to a failure kind. Errors that carry no recognised
// sentinel count as fetch failures.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return classify(err, "")
}

func newError(stage string, err error) *Error {
	return &Error{Kind: classify(err, stage), Stage: stage, Err: err}
}

func classify(err error, stage string) Kind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, sizespec.ErrInvalidSizeToken),
		errors.Is(err, sizespec.ErrInvalidSizeFormat),
		errors.Is(err, domain.ErrInvalidSourceKey):
		return KindInvalidRequest
	case errors.Is(err, pipeline.ErrFrameExtraction):
		return KindFrameExtractionFailure
	case errors.Is(err, tempfs.ErrTempIO), errors.Is(err, tempfs.ErrScopeClosed):
		return KindTempIOFailure
	case errors.Is(err, pipeline.ErrFetch), errors.Is(err, storage.ErrNotFound):
		return KindFetchFailure
	case errors.Is(err, pipeline.ErrDecode):
		return KindDecodeFailure
	case errors.Is(err, pipeline.ErrEncode):
		return KindEncodeFailure
	case errors.Is(err, pipeline.ErrPublish):
		return KindPublishFailure
	case errors.Is(err, media.ErrUnknownMediaType):
		return KindClassificationFailure
	}

	switch stage {
	case StageParse:
		return KindInvalidRequest
	case StageTemp:
		return KindTempIOFailure
	case StageTransform:
		return KindDecodeFailure
	case StagePublish:
		return KindPublishFailure
	default:
		return KindFetchFailure
	}
}
