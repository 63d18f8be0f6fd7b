package derive

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dunamismax/derivflow/internal/domain"
	"github.com/dunamismax/derivflow/internal/media"
	"github.com/dunamismax/derivflow/internal/pipeline"
	"github.com/dunamismax/derivflow/internal/sizespec"
	"github.com/dunamismax/derivflow/internal/storage"
	"github.com/dunamismax/derivflow/internal/tempfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputKey(t *testing.T) {
	keys := KeyScheme{SourcePrefix: DefaultSourcePrefix, DerivativePrefix: DefaultDerivativePrefix}
	png := media.Format{Ext: "png", ContentType: "image/png"}
	jpg := media.Format{Ext: "jpg", ContentType: "image/jpeg"}

	tests := []struct {
		name  string
		keys  KeyScheme
		src   string
		token string
		kind  media.Kind
		out   media.Format
		want  string
	}{
		{"image", keys, "assets/cat.png", "640w", media.KindImage, png, "derivatives/640w/cat.png"},
		{"video thumbnail", keys, "assets/clip.mp4", "360w", media.KindVideo, jpg, "derivatives/360w/clip-thumbnail.jpg"},
		{"nested", keys, "assets/pets/2024/cat.jpeg", "480h", media.KindImage, jpg, "derivatives/480h/pets/2024/cat.jpg"},
		{"format change", keys, "assets/cat.webp", "640w", media.KindImage, png, "derivatives/640w/cat.png"},
		{"outside prefix", keys, "uploads/cat.png", "640w", media.KindImage, png, "derivatives/640w/uploads/cat.png"},
		{"no extension", keys, "assets/raw", "640w", media.KindImage, png, "derivatives/640w/raw.png"},
		{"default prefix", KeyScheme{}, "cat.png", "640w", media.KindImage, png, "derivatives/640w/cat.png"},
		{"custom prefix", KeyScheme{SourcePrefix: "/src", DerivativePrefix: "/out/"}, "src/a.gif", "480w", media.KindAnimatedImage, media.Format{Ext: "gif"}, "out/480w/a.gif"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.keys.OutputKey(tc.src, tc.token, tc.kind, tc.out))
		})
	}
}

func TestOutputKeyIsDeterministic(t *testing.T) {
	keys := KeyScheme{SourcePrefix: DefaultSourcePrefix}
	out := media.Format{Ext: "png"}
	first := keys.OutputKey("assets/cat.png", "640w", media.KindImage, out)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, keys.OutputKey("assets/cat.png", "640w", media.KindImage, out))
	}
}

func TestLocation(t *testing.T) {
	assert.Equal(t, "https://cdn.example.com/derivatives/640w/cat.png", Location("https://cdn.example.com/", "derivatives/640w/cat.png"))
	assert.Equal(t, "https://cdn.example.com/derivatives/640w/cat.png", Location("https://cdn.example.com", "/derivatives/640w/cat.png"))
}

type statFunc func(ctx context.Context, key string) (storage.ObjectInfo, error)

func (f statFunc) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) { return f(ctx, key) }

func TestGate(t *testing.T) {
	boom := errors.New("connection reset")
	tests := []struct {
		name    string
		stat    statFunc
		want    Presence
		wantErr error
	}{
		{"exists", func(context.Context, string) (storage.ObjectInfo, error) {
			return storage.ObjectInfo{Key: "k", ETag: "abc"}, nil
		}, Exists, nil},
		{"missing", func(context.Context, string) (storage.ObjectInfo, error) {
			return storage.ObjectInfo{}, fmt.Errorf("stat k: %w", storage.ErrNotFound)
		}, Missing, nil},
		{"error", func(context.Context, string) (storage.ObjectInfo, error) {
			return storage.ObjectInfo{}, boom
		}, Missing, boom},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, _, err := NewGate(tc.stat).Check(context.Background(), "k")
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestShouldGenerate(t *testing.T) {
	assert.True(t, ShouldGenerate(Missing, false))
	assert.True(t, ShouldGenerate(Missing, true))
	assert.False(t, ShouldGenerate(Exists, false))
	assert.True(t, ShouldGenerate(Exists, true))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{sizespec.ErrInvalidSizeFormat, KindInvalidRequest},
		{sizespec.ErrInvalidSizeToken, KindInvalidRequest},
		{domain.ErrInvalidSourceKey, KindInvalidRequest},
		{media.ErrUnknownMediaType, KindClassificationFailure},
		{storage.ErrNotFound, KindFetchFailure},
		{pipeline.ErrFetch, KindFetchFailure},
		{pipeline.ErrDecode, KindDecodeFailure},
		{pipeline.ErrEncode, KindEncodeFailure},
		{pipeline.ErrFrameExtraction, KindFrameExtractionFailure},
		{pipeline.ErrPublish, KindPublishFailure},
		{tempfs.ErrTempIO, KindTempIOFailure},
		{fmt.Errorf("%w: %w", pipeline.ErrPublish, pipeline.ErrEncode), KindEncodeFailure},
		{errors.New("anything else"), KindFetchFailure},
		{context.Canceled, KindCanceled},
		{context.DeadlineExceeded, KindCanceled},
		{fmt.Errorf("%w: %w", pipeline.ErrDecode, context.Canceled), KindCanceled},
	}
	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
			assert.Equal(t, tc.want, KindOf(newError(StageFetch, tc.err)))
		})
	}
}

func TestErrorFallsBackOnStage(t *testing.T) {
	plain := errors.New("opaque")
	assert.Equal(t, KindInvalidRequest, newError(StageParse, plain).Kind)
	assert.Equal(t, KindTempIOFailure, newError(StageTemp, plain).Kind)
	assert.Equal(t, KindDecodeFailure, newError(StageTransform, plain).Kind)
	assert.Equal(t, KindPublishFailure, newError(StagePublish, plain).Kind)

	err := newError(StagePublish, plain)
	assert.ErrorIs(t, err, plain)
	assert.Contains(t, err.Error(), "publish")
	assert.True(t, KindInvalidRequest.Client())
	assert.False(t, KindPublishFailure.Client())
}
