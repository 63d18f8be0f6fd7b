package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/derivflow/internal/derive"
	"github.com/dunamismax/derivflow/internal/domain"
	"github.com/dunamismax/derivflow/internal/media"
	"github.com/dunamismax/derivflow/internal/pipeline"
	"github.com/dunamismax/derivflow/internal/queue"
	"github.com/dunamismax/derivflow/internal/ratelimit"
	"github.com/dunamismax/derivflow/internal/sizespec"
	"github.com/dunamismax/derivflow/internal/storage"
	"github.com/dunamismax/derivflow/internal/store"
	"github.com/dunamismax/derivflow/internal/tempfs"
	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeriver struct {
	mu   sync.Mutex
	reqs []domain.DerivativeRequest
	out  derive.Outcome
	err  error
}

func (f *fakeDeriver) Generate(_ context.Context, req domain.DerivativeRequest) (derive.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.out, f.err
}

type fakeQueue struct {
	payloads []queue.OptimizeAssetPayload
	err      error
}

func (f *fakeQueue) EnqueueOptimizeAsset(_ context.Context, payload queue.OptimizeAssetPayload) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, payload)
	return &asynq.TaskInfo{
		ID:            fmt.Sprintf("task-%d", len(f.payloads)),
		Queue:         "derivflow",
		State:         asynq.TaskStatePending,
		NextProcessAt: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
	}, nil
}

type fakeLimiter struct {
	allowed  bool
	err      error
	subjects []string
}

func (f *fakeLimiter) Allow(_ context.Context, subject string, _ int) (ratelimit.Decision, error) {
	f.subjects = append(f.subjects, subject)
	if f.err != nil {
		return ratelimit.Decision{}, f.err
	}
	if f.allowed {
		return ratelimit.Decision{Allowed: true, Remaining: 4}, nil
	}
	return ratelimit.Decision{RetryAfter: 2500 * time.Millisecond}, nil
}

func testParser(t *testing.T) *sizespec.Parser {
	t.Helper()
	p, err := sizespec.NewParser([]string{"360w", "600w", "640w", "480h"})
	require.NoError(t, err)
	return p
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	opts.Logger = zerolog.Nop()
	if opts.Sizes == nil {
		opts.Sizes = testParser(t)
	}
	return NewServer(opts)
}

func serve(s *Server, method, target string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, Options{})
	rec := serve(s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestDerivativeRedirects(t *testing.T) {
	deriver := &fakeDeriver{out: derive.Outcome{
		Location: "https://cdn.example.com/derivatives/640w/assets/cat.png",
	}}
	s := newTestServer(t, Options{Deriver: deriver})

	rec := serve(s, http.MethodGet, "/v1/derivatives/640w/assets/nested/cat.png?force=true", "")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "https://cdn.example.com/derivatives/640w/assets/cat.png", rec.Header().Get("Location"))
	assert.Equal(t, "miss", rec.Header().Get("X-Derivflow-Cache"))

	require.Len(t, deriver.reqs, 1)
	assert.Equal(t, domain.DerivativeRequest{SourceKey: "assets/nested/cat.png", Size: "640w", Force: true}, deriver.reqs[0])
}

func TestDerivativeRejectsBadForce(t *testing.T) {
	deriver := &fakeDeriver{}
	s := newTestServer(t, Options{Deriver: deriver})

	rec := serve(s, http.MethodGet, "/v1/derivatives/640w/assets/cat.png?force=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, deriver.reqs)
}

func TestDerivativeErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "unknown token",
			err:        &derive.Error{Kind: derive.KindInvalidRequest, Stage: derive.StageParse, Err: fmt.Errorf("%w: \"100w\"", sizespec.ErrInvalidSizeToken)},
			wantStatus: http.StatusNotFound,
			wantBody:   msgInvalidOutputSize,
		},
		{
			name:       "malformed token",
			err:        &derive.Error{Kind: derive.KindInvalidRequest, Stage: derive.StageParse, Err: fmt.Errorf("%w: \"999\"", sizespec.ErrInvalidSizeFormat)},
			wantStatus: http.StatusNotFound,
			wantBody:   msgInvalidImageSize,
		},
		{
			name:       "bad key",
			err:        &derive.Error{Kind: derive.KindInvalidRequest, Stage: derive.StageParse, Err: domain.ErrInvalidSourceKey},
			wantStatus: http.StatusNotFound,
			wantBody:   msgInvalidSourceKey,
		},
		{
			name:       "encode failure",
			err:        &derive.Error{Kind: derive.KindEncodeFailure, Stage: derive.StageTransform, Err: pipeline.ErrEncode},
			wantStatus: http.StatusInternalServerError,
			wantBody:   `"code":"EncodeFailure"`,
		},
		{
			name:       "canceled",
			err:        &derive.Error{Kind: derive.KindCanceled, Stage: derive.StageTransform, Err: context.Canceled},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `"code":"Canceled"`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, Options{Deriver: &fakeDeriver{err: tc.err}})
			rec := serve(s, http.MethodGet, "/v1/derivatives/640w/assets/cat.png", "")
			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.wantBody)
			assert.Empty(t, rec.Header().Get("Location"))
		})
	}
}

func TestDerivativeWithoutDeriver(t *testing.T) {
	s := newTestServer(t, Options{})
	rec := serve(s, http.MethodGet, "/v1/derivatives/640w/assets/cat.png", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAssetRegistration(t *testing.T) {
	assets := store.NewMemoryAssetStore()
	s := newTestServer(t, Options{Assets: assets})

	rec := serve(s, http.MethodPut, "/v1/assets/a1", `{"original_uri":"ipfs://bafy/1.png","audio_uri":"ar://track"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created domain.Asset
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "a1", created.ID)
	assert.Equal(t, domain.AssetStatusPending, created.Status)

	rec = serve(s, http.MethodGet, "/v1/assets/a1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"original_uri":"ipfs://bafy/1.png"`)
	assert.Contains(t, rec.Body.String(), `"audio_uri":"ar://track"`)

	rec = serve(s, http.MethodGet, "/v1/assets/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(s, http.MethodPut, "/v1/assets/a2", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(s, http.MethodPut, "/v1/assets/a3", `{"source_key":"../etc/passwd"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(s, http.MethodPut, "/v1/assets/a4", `{"source_key":"assets/a.png","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOptimizeAssetEnqueues(t *testing.T) {
	assets := store.NewMemoryAssetStore()
	require.NoError(t, assets.Put(context.Background(), domain.Asset{ID: "a1", SourceKey: "assets/a1.png"}))
	q := &fakeQueue{}
	s := newTestServer(t, Options{Assets: assets, Queue: q})

	rec := serve(s, http.MethodPost, "/v1/assets/a1/optimize", `{"size":"640w","force":true,"webhook_url":"https://hooks.example/x"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"task_id":"task-1"`)

	require.Len(t, q.payloads, 1)
	p := q.payloads[0]
	assert.Equal(t, "a1", p.AssetID)
	assert.Equal(t, "640w", p.Size)
	assert.True(t, p.Force)
	assert.Equal(t, "https://hooks.example/x", p.WebhookURL)
	assert.False(t, p.RequestedAt.IsZero())

	rec = serve(s, http.MethodPost, "/v1/assets/a1/optimize", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Empty(t, q.payloads[1].Size)
}

func TestOptimizeAssetRejections(t *testing.T) {
	assets := store.NewMemoryAssetStore()
	require.NoError(t, assets.Put(context.Background(), domain.Asset{ID: "a1", SourceKey: "assets/a1.png"}))

	q := &fakeQueue{}
	s := newTestServer(t, Options{Assets: assets, Queue: q})

	rec := serve(s, http.MethodPost, "/v1/assets/a1/optimize", `{"size":"100w"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), msgInvalidOutputSize)

	rec = serve(s, http.MethodPost, "/v1/assets/a1/optimize", `{"size":"999"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), msgInvalidImageSize)

	rec = serve(s, http.MethodPost, "/v1/assets/missing/optimize", `{"size":"640w"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, q.payloads)

	failing := newTestServer(t, Options{Assets: assets, Queue: &fakeQueue{err: errors.New("redis down")}})
	rec = serve(failing, http.MethodPost, "/v1/assets/a1/optimize", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	noQueue := newTestServer(t, Options{Assets: assets})
	rec = serve(noQueue, http.MethodPost, "/v1/assets/a1/optimize", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimitMetersForcedAndEnqueue(t *testing.T) {
	limiter := &fakeLimiter{}
	deriver := &fakeDeriver{out: derive.Outcome{Location: "https://cdn.example.com/x.png"}}
	s := newTestServer(t, Options{Deriver: deriver, Queue: &fakeQueue{}, RateLimiter: limiter})

	rec := serve(s, http.MethodGet, "/v1/derivatives/640w/assets/cat.png", "")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code, "unforced requests are not metered")
	assert.Empty(t, limiter.subjects)

	req := httptest.NewRequest(http.MethodGet, "/v1/derivatives/640w/assets/cat.png?force=1", nil)
	req.Header.Set(SubjectHeader, "tenant-a")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	require.Len(t, limiter.subjects, 1)
	assert.Equal(t, "tenant-a:/v1/derivatives/{size}/*", limiter.subjects[0])

	rec = serve(s, http.MethodPost, "/v1/assets/a1/optimize", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Len(t, deriver.reqs, 1)
}

func TestRateLimitFailsOpen(t *testing.T) {
	limiter := &fakeLimiter{err: errors.New("redis down")}
	deriver := &fakeDeriver{out: derive.Outcome{Location: "https://cdn.example.com/x.png"}}
	s := newTestServer(t, Options{Deriver: deriver, RateLimiter: limiter})

	rec := serve(s, http.MethodGet, "/v1/derivatives/640w/assets/cat.png?force=true", "")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Len(t, limiter.subjects, 1)
}

func TestMetricsUseRoutePatterns(t *testing.T) {
	registry := prometheus.NewRegistry()
	deriver := &fakeDeriver{out: derive.Outcome{Location: "https://cdn.example.com/x.png"}}
	s := newTestServer(t, Options{Deriver: deriver, Registry: registry})

	serve(s, http.MethodGet, "/v1/derivatives/640w/assets/a.png", "")
	serve(s, http.MethodGet, "/v1/derivatives/640w/assets/b.png", "")

	families, err := registry.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "derivflow_api_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "route" {
					assert.Equal(t, "/v1/derivatives/{size}/*", l.GetValue())
				}
			}
			assert.Equal(t, float64(2), m.GetCounter().GetValue())
			found = true
		}
	}
	assert.True(t, found)

	rec := serve(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "derivflow_api_requests_total")
}

func TestDerivativeEndToEnd(t *testing.T) {
	objects := storage.NewLocal(afero.NewMemMapFs())
	temp, err := tempfs.NewManager(afero.NewMemMapFs(), "/tmp/derivflow")
	require.NoError(t, err)
	parser := testParser(t)

	imageStage := pipeline.NewImageStage(pipeline.NewImagingTransformer(85))
	svc, err := derive.NewService(derive.Options{
		Storage:       objects,
		Parser:        parser,
		Classifier:    media.NewClassifier(objects),
		Stages:        pipeline.NewStages(imageStage, pipeline.NewAnimatedStage(pipeline.NativeGIFEncoder{})),
		Temp:          temp,
		Publisher:     pipeline.NewPublisher(objects, 1<<20, 5<<20),
		Keys:          derive.KeyScheme{SourcePrefix: derive.DefaultSourcePrefix},
		PublicBaseURL: "https://cdn.example.com/",
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)

	var src bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 1280, 960))
	for y := 0; y < 960; y += 8 {
		for x := 0; x < 1280; x += 8 {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	require.NoError(t, png.Encode(&src, img))
	_, err = objects.Put(context.Background(), "assets/cat.png", bytes.NewReader(src.Bytes()), int64(src.Len()), storage.PutOptions{ContentType: "image/png"})
	require.NoError(t, err)

	s := newTestServer(t, Options{Deriver: svc, Sizes: parser})

	rec := serve(s, http.MethodGet, "/v1/derivatives/640w/assets/cat.png", "")
	require.Equal(t, http.StatusMovedPermanently, rec.Code, rec.Body.String())
	assert.Equal(t, "https://cdn.example.com/derivatives/640w/cat.png", rec.Header().Get("Location"))
	assert.Equal(t, "miss", rec.Header().Get("X-Derivflow-Cache"))

	info, err := objects.Stat(context.Background(), "derivatives/640w/cat.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", info.ContentType)

	rec = serve(s, http.MethodGet, "/v1/derivatives/640w/assets/cat.png", "")
	require.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "hit", rec.Header().Get("X-Derivflow-Cache"))

	rec = serve(s, http.MethodGet, "/v1/derivatives/100w/assets/cat.png", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, msgInvalidOutputSize, rec.Body.String())

	rec = serve(s, http.MethodGet, "/v1/derivatives/999/assets/cat.png", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, msgInvalidImageSize, rec.Body.String())

	rec = serve(s, http.MethodGet, "/v1/derivatives/640w/assets/missing.png", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), string(derive.KindFetchFailure))

	assert.Zero(t, temp.Stats().Outstanding())
}
