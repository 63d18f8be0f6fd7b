package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/derivflow/internal/config"
	"github.com/dunamismax/derivflow/internal/derive"
	"github.com/dunamismax/derivflow/internal/domain"
	"github.com/dunamismax/derivflow/internal/ingest"
	"github.com/dunamismax/derivflow/internal/media"
	"github.com/dunamismax/derivflow/internal/pipeline"
	"github.com/dunamismax/derivflow/internal/queue"
	"github.com/dunamismax/derivflow/internal/store"
	"github.com/dunamismax/derivflow/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
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
	out := f.out
	out.SourceKey = req.SourceKey
	return out, f.err
}

type fakeIngester struct {
	calls      int
	err        error
	audioCalls int
	audioErr   error
}

func (f *fakeIngester) Ingest(_ context.Context, id, _ string) (ingest.Result, error) {
	f.calls++
	if f.err != nil {
		return ingest.Result{}, f.err
	}
	d, _ := media.DescribeExtension("png")
	return ingest.Result{Key: "raw/" + id + ".png", Media: d}, nil
}

func (f *fakeIngester) IngestAudio(_ context.Context, id, _ string) (ingest.Result, error) {
	f.audioCalls++
	if f.audioErr != nil {
		return ingest.Result{}, f.audioErr
	}
	d, _ := media.DescribeAudio("audio/mpeg")
	return ingest.Result{Key: "audio/" + id + ".mp3", Media: d}, nil
}

type sentWebhook struct {
	endpoint string
	event    string
	report   assetReport
}

type captureWebhook struct {
	sent []sentWebhook
	err  error
}

func (c *captureWebhook) Send(_ context.Context, endpoint, event string, payload any) error {
	c.sent = append(c.sent, sentWebhook{endpoint: endpoint, event: event, report: payload.(assetReport)})
	return c.err
}

func imageOutcome() derive.Outcome {
	d, _ := media.DescribeExtension("png")
	return derive.Outcome{
		OutputKey:    "derivatives/600w/a1.png",
		Location:     "https://cdn.example.com/derivatives/600w/a1.png",
		Media:        d,
		Format:       media.Format{Ext: "png", ContentType: "image/png"},
		Width:        600,
		Height:       450,
		SourceWidth:  1280,
		SourceHeight: 960,
	}
}

func newTestServer(t *testing.T, deriver *fakeDeriver, ing *fakeIngester, hook *captureWebhook) (*Server, *store.MemoryAssetStore) {
	t.Helper()
	assets := store.NewMemoryAssetStore()
	opts := Options{
		Worker:  config.WorkerConfig{MaxActiveJobs: 2, DefaultSize: "600w"},
		Deriver: deriver,
		Assets:  assets,
	}
	if ing != nil {
		opts.Ingester = ing
	}
	if hook != nil {
		opts.Webhook = hook
	}
	return newServer(opts, zerolog.Nop()), assets
}

func optimizeTask(t *testing.T, payload queue.OptimizeAssetPayload) *asynq.Task {
	t.Helper()
	if payload.RequestedAt.IsZero() {
		payload.RequestedAt = time.Now().UTC()
	}
	task, err := queue.NewOptimizeAssetTask(payload)
	require.NoError(t, err)
	return task
}

func TestOptimizeAssetWritesBackDerivative(t *testing.T) {
	deriver := &fakeDeriver{out: imageOutcome()}
	hook := &captureWebhook{}
	s, assets := newTestServer(t, deriver, nil, hook)
	ctx := context.Background()
	require.NoError(t, assets.Put(ctx, domain.Asset{ID: "a1", SourceKey: "assets/a1.png"}))

	err := s.handleOptimizeAsset(ctx, optimizeTask(t, queue.OptimizeAssetPayload{AssetID: "a1", WebhookURL: "https://hooks.example.com"}))
	require.NoError(t, err)

	require.Len(t, deriver.reqs, 1)
	assert.Equal(t, domain.DerivativeRequest{SourceKey: "assets/a1.png", Size: "600w"}, deriver.reqs[0])

	got, _, err := assets.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AssetStatusOptimized, got.Status)
	assert.Equal(t, "derivatives/600w/a1.png", got.Web.Key)
	assert.Equal(t, 600, got.Web.Width)
	assert.Equal(t, "image", got.Web.ContentType)
	assert.Equal(t, 1280, got.Source.Width)
	assert.Equal(t, "image/png", got.Source.MIMEType)
	assert.Equal(t, "image", got.Source.ContentType)

	require.Len(t, hook.sent, 1)
	assert.Equal(t, webhook.EventAssetOptimized, hook.sent[0].event)
	assert.Equal(t, "https://hooks.example.com", hook.sent[0].endpoint)
	assert.Equal(t, "derivatives/600w/a1.png", hook.sent[0].report.Web.Key)

	assert.Equal(t, 1.0, metricValue(t, s.metrics.jobsTotal.WithLabelValues("image", domain.AssetStatusOptimized)))
	assert.Zero(t, metricValue(t, s.metrics.activeJobs))
}

func TestOptimizeAssetIngestsRemoteOriginal(t *testing.T) {
	deriver := &fakeDeriver{out: imageOutcome()}
	ing := &fakeIngester{}
	s, assets := newTestServer(t, deriver, ing, nil)
	ctx := context.Background()
	require.NoError(t, assets.Put(ctx, domain.Asset{ID: "a1", OriginalURI: "ipfs://bafy/a1.png"}))

	err := s.handleOptimizeAsset(ctx, optimizeTask(t, queue.OptimizeAssetPayload{AssetID: "a1", Size: "1280w", Force: true}))
	require.NoError(t, err)

	assert.Equal(t, 1, ing.calls)
	require.Len(t, deriver.reqs, 1)
	assert.Equal(t, domain.DerivativeRequest{SourceKey: "raw/a1.png", Size: "1280w", Force: true}, deriver.reqs[0])

	got, _, err := assets.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "raw/a1.png", got.SourceKey)
	assert.Equal(t, 1.0, metricValue(t, s.metrics.ingestedTotal))
}

func TestOptimizeAssetFailureMarksAsset(t *testing.T) {
	cause := fmt.Errorf("%w: gifsicle exited 1", pipeline.ErrEncode)
	deriver := &fakeDeriver{err: &derive.Error{Kind: derive.KindEncodeFailure, Stage: derive.StageTransform, Err: cause}}
	hook := &captureWebhook{}
	s, assets := newTestServer(t, deriver, nil, hook)
	ctx := context.Background()
	require.NoError(t, assets.Put(ctx, domain.Asset{ID: "a1", SourceKey: "assets/a1.gif"}))

	err := s.handleOptimizeAsset(ctx, optimizeTask(t, queue.OptimizeAssetPayload{AssetID: "a1", WebhookURL: "https://hooks.example.com"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	got, _, err := assets.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AssetStatusFailed, got.Status)
	assert.Equal(t, string(derive.KindEncodeFailure), got.Error)

	require.Len(t, hook.sent, 1)
	assert.Equal(t, webhook.EventAssetFailed, hook.sent[0].event)
	assert.Equal(t, string(derive.KindEncodeFailure), hook.sent[0].report.ErrorKind)
}

func TestOptimizeAssetIngestFailure(t *testing.T) {
	deriver := &fakeDeriver{out: imageOutcome()}
	s, assets := newTestServer(t, deriver, &fakeIngester{err: errors.New("gateway timeout")}, nil)
	ctx := context.Background()
	require.NoError(t, assets.Put(ctx, domain.Asset{ID: "a1", OriginalURI: "ar://tx"}))

	err := s.handleOptimizeAsset(ctx, optimizeTask(t, queue.OptimizeAssetPayload{AssetID: "a1"}))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, deriver.reqs)

	got, _, _ := assets.Get(ctx, "a1")
	assert.Equal(t, domain.AssetStatusFailed, got.Status)
}

func TestOptimizeAssetSkipsMissingRecord(t *testing.T) {
	deriver := &fakeDeriver{out: imageOutcome()}
	s, _ := newTestServer(t, deriver, nil, nil)

	err := s.handleOptimizeAsset(context.Background(), optimizeTask(t, queue.OptimizeAssetPayload{AssetID: "ghost"}))
	require.NoError(t, err)
	assert.Empty(t, deriver.reqs)
	assert.Equal(t, 1.0, metricValue(t, s.metrics.jobsTotal.WithLabelValues("unknown", "skipped")))
}

func TestOptimizeAssetRejectsBadPayload(t *testing.T) {
	s, _ := newTestServer(t, &fakeDeriver{}, nil, nil)
	err := s.handleOptimizeAsset(context.Background(), asynq.NewTask(queue.TypeOptimizeAsset, []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestOptimizeAssetWebhookFailureDoesNotFailJob(t *testing.T) {
	hook := &captureWebhook{err: errors.New("connection refused")}
	s, assets := newTestServer(t, &fakeDeriver{out: imageOutcome()}, nil, hook)
	ctx := context.Background()
	require.NoError(t, assets.Put(ctx, domain.Asset{ID: "a1", SourceKey: "assets/a1.png"}))

	err := s.handleOptimizeAsset(ctx, optimizeTask(t, queue.OptimizeAssetPayload{AssetID: "a1", WebhookURL: "https://hooks.example.com"}))
	require.NoError(t, err)
	assert.Equal(t, 1.0, metricValue(t, s.metrics.webhookErrors))
}

func TestCachedOutcomeKeepsRecordedDimensions(t *testing.T) {
	cached := imageOutcome()
	cached.Cached = true
	cached.Width, cached.Height, cached.SourceWidth, cached.SourceHeight = 0, 0, 0, 0

	s, assets := newTestServer(t, &fakeDeriver{out: cached}, nil, nil)
	ctx := context.Background()
	require.NoError(t, assets.Put(ctx, domain.Asset{
		ID:        "a1",
		SourceKey: "assets/a1.png",
		Source:    domain.SourceInfo{Width: 1280, Height: 960},
		Web:       domain.WebInfo{Key: "derivatives/600w/a1.png", Width: 600, Height: 450},
	}))

	require.NoError(t, s.handleOptimizeAsset(ctx, optimizeTask(t, queue.OptimizeAssetPayload{AssetID: "a1"})))

	got, _, err := assets.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1280, got.Source.Width)
	assert.Equal(t, 600, got.Web.Width)
	assert.Equal(t, 450, got.Web.Height)
}

func TestOptimizeAssetStoresAudioTrack(t *testing.T) {
	ing := &fakeIngester{}
	hook := &captureWebhook{}
	s, assets := newTestServer(t, &fakeDeriver{out: imageOutcome()}, ing, hook)
	ctx := context.Background()
	require.NoError(t, assets.Put(ctx, domain.Asset{ID: "a1", SourceKey: "assets/a1.png", AudioURI: "ipfs://bafy/track.mp3"}))

	err := s.handleOptimizeAsset(ctx, optimizeTask(t, queue.OptimizeAssetPayload{AssetID: "a1", WebhookURL: "https://hooks.example.com"}))
	require.NoError(t, err)

	assert.Equal(t, 1, ing.audioCalls)
	assert.Zero(t, ing.calls)
	got, _, err := assets.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AudioInfo{Key: "audio/a1.mp3", MIMEType: "audio/mpeg", Ext: "mp3"}, got.Audio)
	assert.Equal(t, domain.AssetStatusOptimized, got.Status)

	require.Len(t, hook.sent, 1)
	require.NotNil(t, hook.sent[0].report.Audio)
	assert.Equal(t, "audio/a1.mp3", hook.sent[0].report.Audio.Key)
	assert.Equal(t, 1.0, metricValue(t, s.metrics.audioTotal.WithLabelValues("stored")))

	// a recorded track is not fetched again unless forced
	require.NoError(t, s.handleOptimizeAsset(ctx, optimizeTask(t, queue.OptimizeAssetPayload{AssetID: "a1"})))
	assert.Equal(t, 1, ing.audioCalls)
	require.NoError(t, s.handleOptimizeAsset(ctx, optimizeTask(t, queue.OptimizeAssetPayload{AssetID: "a1", Force: true})))
	assert.Equal(t, 2, ing.audioCalls)
}

func TestOptimizeAssetAudioProblemsDoNotFailJob(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		outcome string
	}{
		{"not audio", fmt.Errorf("%w: sniffed as image/png", ingest.ErrNotAudio), "skipped"},
		{"gateway down", fmt.Errorf("%w: 502", ingest.ErrRemoteFetch), "failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ing := &fakeIngester{audioErr: tc.err}
			s, assets := newTestServer(t, &fakeDeriver{out: imageOutcome()}, ing, nil)
			ctx := context.Background()
			require.NoError(t, assets.Put(ctx, domain.Asset{ID: "a1", SourceKey: "assets/a1.png", AudioURI: "ar://tx"}))

			require.NoError(t, s.handleOptimizeAsset(ctx, optimizeTask(t, queue.OptimizeAssetPayload{AssetID: "a1"})))

			got, _, err := assets.Get(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, domain.AssetStatusOptimized, got.Status)
			assert.Empty(t, got.Audio.Key)
			assert.Equal(t, 1.0, metricValue(t, s.metrics.audioTotal.WithLabelValues(tc.outcome)))
		})
	}
}

func TestOptimizeAssetWithoutAudioSkipsAudio(t *testing.T) {
	ing := &fakeIngester{}
	s, assets := newTestServer(t, &fakeDeriver{out: imageOutcome()}, ing, nil)
	ctx := context.Background()
	require.NoError(t, assets.Put(ctx, domain.Asset{ID: "a1", SourceKey: "assets/a1.png"}))

	require.NoError(t, s.handleOptimizeAsset(ctx, optimizeTask(t, queue.OptimizeAssetPayload{AssetID: "a1"})))
	assert.Zero(t, ing.audioCalls)
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
	_, err = NewServer(Options{Deriver: &fakeDeriver{}})
	assert.Error(t, err)
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric %s", m.Desc())
	return 0
}
