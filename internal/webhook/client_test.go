package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(attempts int) *Client {
	return NewClient(Config{
		SigningSecret:  "test-secret",
		Timeout:        2 * time.Second,
		MaxAttempts:    attempts,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	})
}

func TestSendAddsSigningHeaders(t *testing.T) {
	var (
		gotSig, gotTS, gotEvt, gotDelivery string
		gotBody                            []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotEvt = r.Header.Get(HeaderEvent)
		gotDelivery = r.Header.Get(HeaderDelivery)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testClient(1).Send(context.Background(), srv.URL, EventAssetOptimized, map[string]any{"asset_id": "a1"})
	require.NoError(t, err)

	assert.Equal(t, EventAssetOptimized, gotEvt)
	assert.NotEmpty(t, gotTS)
	assert.NotEmpty(t, gotDelivery)
	assert.JSONEq(t, `{"asset_id":"a1"}`, string(gotBody))
	assert.True(t, Verify("test-secret", gotTS, gotBody, gotSig))
	assert.False(t, Verify("other-secret", gotTS, gotBody, gotSig))
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	deliveries := make(chan string, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deliveries <- r.Header.Get(HeaderDelivery)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, testClient(3).Send(context.Background(), srv.URL, EventAssetFailed, map[string]any{}))
	assert.Equal(t, int32(3), calls.Load())

	first := <-deliveries
	assert.Equal(t, first, <-deliveries, "retries reuse the delivery id")
}

func TestSendStopsOnClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	err := testClient(5).Send(context.Background(), srv.URL, EventAssetOptimized, map[string]any{})
	require.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendSkipsEmptyEndpoint(t *testing.T) {
	assert.NoError(t, testClient(1).Send(context.Background(), "  ", EventAssetOptimized, nil))
}

func TestSendGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := testClient(2).Send(context.Background(), srv.URL, EventAssetOptimized, map[string]any{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPermanent)
	assert.Contains(t, err.Error(), "attempt 2/2")
	assert.Equal(t, int32(2), calls.Load())
}

func TestSendStopsWhenContextEnds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{MaxAttempts: 5, InitialBackoff: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Send(ctx, srv.URL, EventAssetFailed, map[string]any{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSignatureFormat(t *testing.T) {
	sig := Sign("s3cret", "1700000000", []byte(`{"a":1}`))
	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.Len(t, sig, len("sha256=")+64)
	assert.True(t, Verify("s3cret", "1700000000", []byte(`{"a":1}`), sig))
	assert.False(t, Verify("s3cret", "1700000001", []byte(`{"a":1}`), sig))
}
