package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dunamismax/derivflow/internal/derive"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ derive.EventPublisher = (*Client)(nil)

type capturePublisher struct {
	subject string
	data    []byte
	err     error
}

func (c *capturePublisher) Publish(subject string, data []byte) error {
	c.subject, c.data = subject, data
	return c.err
}

func TestPublishDerivative(t *testing.T) {
	pub := &capturePublisher{}
	c := newClient(pub, "")

	ev := derive.Event{
		Type:        derive.EventDerivativePublished,
		SourceKey:   "assets/cat.png",
		OutputKey:   "derivatives/640w/cat.png",
		Size:        "640w",
		Media:       "image",
		Width:       640,
		Height:      480,
		PublishedAt: time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC),
	}
	require.NoError(t, c.PublishDerivative(context.Background(), ev))
	assert.Equal(t, "derivflow.derivatives.derivative.published", pub.subject)

	var got derive.Event
	require.NoError(t, json.Unmarshal(pub.data, &got))
	assert.Equal(t, ev, got)
}

func TestPublishDerivativeErrors(t *testing.T) {
	boom := errors.New("nats: connection closed")
	c := newClient(&capturePublisher{err: boom}, "events")
	assert.ErrorIs(t, c.PublishDerivative(context.Background(), derive.Event{Type: "x"}), boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.PublishDerivative(ctx, derive.Event{Type: "x"}), context.Canceled)
}
