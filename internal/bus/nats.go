// Package bus publishes derivative events on NATS.
package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/derivflow/internal/derive"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const DefaultSubject = "derivflow.derivatives"

type publisher interface {
	Publish(subject string, data []byte) error
}

type Client struct {
	nc      *nats.Conn
	pub     publisher
	subject string
}

func Connect(url, subject string, logger zerolog.Logger) (*Client, error) {
	log := logger.With().Str("component", "bus").Logger()
	nc, err := nats.Connect(url,
		nats.Name("derivflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	c := newClient(nc, subject)
	c.nc = nc
	return c, nil
}

func newClient(pub publisher, subject string) *Client {
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubject
	}
	return &Client{pub: pub, subject: subject}
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

// PublishDerivative sends ev on {subject}.{event type}, e.g.
// derivflow.derivatives.derivative.published.
func (c *Client) PublishDerivative(ctx context.Context, ev derive.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := c.pub.Publish(c.subject+"."+ev.Type, b); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}
