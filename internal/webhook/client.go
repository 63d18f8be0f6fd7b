package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	HeaderSignature = "X-Derivflow-Signature"
	HeaderTimestamp = "X-Derivflow-Timestamp"
	HeaderEvent     = "X-Derivflow-Event"
	HeaderDelivery  = "X-Derivflow-Delivery"

	EventAssetOptimized = "asset.optimized"
	EventAssetFailed    = "asset.failed"
)

// ErrPermanent marks a rejection that another attempt cannot fix.
var ErrPermanent = errors.New("webhook rejected")

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client delivers signed JSON events to caller supplied endpoints.
type Client struct {
	http   *http.Client
	secret string
	tries  int
	first  time.Duration
	limit  time.Duration
	now    func() time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	return &Client{
		http:   &http.Client{Timeout: cfg.Timeout},
		secret: cfg.SigningSecret,
		tries:  max(1, cfg.MaxAttempts),
		first:  cfg.InitialBackoff,
		limit:  max(cfg.MaxBackoff, cfg.InitialBackoff),
		now:    time.Now,
	}
}

// delivery is one event, signed once and replayed verbatim on retries.
type delivery struct {
	id        string
	event     string
	timestamp string
	signature string
	body      []byte
}

func (c *Client) newDelivery(event string, payload any) (delivery, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return delivery{}, fmt.Errorf("marshal webhook payload: %w", err)
	}
	ts := strconv.FormatInt(c.now().UTC().Unix(), 10)
	return delivery{
		id:        uuid.NewString(),
		event:     event,
		timestamp: ts,
		signature: Sign(c.secret, ts, body),
		body:      body,
	}, nil
}

// Send posts payload to endpoint. Transport errors, 429 and 5xx are retried
// with doubling backoff; any other non-2xx status wraps ErrPermanent. An
// empty endpoint is a no-op.
func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	d, err := c.newDelivery(event, payload)
	if err != nil {
		return err
	}

	wait := c.first
	for attempt := 1; ; attempt++ {
		err = c.post(ctx, endpoint, d)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) || attempt >= c.tries {
			return fmt.Errorf("deliver %s to %s (attempt %d/%d): %w", d.event, endpoint, attempt, c.tries, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait = min(2*wait, c.limit)
	}
}

func (c *Client) post(ctx context.Context, endpoint string, d delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(d.body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, d.timestamp)
	req.Header.Set(HeaderSignature, d.signature)
	req.Header.Set(HeaderEvent, d.event)
	req.Header.Set(HeaderDelivery, d.id)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("endpoint returned status=%d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: status=%d", ErrPermanent, resp.StatusCode)
	}
}

// Sign returns the signature header value: hex HMAC-SHA256 over
// "timestamp.body".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
