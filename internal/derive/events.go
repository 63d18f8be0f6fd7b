package derive

import (
	"context"
	"time"
)

const EventDerivativePublished = "derivative.published"

// Event announces a freshly published derivative. Cache hits publish nothing.
type Event struct {
	Type        string    `json:"type"`
	SourceKey   string    `json:"source_key"`
	OutputKey   string    `json:"output_key"`
	Location    string    `json:"location"`
	Size        string    `json:"size"`
	Media       string    `json:"media"`
	ContentType string    `json:"content_type"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	ETag        string    `json:"etag,omitempty"`
	VersionID   string    `json:"version_id,omitempty"`
	Forced      bool      `json:"forced"`
	PublishedAt time.Time `json:"published_at"`
}

type EventPublisher interface {
	PublishDerivative(ctx context.Context, ev Event) error
}
