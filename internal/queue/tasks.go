package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
)

const TypeOptimizeAsset = "asset:optimize"

// OptimizeAssetPayload asks a worker to derive the web rendition of one
// asset record.
type OptimizeAssetPayload struct {
	AssetID     string    `json:"asset_id"`
	Size        string    `json:"size,omitempty"`
	Force       bool      `json:"force,omitempty"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func (p OptimizeAssetPayload) Validate() error {
	if strings.TrimSpace(p.AssetID) == "" {
		return errors.New("asset_id is required")
	}
	return nil
}

func NewOptimizeAssetTask(payload OptimizeAssetPayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal optimize payload: %w", err)
	}
	return asynq.NewTask(TypeOptimizeAsset, body), nil
}

func ParseOptimizeAssetPayload(task *asynq.Task) (OptimizeAssetPayload, error) {
	var payload OptimizeAssetPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return OptimizeAssetPayload{}, fmt.Errorf("unmarshal optimize payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return OptimizeAssetPayload{}, err
	}
	return payload, nil
}
