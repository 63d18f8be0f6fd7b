package queue

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimizeAssetTaskRoundTrip(t *testing.T) {
	payload := OptimizeAssetPayload{
		AssetID:     "asset-123",
		Size:        "600w",
		Force:       true,
		WebhookURL:  "https://hooks.example.com/derivflow",
		RequestedAt: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}

	task, err := NewOptimizeAssetTask(payload)
	require.NoError(t, err)
	assert.Equal(t, TypeOptimizeAsset, task.Type())
	assert.Contains(t, string(task.Payload()), `"asset_id":"asset-123"`)

	parsed, err := ParseOptimizeAssetPayload(task)
	require.NoError(t, err)
	assert.Equal(t, payload, parsed)
}

func TestOptimizeAssetTaskRequiresAssetID(t *testing.T) {
	_, err := NewOptimizeAssetTask(OptimizeAssetPayload{Size: "600w"})
	require.Error(t, err)

	_, err = ParseOptimizeAssetPayload(asynq.NewTask(TypeOptimizeAsset, []byte(`{"size":"600w"}`)))
	require.Error(t, err)

	_, err = ParseOptimizeAssetPayload(asynq.NewTask(TypeOptimizeAsset, []byte(`{not json`)))
	require.Error(t, err)
}
