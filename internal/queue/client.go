package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

const DefaultTaskTimeout = 5 * time.Minute

type Client struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &Client{
		client:  asynq.NewClient(redisOpt),
		queue:   queueName,
		timeout: timeout,
	}
}

// EnqueueOptimizeAsset schedules one attempt. Failed optimizations are not
// retried; callers re-enqueue with force when they want another try.
func (c *Client) EnqueueOptimizeAsset(ctx context.Context, payload OptimizeAssetPayload) (*asynq.TaskInfo, error) {
	if payload.RequestedAt.IsZero() {
		payload.RequestedAt = time.Now().UTC()
	}
	task, err := NewOptimizeAssetTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(0),
		asynq.Timeout(c.timeout),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
