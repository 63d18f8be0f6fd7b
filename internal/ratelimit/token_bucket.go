// Package ratelimit meters expensive API calls with a Redis backed token
// bucket shared by every API replica.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether subject may spend cost tokens now.
type Limiter interface {
	Allow(ctx context.Context, subject string, cost int) (Decision, error)
}

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

const DefaultKeyPrefix = "derivflow:ratelimit"

// takeScript refills the bucket for the elapsed time, then tries to take
// the requested tokens. It returns {allowed, remaining, wait_ms}.
var takeScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local level = tonumber(state[1]) or cap
local last = tonumber(state[2]) or now
if now > last then
  level = math.min(cap, level + (now - last) * rate)
end

local ok = 0
local wait = 0
if level >= cost then
  level = level - cost
  ok = 1
else
  wait = math.ceil((cost - level) / rate)
end

redis.call("HSET", KEYS[1], "tokens", level, "ts", now)
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {ok, math.floor(level), wait}
`)

// RedisTokenBucket refills capacity tokens per window, one Redis hash per
// subject. Idle buckets expire after two windows.
type RedisTokenBucket struct {
	client    redis.UniversalClient
	capacity  int64
	window    time.Duration
	perMS     float64
	keyPrefix string
	now       func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*RedisTokenBucket, error) {
	switch {
	case client == nil:
		return nil, errors.New("redis client is required")
	case capacity <= 0:
		return nil, errors.New("capacity must be positive")
	case window <= 0:
		return nil, errors.New("window must be positive")
	}

	keyPrefix = strings.TrimSuffix(strings.TrimSpace(keyPrefix), ":")
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}

	return &RedisTokenBucket{
		client:    client,
		capacity:  int64(capacity),
		window:    window,
		perMS:     float64(capacity) / float64(max(window.Milliseconds(), 1)),
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

func (l *RedisTokenBucket) key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	return l.keyPrefix + ":" + subject
}

func (l *RedisTokenBucket) ttl() time.Duration { return 2 * l.window }

// Allow takes cost tokens (at least one) from subject's bucket. A cost the
// bucket can never hold is refused without a round trip.
func (l *RedisTokenBucket) Allow(ctx context.Context, subject string, cost int) (Decision, error) {
	cost = max(cost, 1)
	if int64(cost) > l.capacity {
		return Decision{RetryAfter: l.window}, nil
	}

	reply, err := takeScript.Run(ctx, l.client,
		[]string{l.key(subject)},
		l.capacity,
		l.perMS,
		l.now().UnixMilli(),
		cost,
		l.ttl().Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("take tokens: %w", err)
	}
	return decisionFrom(reply)
}

func decisionFrom(reply []int64) (Decision, error) {
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("take tokens: unexpected reply of %d values", len(reply))
	}
	return Decision{
		Allowed:    reply[0] == 1,
		Remaining:  reply[1],
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}
