package trace

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	redisWrapper "github.com/lyzr/flowengine/common/redis"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/model"
)

// BusSink fans trace events out over a Redis pub/sub channel per run.
// Subscribers (a UI live-trace view, an external telemetry consumer)
// order events by Sequence; Publish is at-most-once, matching a pub/sub
// channel's delivery semantics; durable delivery is PostgresSink's job.
type BusSink struct {
	redis  *redisWrapper.Client
	log    *logger.Logger
	prefix string
}

// NewBusSink wires a BusSink publishing under "<prefix>:<runID>" channels.
func NewBusSink(redis *redisWrapper.Client, log *logger.Logger, prefix string) *BusSink {
	if prefix == "" {
		prefix = "trace"
	}
	return &BusSink{redis: redis, log: log, prefix: prefix}
}

func (s *BusSink) channel(runID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, runID)
}

func (s *BusSink) Append(ctx context.Context, event model.TraceEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.log.ErrorContext(ctx, "trace bus: marshal failed", "run_id", event.RunID, "error", err)
		return
	}
	if err := s.redis.Publish(ctx, s.channel(event.RunID), string(payload)); err != nil {
		s.log.ErrorContext(ctx, "trace bus: publish failed", "run_id", event.RunID, "error", err)
	}
}

// Subscribe returns the raw Redis PubSub for runID's channel; callers decode
// messages as model.TraceEvent JSON and must Close it when done.
func (s *BusSink) Subscribe(ctx context.Context, runID string) *goredis.PubSub {
	return s.redis.Subscribe(ctx, s.channel(runID))
}
