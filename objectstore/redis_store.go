package objectstore

import (
	"context"
	"fmt"
	"time"

	redisWrapper "github.com/lyzr/flowengine/common/redis"
	"github.com/lyzr/flowengine/model"
)

// RedisStore keeps spilled payloads in Redis under their content-addressed
// ref. Payload and media type live in separate keys so Get can round-trip
// both without a framing format.
type RedisStore struct {
	redis *redisWrapper.Client
	ttl   time.Duration
}

// NewRedisStore wires a RedisStore. ttl bounds how long spilled payloads
// outlive their run; zero means no expiry.
func NewRedisStore(redis *redisWrapper.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{redis: redis, ttl: ttl}
}

func dataKey(ref string) string { return "cas:" + ref }
func mimeKey(ref string) string { return "cas:" + ref + ":mime" }

func (s *RedisStore) Put(ctx context.Context, data []byte, mediaType string) (string, error) {
	ref := refFor(data)
	if err := s.redis.SetWithExpiry(ctx, dataKey(ref), string(data), s.ttl); err != nil {
		return "", fmt.Errorf("objectstore: put %s: %w", ref, err)
	}
	if err := s.redis.SetWithExpiry(ctx, mimeKey(ref), mediaType, s.ttl); err != nil {
		return "", fmt.Errorf("objectstore: put %s media type: %w", ref, err)
	}
	return ref, nil
}

func (s *RedisStore) Get(ctx context.Context, ref string) ([]byte, string, error) {
	data, ok, err := s.redis.Get(ctx, dataKey(ref))
	if err != nil {
		return nil, "", fmt.Errorf("objectstore: get %s: %w", ref, err)
	}
	if !ok {
		return nil, "", &model.NotFoundError{Kind: "object", ID: ref}
	}
	mediaType, _, err := s.redis.Get(ctx, mimeKey(ref))
	if err != nil {
		return nil, "", fmt.Errorf("objectstore: get %s media type: %w", ref, err)
	}
	return []byte(data), mediaType, nil
}

func (s *RedisStore) Exists(ctx context.Context, ref string) (bool, error) {
	_, ok, err := s.redis.Get(ctx, dataKey(ref))
	if err != nil {
		return false, fmt.Errorf("objectstore: exists %s: %w", ref, err)
	}
	return ok, nil
}
