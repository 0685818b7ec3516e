// Package secrets is the read-only secret store adapter the scheduler hands
// to components that declare requiresSecrets. Masking in traces is the
// caller's responsibility (runner/nodeio packages), not this package's.
package secrets

import (
	"context"
	"fmt"

	redisWrapper "github.com/lyzr/flowengine/common/redis"
)

// Secret is one versioned value returned by a backing provider.
type Secret struct {
	Value   string
	Version string
}

// Provider is the backing secret source (vault, cloud secret manager, env).
// Its Get returns ok=false when key is absent rather than erroring.
type Provider interface {
	Get(ctx context.Context, key string) (Secret, bool, error)
	List(ctx context.Context) ([]string, error)
}

// Store is the capability surface exposed through model.ExecutionContext.
type Store interface {
	Get(ctx context.Context, key string) (value string, version string, ok bool, err error)
	List(ctx context.Context) ([]string, error)
}

// EnvProvider reads secrets from a fixed in-process map, the default
// provider for tests and the demo; production deployments wire a real
// Provider (vault, cloud secret manager) in its place.
type EnvProvider struct {
	values map[string]Secret
}

// NewEnvProvider creates a Provider backed by a static map. Callers own the
// map; NewEnvProvider does not copy it.
func NewEnvProvider(values map[string]Secret) *EnvProvider {
	if values == nil {
		values = make(map[string]Secret)
	}
	return &EnvProvider{values: values}
}

func (p *EnvProvider) Get(_ context.Context, key string) (Secret, bool, error) {
	s, ok := p.values[key]
	return s, ok, nil
}

func (p *EnvProvider) List(_ context.Context) ([]string, error) {
	names := make([]string, 0, len(p.values))
	for k := range p.values {
		names = append(names, k)
	}
	return names, nil
}

// CachedStore is a read-through Redis-cached adapter in front of a Provider:
// repeated lookups within a run (or across runs on the same process) don't
// re-hit the backing provider. Cache entries never expire on their own; they
// are only ever overwritten by a fresh Provider.Get.
type CachedStore struct {
	provider Provider
	redis    *redisWrapper.Client
	prefix   string
}

// NewCachedStore wires provider behind a Redis cache keyed under prefix.
func NewCachedStore(provider Provider, redis *redisWrapper.Client, prefix string) *CachedStore {
	if prefix == "" {
		prefix = "secret"
	}
	return &CachedStore{provider: provider, redis: redis, prefix: prefix}
}

func (s *CachedStore) cacheKey(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

// Get consults the Redis cache first; on a miss it falls through to the
// provider and populates the cache for subsequent lookups.
func (s *CachedStore) Get(ctx context.Context, key string) (string, string, bool, error) {
	if s.redis != nil {
		if cached, ok, err := s.redis.Get(ctx, s.cacheKey(key)); err == nil && ok {
			value, version, found := splitCached(cached)
			if found {
				return value, version, true, nil
			}
		}
	}

	secret, ok, err := s.provider.Get(ctx, key)
	if err != nil {
		return "", "", false, fmt.Errorf("secrets: provider lookup for %q: %w", key, err)
	}
	if !ok {
		return "", "", false, nil
	}

	if s.redis != nil {
		_ = s.redis.SetWithExpiry(ctx, s.cacheKey(key), joinCached(secret.Value, secret.Version), 0)
	}
	return secret.Value, secret.Version, true, nil
}

func (s *CachedStore) List(ctx context.Context) ([]string, error) {
	return s.provider.List(ctx)
}

// joinCached/splitCached pack a (value, version) pair into the single
// string the Redis string cache stores, separated by a delimiter that
// cannot appear inside a secret version (version is our own id format).
const cachedSep = "\x1f"

func joinCached(value, version string) string {
	return version + cachedSep + value
}

func splitCached(s string) (value string, version string, ok bool) {
	idx := indexByte(s, cachedSep[0])
	if idx < 0 {
		return "", "", false
	}
	return s[idx+1:], s[:idx], true
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
