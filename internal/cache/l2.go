package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// L2Store is the pluggable shared backend a PolicyDecisionCache falls back
// to on an L1 miss. Get reports (value, found, error) so a backend
// outage can be distinguished from a genuine miss.
type L2Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisL2Store is the production L2 backend, namespaced the same way as
// internal/bus's RedisRegistry/RedisTransport.
type RedisL2Store struct {
	client    *redis.Client
	namespace string
}

// NewRedisL2Store builds a Redis-backed L2 store under namespace.
func NewRedisL2Store(client *redis.Client, namespace string) *RedisL2Store {
	return &RedisL2Store{client: client, namespace: namespace}
}

func (s *RedisL2Store) key(k string) string { return s.namespace + ":policycache:" + k }

func (s *RedisL2Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisL2Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}
