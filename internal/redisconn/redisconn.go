// Package redisconn builds the single shared *redis.Client used by
// internal/bus's DistributedBus, internal/cache's L2 tier, and
// internal/resilience's Redis-backed rate limiter store. The one-time
// client construction lives here instead of being repeated per consumer
// package.
package redisconn

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flowmesh/orchestrator/internal/config"
)

// New builds a *redis.Client from a RedisConfig, applying the shared
// pool-size/timeout defaults.
func New(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.PoolSize / 4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})
}

// Ping checks connectivity at startup so a misconfigured Redis address
// fails fast instead of surfacing as a mysterious first-request error.
func Ping(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}
