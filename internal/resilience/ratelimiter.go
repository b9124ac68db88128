package resilience

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flowmesh/orchestrator/internal/corelog"
)

// Store is the pluggable backend a RateLimiter counts against, so multiple
// replicas can share admission counters. It exposes a counted-window admission
// check keyed by an arbitrary string (provider name, agent id, ...).
type Store interface {
	// Admit records an attempt to start a call for key at time now and
	// reports whether it is within the max-per-window budget.
	Admit(ctx context.Context, key string, max int, window time.Duration) (bool, error)
}

// InMemoryStore is the in-process fallback store, used standalone or when
// the Redis-backed store is unavailable.
type InMemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewInMemoryStore creates an in-memory token-window store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{windows: make(map[string][]time.Time)}
}

func (s *InMemoryStore) Admit(_ context.Context, key string, max int, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)
	times := s.windows[key]

	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= max {
		s.windows[key] = kept
		return false, nil
	}

	s.windows[key] = append(kept, now)
	return true, nil
}

// RedisStore shares admission counters across replicas using a Redis sorted
// set per key (score = call start time, member = unique timestamp+nonce),
// trimmed to the window atomically (TxPipeline) on every admission check.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore builds a Redis-backed token-window store under the given
// namespace (shared with the distributed bus / policy cache).
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) Admit(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	zkey := s.namespace + ":ratelimit:" + key
	now := time.Now()
	cutoff := now.Add(-window).UnixNano()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatInt(rand.Int63(), 10)

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "-inf", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, zkey)
	pipe.ZAdd(ctx, zkey, &redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, zkey, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	if card.Val() >= int64(max) {
		// Over budget: undo the speculative add so this attempt isn't counted.
		s.client.ZRem(ctx, zkey, member)
		return false, nil
	}
	return true, nil
}

// RateLimiter admits calls for a key at most max-per-window, queueing
// (polling with backoff) until a slot is free rather than rejecting
// outright. Falls back to an in-memory store if the shared backend is
// unavailable.
type RateLimiter struct {
	store    Store
	fallback *InMemoryStore
	max      int
	window   time.Duration
	logger   corelog.Logger
	pollTick time.Duration
}

// NewRateLimiter builds a RateLimiter admitting max calls per window for any
// key, backed by store (nil uses an in-memory store directly).
func NewRateLimiter(store Store, max int, window time.Duration, logger corelog.Logger) *RateLimiter {
	fallback := NewInMemoryStore()
	if store == nil {
		store = fallback
	}
	return &RateLimiter{
		store:    store,
		fallback: fallback,
		max:      max,
		window:   window,
		logger:   logger,
		pollTick: 20 * time.Millisecond,
	}
}

// Schedule blocks until key is admitted (or ctx is done), then runs fn.
func (r *RateLimiter) Schedule(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	ticker := time.NewTicker(r.pollTick)
	defer ticker.Stop()

	for {
		allowed, err := r.store.Admit(ctx, key, r.max, r.window)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("rate limiter backend unavailable, falling back to in-memory", map[string]interface{}{
					"key": key, "error": err.Error(),
				})
			}
			allowed, err = r.fallback.Admit(ctx, key, r.max, r.window)
			if err != nil {
				return err
			}
		}
		if allowed {
			return fn(ctx)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
