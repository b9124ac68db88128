package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowmesh/orchestrator/internal/bus"
	"github.com/flowmesh/orchestrator/internal/corelog"
)

// PolicyDecisionCache is a two-tier get/set cache: L1 always present, L2
// and invalidation optional. Values are opaque to the
// cache; L2 round-trips them
// through JSON, so a value read back after an L1 miss may not be the exact
// Go type it was written with (e.g. a struct becomes a map[string]interface{}),
// which is acceptable for an opaque decision payload.
type PolicyDecisionCache struct {
	logger corelog.Logger

	l1         *LRU
	l2         L2Store
	defaultTTL time.Duration

	instanceID          string
	invalidationChannel string
	transport           bus.Transport
	sub                 bus.Subscription
	cancel              context.CancelFunc
}

// Config configures a PolicyDecisionCache.
type Config struct {
	L1Capacity int
	DefaultTTL time.Duration
	L2         L2Store       // nil disables L2
	Transport  bus.Transport // nil disables cross-replica invalidation
	InstanceID string
	Namespace  string
}

// New builds a PolicyDecisionCache. If cfg.Transport is non-nil, it
// subscribes to the shared invalidation channel immediately.
func New(cfg Config, logger corelog.Logger) *PolicyDecisionCache {
	if logger == nil {
		logger = corelog.NoOpLogger{}
	}
	if cal, ok := logger.(corelog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("orchestrator/cache")
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "msgbus"
	}
	defaultTTL := cfg.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}

	c := &PolicyDecisionCache{
		logger:              logger,
		l1:                  NewLRU(cfg.L1Capacity),
		l2:                  cfg.L2,
		defaultTTL:          defaultTTL,
		instanceID:          cfg.InstanceID,
		invalidationChannel: namespace + ":cache:invalidate",
		transport:           cfg.Transport,
	}

	if cfg.Transport != nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		sub, err := cfg.Transport.Subscribe(ctx, c.invalidationChannel)
		if err != nil {
			logger.Warn("cache: failed to subscribe to invalidation channel, running L1-only across replicas", map[string]interface{}{"error": err.Error()})
		} else {
			c.sub = sub
			go c.readInvalidations(sub)
		}
	}

	return c
}

// Get checks L1, falling back to L2 (populating L1 on an L2 hit). If L2 is
// unavailable or errors, it degrades to L1-only: a miss, not an error.
func (c *PolicyDecisionCache) Get(ctx context.Context, key string) (interface{}, bool) {
	if v, ok := c.l1.Get(key); ok {
		return v, true
	}
	if c.l2 == nil {
		return nil, false
	}

	raw, ok, err := c.l2.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache: L2 read failed, treating as miss", map[string]interface{}{"key": key, "error": err.Error()})
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		c.logger.Warn("cache: L2 value decode failed", map[string]interface{}{"key": key, "error": err.Error()})
		return nil, false
	}
	c.l1.Set(key, value, c.defaultTTL)
	return value, true
}

// Set writes to L1 and L2 (best-effort) and publishes an invalidation
// message so other replicas drop their stale L1 copy of key.
func (c *PolicyDecisionCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.l1.Set(key, value, ttl)

	if c.l2 != nil {
		encoded, err := json.Marshal(value)
		if err != nil {
			c.logger.Warn("cache: L2 value encode failed, L1-only for this key", map[string]interface{}{"key": key, "error": err.Error()})
		} else if err := c.l2.Set(ctx, key, string(encoded), ttl); err != nil {
			c.logger.Warn("cache: L2 write failed, L1-only for this key", map[string]interface{}{"key": key, "error": err.Error()})
		}
	}

	c.publishInvalidation(ctx, key)
}

// Invalidate drops key from L1 only (used internally on a remote
// invalidation message, and exposed for explicit local eviction).
func (c *PolicyDecisionCache) Invalidate(key string) {
	c.l1.Invalidate(key)
}

func (c *PolicyDecisionCache) Stats() Stats {
	return c.l1.Stats()
}

// Close stops the invalidation subscription, if any.
func (c *PolicyDecisionCache) Close() error {
	if c.sub != nil {
		c.sub.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *PolicyDecisionCache) publishInvalidation(ctx context.Context, key string) {
	if c.transport == nil {
		return
	}
	msg := invalidationMessage{Key: key, SourceInstance: c.instanceID}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.transport.Publish(ctx, c.invalidationChannel, payload); err != nil {
		c.logger.Warn("cache: failed to publish invalidation", map[string]interface{}{"key": key, "error": err.Error()})
	}
}

// readInvalidations drops this replica's L1 entry for any invalidation
// message whose source isn't self; self-messages are ignored.
func (c *PolicyDecisionCache) readInvalidations(sub bus.Subscription) {
	for payload := range sub.Channel() {
		var msg invalidationMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.SourceInstance == c.instanceID {
			continue
		}
		c.l1.Invalidate(msg.Key)
	}
}
