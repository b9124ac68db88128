package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Transport is the pluggable pub/sub substrate DistributedBus routes
// through (channels agent:{id}, broadcast, response:{instance}). Components
// depend on this narrow interface, not on a concrete broker SDK, so tests
// can swap in an in-memory fake instead of a real Redis server.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription delivers messages published to the channel it was opened
// for until Close is called.
type Subscription interface {
	Channel() <-chan []byte
	Close() error
}

// RedisTransport is the production Transport, backed by go-redis Pub/Sub.
type RedisTransport struct {
	client *goredis.Client
}

// NewRedisTransport wraps an existing *redis.Client (shared with the
// rate limiter store and policy cache per internal/redisconn).
func NewRedisTransport(client *goredis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.client.Publish(ctx, channel, payload).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := t.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		return nil, err
	}
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- []byte(msg.Payload):
			default:
			}
		}
	}()
	return &redisSubscription{ps: ps, out: out}, nil
}

type redisSubscription struct {
	ps  *goredis.PubSub
	out chan []byte
}

func (s *redisSubscription) Channel() <-chan []byte { return s.out }
func (s *redisSubscription) Close() error           { return s.ps.Close() }

// InMemoryTransport is a process-local fan-out fake used in tests to
// exercise DistributedBus's multi-instance routing logic (registry,
// response channels, correlation round-trip) without a real broker.
// Every DistributedBus sharing one InMemoryTransport behaves as if it were
// a separate replica connected to the same broker.
type InMemoryTransport struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

// NewInMemoryTransport builds a shared fake broker. Pass the same instance
// to every DistributedBus under test that should see each other's traffic.
func NewInMemoryTransport() *InMemoryTransport {
	return &InMemoryTransport{subs: make(map[string][]chan []byte)}
}

func (t *InMemoryTransport) Publish(_ context.Context, channel string, payload []byte) error {
	t.mu.Lock()
	chans := append([]chan []byte(nil), t.subs[channel]...)
	t.mu.Unlock()
	for _, c := range chans {
		select {
		case c <- payload:
		default:
		}
	}
	return nil
}

func (t *InMemoryTransport) Subscribe(_ context.Context, channel string) (Subscription, error) {
	c := make(chan []byte, 64)
	t.mu.Lock()
	t.subs[channel] = append(t.subs[channel], c)
	t.mu.Unlock()
	return &memSubscription{transport: t, channel: channel, c: c}, nil
}

type memSubscription struct {
	transport *InMemoryTransport
	channel   string
	c         chan []byte
}

func (s *memSubscription) Channel() <-chan []byte { return s.c }

func (s *memSubscription) Close() error {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	chans := s.transport.subs[s.channel]
	for i, c := range chans {
		if c == s.c {
			s.transport.subs[s.channel] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	return nil
}

// Registry is the cluster-wide, eventually-consistent agent-id set backing
// GetRegisteredAgents. Membership is never strongly consistent.
type Registry interface {
	Add(ctx context.Context, agentID string) error
	Remove(ctx context.Context, agentID string) error
	Members(ctx context.Context) ([]string, error)
}

// RedisRegistry stores the global registry set under
// {namespace}:agents:global. Every Add refreshes one TTL on the whole set
// key, so the set disappears only once no replica has added a member for a
// full TTL; members do not expire individually, and an entry left by a
// crashed replica stays while other replicas keep adding.
type RedisRegistry struct {
	client    *goredis.Client
	namespace string
	ttl       time.Duration
}

// NewRedisRegistry builds a Registry under namespace (default "msgbus").
func NewRedisRegistry(client *goredis.Client, namespace string, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RedisRegistry{client: client, namespace: namespace, ttl: ttl}
}

func (r *RedisRegistry) key() string { return r.namespace + ":agents:global" }

func (r *RedisRegistry) Add(ctx context.Context, agentID string) error {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.key(), agentID)
	pipe.Expire(ctx, r.key(), r.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRegistry) Remove(ctx context.Context, agentID string) error {
	return r.client.SRem(ctx, r.key(), agentID).Err()
}

func (r *RedisRegistry) Members(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, r.key()).Result()
}

// InMemoryRegistry is a fake Registry used in tests. (When a registry read
// fails, DistributedBus.GetRegisteredAgents falls back to its own local
// agent set, not to this type.)
type InMemoryRegistry struct {
	mu      sync.Mutex
	members map[string]struct{}
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{members: make(map[string]struct{})}
}

func (r *InMemoryRegistry) Add(_ context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[agentID] = struct{}{}
	return nil
}

func (r *InMemoryRegistry) Remove(_ context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, agentID)
	return nil
}

func (r *InMemoryRegistry) Members(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out, nil
}

func marshalEnvelope(e envelope) ([]byte, error) { return json.Marshal(e) }

// unmarshalEnvelope decodes and validates one wire envelope. A JSON parse
// failure or a validateEnvelope rejection both return an error; the caller
// drops the envelope either way rather than dispatching on it.
func unmarshalEnvelope(b []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return envelope{}, err
	}
	if err := validateEnvelope(e); err != nil {
		return envelope{}, err
	}
	return e, nil
}
