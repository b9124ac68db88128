package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/orchestrator/internal/bus"
)

// fakeL2Store is an in-process L2Store for exercising cache.go without a
// real Redis server.
type fakeL2Store struct {
	mu       sync.Mutex
	data     map[string]string
	failGet  bool
	failSet  bool
	getCalls int
}

func newFakeL2Store() *fakeL2Store {
	return &fakeL2Store{data: make(map[string]string)}
}

func (f *fakeL2Store) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.failGet {
		return "", false, assertErr("l2 unavailable")
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeL2Store) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet {
		return assertErr("l2 unavailable")
	}
	f.data[key] = value
	return nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestPolicyDecisionCache_L1Hit(t *testing.T) {
	c := New(Config{L1Capacity: 10, DefaultTTL: time.Minute}, nil)
	c.Set(context.Background(), "k1", map[string]interface{}{"allow": true}, 0)

	v, ok := c.Get(context.Background(), "k1")
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"allow": true}, v)
}

func TestPolicyDecisionCache_L1MissL2HitPopulatesL1(t *testing.T) {
	l2 := newFakeL2Store()
	l2.data["k1"] = `{"allow":true}`

	c := New(Config{L1Capacity: 10, DefaultTTL: time.Minute, L2: l2}, nil)

	v, ok := c.Get(context.Background(), "k1")
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"allow": true}, v)
	assert.Equal(t, 1, l2.getCalls)

	// second Get must be served from L1, not L2.
	_, ok = c.Get(context.Background(), "k1")
	require.True(t, ok)
	assert.Equal(t, 1, l2.getCalls)
}

func TestPolicyDecisionCache_L2UnavailableFallsBackToL1Only(t *testing.T) {
	l2 := newFakeL2Store()
	l2.failGet = true

	c := New(Config{L1Capacity: 10, DefaultTTL: time.Minute, L2: l2}, nil)

	_, ok := c.Get(context.Background(), "missing")
	assert.False(t, ok)
}

func TestPolicyDecisionCache_SetPublishesInvalidation(t *testing.T) {
	transport := bus.NewInMemoryTransport()

	c := New(Config{
		L1Capacity: 10,
		DefaultTTL: time.Minute,
		Transport:  transport,
		InstanceID: "self",
		Namespace:  "test",
	}, nil)
	defer c.Close()

	sub, err := transport.Subscribe(context.Background(), "test:cache:invalidate")
	require.NoError(t, err)
	defer sub.Close()

	c.Set(context.Background(), "k1", "v1", 0)

	select {
	case payload := <-sub.Channel():
		assert.Contains(t, string(payload), `"key":"k1"`)
		assert.Contains(t, string(payload), `"sourceInstanceId":"self"`)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for invalidation message")
	}
}

func TestPolicyDecisionCache_CrossReplicaInvalidationIgnoresSelf(t *testing.T) {
	transport := bus.NewInMemoryTransport()

	replicaA := New(Config{L1Capacity: 10, DefaultTTL: time.Minute, Transport: transport, InstanceID: "a", Namespace: "test"}, nil)
	defer replicaA.Close()
	replicaB := New(Config{L1Capacity: 10, DefaultTTL: time.Minute, Transport: transport, InstanceID: "b", Namespace: "test"}, nil)
	defer replicaB.Close()

	replicaA.l1.Set("k1", "stale-on-a", time.Minute)
	replicaB.l1.Set("k1", "stale-on-b", time.Minute)

	// replica B writes k1; replica A must invalidate, replica B's own L1
	// entry is overwritten locally (not invalidated) because B ignores its
	// own published message.
	replicaB.Set(context.Background(), "k1", "fresh-from-b", 0)

	require.Eventually(t, func() bool {
		_, ok := replicaA.l1.Get("k1")
		return !ok
	}, time.Second, 5*time.Millisecond, "replica A should have invalidated its stale L1 entry")

	v, ok := replicaB.l1.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "fresh-from-b", v)
}

func TestPolicyDecisionCache_Invalidate(t *testing.T) {
	c := New(Config{L1Capacity: 10, DefaultTTL: time.Minute}, nil)
	c.Set(context.Background(), "k1", "v1", 0)

	c.Invalidate("k1")

	_, ok := c.Get(context.Background(), "k1")
	assert.False(t, ok)
}
