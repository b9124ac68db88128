package graph

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/orchestrator/internal/orcherrors"
)

func TestNew_RejectsDuplicateNodeID(t *testing.T) {
	def := Definition{
		ID: "dup",
		Nodes: []NodeDefinition{
			{ID: "a", Type: NodeTask},
			{ID: "a", Type: NodeTask},
		},
	}
	_, err := New(def)
	require.Error(t, err)
	assert.ErrorIs(t, err, orcherrors.ErrInvalidGraph)
	assert.Contains(t, err.Error(), "duplicate node id")
}

func TestNew_RejectsUnknownDependency(t *testing.T) {
	def := Definition{
		ID: "unknown-dep",
		Nodes: []NodeDefinition{
			{ID: "a", Type: NodeTask, Dependencies: []string{"ghost"}},
		},
	}
	_, err := New(def)
	require.Error(t, err)
	assert.ErrorIs(t, err, orcherrors.ErrInvalidGraph)
	assert.Contains(t, err.Error(), "unknown node")
}

func TestNew_RejectsCycle(t *testing.T) {
	def := Definition{
		ID: "cycle",
		Nodes: []NodeDefinition{
			{ID: "a", Type: NodeTask, Dependencies: []string{"c"}},
			{ID: "b", Type: NodeTask, Dependencies: []string{"a"}},
			{ID: "c", Type: NodeTask, Dependencies: []string{"b"}},
		},
	}
	_, err := New(def)
	require.Error(t, err)
	assert.ErrorIs(t, err, orcherrors.ErrInvalidGraph)
	assert.Contains(t, err.Error(), "cycle")
}

func TestNew_InfersEntryNodesFromZeroDependencies(t *testing.T) {
	def := Definition{
		ID: "infer",
		Nodes: []NodeDefinition{
			{ID: "root", Type: NodeTask},
			{ID: "child", Type: NodeTask, Dependencies: []string{"root"}},
		},
	}
	g, err := New(def)
	require.NoError(t, err)
	assert.Equal(t, []string{"root"}, g.entries)
}

func TestNew_FailsWhenNoEntryNodesCanBeInferred(t *testing.T) {
	// Every node has a dependency and explicit entries are empty. The only
	// way to build this shape acyclically is with zero nodes.
	def := Definition{ID: "empty"}
	_, err := New(def)
	require.Error(t, err)
	assert.ErrorIs(t, err, orcherrors.ErrInvalidGraph)
}

func TestRegisterHandler_HasHandler(t *testing.T) {
	g, err := New(Definition{
		ID:    "h",
		Nodes: []NodeDefinition{{ID: "a", Type: NodeTask}},
	})
	require.NoError(t, err)

	assert.False(t, g.HasHandler(NodeTask))
	g.RegisterHandler(NodeTask, HandlerFunc(func(ctx context.Context, hc *HandlerContext) (interface{}, error) {
		return nil, nil
	}))
	assert.True(t, g.HasHandler(NodeTask))
	assert.False(t, g.HasHandler(NodeLoop))
}

func TestExecute_MissingHandlerFailsNodeWithoutRetry(t *testing.T) {
	def := Definition{
		ID: "no-handler",
		Nodes: []NodeDefinition{
			{ID: "a", Type: NodeCondition, RetryPolicy: &RetryPolicy{MaxRetries: 3, BackoffMs: 1}},
		},
	}
	g, err := New(def)
	require.NoError(t, err)

	res, err := g.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	exec := res.Executions["a"]
	assert.Equal(t, StatusFailed, exec.Status)
	assert.ErrorIs(t, exec.Err, orcherrors.ErrNoHandler)
	assert.Zero(t, exec.RetryCount)
}

func TestExecute_ExponentialBackoffDoublesEachRetry(t *testing.T) {
	const backoffMs = 40
	def := Definition{
		ID: "backoff",
		Nodes: []NodeDefinition{
			{
				ID:   "n",
				Type: NodeTask,
				RetryPolicy: &RetryPolicy{
					MaxRetries:  2,
					BackoffMs:   backoffMs,
					Exponential: true,
				},
			},
		},
	}
	g, err := New(def)
	require.NoError(t, err)

	var mu sync.Mutex
	var stamps []time.Time
	g.RegisterHandler(NodeTask, HandlerFunc(func(ctx context.Context, hc *HandlerContext) (interface{}, error) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return nil, fmt.Errorf("always fails")
	}))

	_, err = g.Execute(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, stamps, 3)

	// Delay k doubles: first gap >= backoffMs, second gap >= 2*backoffMs.
	gap1 := stamps[1].Sub(stamps[0])
	gap2 := stamps[2].Sub(stamps[1])
	assert.GreaterOrEqual(t, gap1, time.Duration(backoffMs)*time.Millisecond)
	assert.GreaterOrEqual(t, gap2, 2*time.Duration(backoffMs)*time.Millisecond)
}

// TestExecute_ListenerGoroutinesExit guards against leaking one goroutine
// per listener per run: graphs are materialized fresh for every plan
// execution, so listener queues must be closed when Execute returns.
func TestExecute_ListenerGoroutinesExit(t *testing.T) {
	before := runtime.NumGoroutine()

	for i := 0; i < 25; i++ {
		g, err := New(Definition{
			ID:    fmt.Sprintf("run-%d", i),
			Nodes: []NodeDefinition{{ID: "a", Type: NodeTask}},
		}, WithEventListener(func(Event) {}))
		require.NoError(t, err)
		g.RegisterHandler(NodeTask, HandlerFunc(func(ctx context.Context, hc *HandlerContext) (interface{}, error) {
			return nil, nil
		}))
		_, err = g.Execute(context.Background(), nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+3
	}, time.Second, 10*time.Millisecond,
		"listener goroutines must exit once their run's Execute returns")
}

func TestExecute_EventsObserveNodeLifecycle(t *testing.T) {
	var mu sync.Mutex
	var seen []EventType
	listener := func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	}

	g, err := New(Definition{
		ID:    "events",
		Nodes: []NodeDefinition{{ID: "a", Type: NodeTask}},
	}, WithEventListener(listener))
	require.NoError(t, err)

	g.RegisterHandler(NodeTask, HandlerFunc(func(ctx context.Context, hc *HandlerContext) (interface{}, error) {
		return "done", nil
	}))

	_, err = g.Execute(context.Background(), nil)
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 4 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, EventExecutionStarted)
	assert.Contains(t, seen, EventNodeStarted)
	assert.Contains(t, seen, EventNodeCompleted)
	assert.Contains(t, seen, EventExecutionCompleted)
}
