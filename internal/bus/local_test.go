package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBus_SendDirect(t *testing.T) {
	b := NewLocal(nil)
	require.NoError(t, b.RegisterAgent("A"))

	received := make(chan Message, 1)
	require.NoError(t, b.RegisterHandler("A", TypeNotify, func(_ context.Context, msg Message) (interface{}, error) {
		received <- msg
		return nil, nil
	}))

	id, err := b.Send(context.Background(), Message{Type: TypeNotify, From: "sender", To: []string{"A"}, Payload: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case msg := <-received:
		assert.Equal(t, "hi", msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestLocalBus_Broadcast(t *testing.T) {
	b := NewLocal(nil)
	require.NoError(t, b.RegisterAgent("sender"))
	gotA := make(chan struct{}, 1)
	gotB := make(chan struct{}, 1)
	b.RegisterHandler("A", TypeBroadcast, func(_ context.Context, _ Message) (interface{}, error) { gotA <- struct{}{}; return nil, nil })
	b.RegisterHandler("B", TypeBroadcast, func(_ context.Context, _ Message) (interface{}, error) { gotB <- struct{}{}; return nil, nil })
	b.RegisterHandler("sender", TypeBroadcast, func(_ context.Context, _ Message) (interface{}, error) {
		t.Fatal("sender must not receive its own broadcast")
		return nil, nil
	})

	_, err := b.Send(context.Background(), Message{Type: TypeBroadcast, From: "sender"})
	require.NoError(t, err)

	for _, ch := range []chan struct{}{gotA, gotB} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("broadcast not delivered")
		}
	}
}

func TestLocalBus_RequestResponse(t *testing.T) {
	b := NewLocal(nil)
	b.RegisterHandler("echo", TypeRequest, func(_ context.Context, msg Message) (interface{}, error) {
		return msg.Payload, nil
	})

	out, err := b.Request(context.Background(), "caller", "echo", "ping", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ping", out)
}

func TestLocalBus_RequestErrorSanitized(t *testing.T) {
	b := NewLocal(nil)
	b.RegisterHandler("boom", TypeRequest, func(_ context.Context, _ Message) (interface{}, error) {
		return nil, errors.New("database password is hunter2")
	})

	_, err := b.Request(context.Background(), "caller", "boom", nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, "Request processing failed", err.Error())
	assert.NotContains(t, err.Error(), "hunter2")
}

func TestLocalBus_RequestTimeout(t *testing.T) {
	b := NewLocal(nil)
	b.RegisterHandler("slow", TypeRequest, func(ctx context.Context, _ Message) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := b.Request(context.Background(), "caller", "slow", nil, 20*time.Millisecond)
	require.Error(t, err)
}

func TestLocalBus_RequestUnknownAgent(t *testing.T) {
	b := NewLocal(nil)
	_, err := b.Request(context.Background(), "caller", "nobody", nil, 50*time.Millisecond)
	require.Error(t, err)
}

func TestLocalBus_Shutdown(t *testing.T) {
	b := NewLocal(nil)
	b.RegisterHandler("slow", TypeRequest, func(ctx context.Context, _ Message) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	resultCh := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), "caller", "slow", nil, 5*time.Second)
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Shutdown(context.Background()))

	select {
	case err := <-resultCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not reject pending request")
	}

	_, err := b.Send(context.Background(), Message{Type: TypeNotify, To: []string{"slow"}})
	require.Error(t, err)
}

func TestLocalBus_GetRegisteredAgents(t *testing.T) {
	b := NewLocal(nil)
	require.NoError(t, b.RegisterAgent("A"))
	require.NoError(t, b.RegisterAgent("B"))
	agents := b.GetRegisteredAgents()
	assert.ElementsMatch(t, []string{"A", "B"}, agents)

	require.NoError(t, b.UnregisterAgent("A"))
	assert.ElementsMatch(t, []string{"B"}, b.GetRegisteredAgents())
}

func TestLocalBus_QueueSizesTrackInFlightHandlers(t *testing.T) {
	b := NewLocal(nil)
	started := make(chan struct{})
	release := make(chan struct{})
	b.RegisterHandler("worker", TypeNotify, func(_ context.Context, _ Message) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})

	_, err := b.Send(context.Background(), Message{Type: TypeNotify, From: "s", To: []string{"worker"}})
	require.NoError(t, err)

	<-started
	assert.Equal(t, 1, b.GetMetrics().QueueSizes["worker"], "in-flight handler should be counted")

	close(release)
	require.Eventually(t, func() bool {
		return b.GetMetrics().QueueSizes["worker"] == 0
	}, time.Second, 5*time.Millisecond, "count should drop once the handler returns")
}

func TestLocalBus_Metrics(t *testing.T) {
	b := NewLocal(nil)
	b.RegisterHandler("echo", TypeRequest, func(_ context.Context, msg Message) (interface{}, error) { return msg.Payload, nil })
	_, err := b.Request(context.Background(), "caller", "echo", 1, time.Second)
	require.NoError(t, err)

	m := b.GetMetrics()
	assert.GreaterOrEqual(t, m.Sent, int64(1))
	assert.GreaterOrEqual(t, m.Delivered, int64(1))
}
