package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/orchestrator/internal/resilience"
)

type fakeClient struct {
	caps   Capabilities
	gen    func(ctx context.Context, req ChatRequest) (ChatResponse, error)
	called int
}

func (f *fakeClient) Capabilities() Capabilities { return f.caps }
func (f *fakeClient) Generate(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	f.called++
	return f.gen(ctx, req)
}

func newRouter(t *testing.T, clients map[string]Client, enabled []string) *Router {
	t.Helper()
	rl := resilience.NewRateLimiter(resilience.NewInMemoryStore(), 1000, time.Second, nil)
	cb := resilience.NewManager(resilience.DefaultCircuitBreakerConfig(), nil)
	return New(Config{Enabled: enabled}, clients, rl, cb, nil)
}

// TestRouter_FailoverWithWarnings: openai fails with a non-retryable 401, mistral
// succeeds; the response comes from mistral and carries an openai warning.
func TestRouter_FailoverWithWarnings(t *testing.T) {
	openai := &fakeClient{
		caps: Capabilities{SupportsTemperature: true, DefaultTemperature: 0.7},
		gen: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
			return ChatResponse{}, &ProviderError{Status: 401, Retryable: false, Err: assertErr("missing API key")}
		},
	}
	mistral := &fakeClient{
		caps: Capabilities{SupportsTemperature: true, DefaultTemperature: 0.5},
		gen: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
			return ChatResponse{Text: "hello from mistral"}, nil
		},
	}

	r := newRouter(t, map[string]Client{"openai": openai, "mistral": mistral}, []string{"openai", "mistral"})

	resp, err := r.RouteChat(context.Background(), ChatRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "mistral", resp.Provider)
	assert.Equal(t, "hello from mistral", resp.Text)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "openai")
	assert.Contains(t, resp.Warnings[0], "missing API key")
	assert.Equal(t, 1, openai.called)
	assert.Equal(t, 1, mistral.called)
}

func TestRouter_AllProvidersFailed(t *testing.T) {
	openai := &fakeClient{
		caps: Capabilities{SupportsTemperature: true},
		gen: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
			return ChatResponse{}, &ProviderError{Status: 500, Retryable: true, Err: assertErr("boom")}
		},
	}
	r := newRouter(t, map[string]Client{"openai": openai}, []string{"openai"})

	_, err := r.RouteChat(context.Background(), ChatRequest{Prompt: "hi"})
	require.Error(t, err)
	var apf *AllProvidersFailedError
	require.ErrorAs(t, err, &apf)
	assert.Equal(t, 500, apf.Status)
	require.Len(t, apf.Failures, 1)
	assert.Equal(t, "openai", apf.Failures[0].Provider)
}

func TestRouter_NoProvidersEnabled(t *testing.T) {
	r := newRouter(t, map[string]Client{}, nil)
	_, err := r.RouteChat(context.Background(), ChatRequest{Prompt: "hi"})
	require.Error(t, err)
}

func TestRouter_ProviderHintNotEnabled(t *testing.T) {
	openai := &fakeClient{caps: Capabilities{}}
	r := newRouter(t, map[string]Client{"openai": openai}, []string{"openai"})
	_, err := r.RouteChat(context.Background(), ChatRequest{Prompt: "hi", Provider: "anthropic"})
	require.Error(t, err)
}

func TestRouter_InvalidProviderHintCharset(t *testing.T) {
	r := newRouter(t, map[string]Client{}, []string{"openai"})
	_, err := r.RouteChat(context.Background(), ChatRequest{Prompt: "hi", Provider: "open ai!"})
	require.Error(t, err)
}

func TestRouter_TemperatureStrippedWhenUnsupported(t *testing.T) {
	var seen ChatRequest
	client := &fakeClient{
		caps: Capabilities{SupportsTemperature: false},
		gen: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
			seen = req
			return ChatResponse{Text: "ok"}, nil
		},
	}
	r := newRouter(t, map[string]Client{"noTemp": client}, []string{"noTemp"})
	temp := 0.9
	resp, err := r.RouteChat(context.Background(), ChatRequest{Prompt: "hi", Temperature: &temp})
	require.NoError(t, err)
	assert.Nil(t, seen.Temperature)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "temperature not supported")
}

func TestRouter_InvalidTemperatureRejected(t *testing.T) {
	client := &fakeClient{caps: Capabilities{SupportsTemperature: true}}
	r := newRouter(t, map[string]Client{"p": client}, []string{"p"})
	bad := 5.0
	_, err := r.RouteChat(context.Background(), ChatRequest{Prompt: "hi", Temperature: &bad})
	require.Error(t, err)
}

func TestRouter_DefaultTemperatureApplied(t *testing.T) {
	var seen ChatRequest
	client := &fakeClient{
		caps: Capabilities{SupportsTemperature: true, DefaultTemperature: 0.42},
		gen: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
			seen = req
			return ChatResponse{}, nil
		},
	}
	r := newRouter(t, map[string]Client{"p": client}, []string{"p"})
	_, err := r.RouteChat(context.Background(), ChatRequest{Prompt: "hi"})
	require.NoError(t, err)
	require.NotNil(t, seen.Temperature)
	assert.Equal(t, 0.42, *seen.Temperature)
}

func TestRouter_RoutingModePriority(t *testing.T) {
	var calledOrder []string
	mk := func(name string, fail bool) *fakeClient {
		return &fakeClient{
			caps: Capabilities{},
			gen: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
				calledOrder = append(calledOrder, name)
				if fail {
					return ChatResponse{}, &ProviderError{Status: 500, Retryable: true, Err: assertErr("fail")}
				}
				return ChatResponse{Provider: name}, nil
			},
		}
	}
	a, b := mk("a", true), mk("b", false)
	rl := resilience.NewRateLimiter(resilience.NewInMemoryStore(), 1000, time.Second, nil)
	cbMgr := resilience.NewManager(resilience.DefaultCircuitBreakerConfig(), nil)
	r := New(Config{
		Enabled:         []string{"a", "b"},
		RoutingPriority: map[string][]string{"balanced": {"b", "a"}},
		DefaultMode:     "balanced",
	}, map[string]Client{"a": a, "b": b}, rl, cbMgr, nil)

	_, err := r.RouteChat(context.Background(), ChatRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, calledOrder)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
