package main

import (
	"context"
	"fmt"

	"github.com/flowmesh/orchestrator/internal/corelog"
	"github.com/flowmesh/orchestrator/internal/graph"
	"github.com/flowmesh/orchestrator/internal/provider"
)

// chatTaskHandler is the graph.Handler registered for NodeTask: a step
// whose action is "chat" is routed through the provider Router using the
// step's "prompt" input; any other action is a pass-through no-op that
// echoes its input as output, since concrete tool/agent invocation is out
// of scope (spec's own Non-goal for concrete provider/tool SDKs).
type chatTaskHandler struct {
	router *provider.Router
	logger corelog.Logger
}

func newChatTaskHandler(router *provider.Router, logger corelog.Logger) graph.Handler {
	h := &chatTaskHandler{router: router, logger: logger}
	return graph.HandlerFunc(h.execute)
}

func (h *chatTaskHandler) execute(ctx context.Context, hc *graph.HandlerContext) (interface{}, error) {
	action, _ := hc.Node.Config["action"].(string)
	if action != "chat" {
		return hc.Node.Config["input"], nil
	}

	input, _ := hc.Node.Config["input"].(map[string]interface{})
	prompt, _ := input["prompt"].(string)
	if prompt == "" {
		return nil, fmt.Errorf("task %s: chat action requires a non-empty \"prompt\" input", hc.Node.ID)
	}

	req := provider.ChatRequest{Prompt: prompt}
	if p, ok := input["provider"].(string); ok {
		req.Provider = p
	}
	if m, ok := input["routingMode"].(string); ok {
		req.RoutingMode = m
	}
	if t, ok := input["temperature"].(float64); ok {
		req.Temperature = &t
	}

	resp, err := h.router.RouteChat(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// passthroughHandler is the default graph.Handler for Condition, Parallel,
// Merge, and Loop nodes: the DAG engine already expresses their scheduling
// semantics structurally (a Condition's dependents simply don't run until
// it completes; "parallel" fan-out falls out of the engine's own
// concurrency-limited dispatch over independent dependents; Merge is a node
// with multiple dependencies; Loop is a cycle-free repeated subgraph laid
// out by the caller), so the handler itself has nothing type-specific left
// to do beyond producing an output dependents can read, and echoes its
// input like NodeTask's own non-chat fallback.
func passthroughHandler(_ context.Context, hc *graph.HandlerContext) (interface{}, error) {
	return hc.Node.Config["input"], nil
}
