package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/flowmesh/orchestrator/internal/coalesce"
	"github.com/flowmesh/orchestrator/internal/orcherrors"
	"github.com/flowmesh/orchestrator/internal/provider"
)

// ChatRouter is the narrow surface httpapi depends on for chat routing.
type ChatRouter interface {
	RouteChat(ctx context.Context, req provider.ChatRequest) (provider.ChatResponse, error)
}

// ChatHandler serves POST /chat: optimizes the prompt, coalesces
// in-flight duplicates, then routes through ChatRouter.
type ChatHandler struct {
	router    ChatRouter
	optimizer *coalesce.Optimizer
	coalescer *coalesce.Coalescer
}

// NewChatHandler builds a ChatHandler. optimizer/coalescer may be nil to
// skip that stage (e.g. in tests exercising routing alone).
func NewChatHandler(router ChatRouter, optimizer *coalesce.Optimizer, coalescer *coalesce.Coalescer) *ChatHandler {
	return &ChatHandler{router: router, optimizer: optimizer, coalescer: coalescer}
}

type chatRequest struct {
	Prompt      string   `json:"prompt"`
	Provider    string   `json:"provider"`
	RoutingMode string   `json:"routingMode"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   int      `json:"maxTokens"`
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, orcherrors.New("httpapi.chat", orcherrors.KindValidation, orcherrors.ErrInvalidProvider))
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, orcherrors.New("httpapi.chat", orcherrors.KindValidation, orcherrors.ErrInvalidProvider))
		return
	}

	prompt := req.Prompt
	if h.optimizer != nil {
		prompt = h.optimizer.Optimize(prompt).Prompt
	}

	chatReq := provider.ChatRequest{
		Prompt:      prompt,
		Provider:    req.Provider,
		RoutingMode: req.RoutingMode,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	run := func(ctx context.Context) (interface{}, error) {
		return h.router.RouteChat(ctx, chatReq)
	}

	var value interface{}
	var err error
	if h.coalescer != nil {
		value, err, _ = h.coalescer.Do(r.Context(), chatReq, run)
	} else {
		value, err = run(r.Context())
	}
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, value.(provider.ChatResponse))
}
