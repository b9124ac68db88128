package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/orchestrator/internal/orcherrors"
)

// Bus is the common contract both LocalBus and DistributedBus satisfy.
// Every operation is context-aware and error-returning; there is no
// synchronous variant.
type Bus interface {
	RegisterAgent(agentID string) error
	UnregisterAgent(agentID string) error
	RegisterHandler(agentID string, msgType MessageType, h Handler) error
	Send(ctx context.Context, msg Message) (string, error)
	Request(ctx context.Context, from, to string, payload interface{}, timeout time.Duration) (interface{}, error)
	GetMetrics() Metrics
	GetRegisteredAgents() []string
	Shutdown(ctx context.Context) error
}

const defaultRequestTimeout = 30 * time.Second

// sanitizeError returns the allowlisted safe message for err if it matches
// a known-safe category, else the generic fallback. Remote requesters only
// ever see the sanitized form.
func sanitizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case orcherrors.IsTimeout(err):
		return "request timeout"
	case errors.Is(err, orcherrors.ErrNoHandler):
		return "no handler registered"
	case errors.Is(err, orcherrors.ErrUnknownAgent):
		return "unknown agent"
	case errors.Is(err, orcherrors.ErrBusShuttingDown):
		return "bus shutting down"
	default:
		return "Request processing failed"
	}
}

// pendingRequest is one in-flight request(...) call awaiting a Response or
// Error with a matching correlation id.
type pendingRequest struct {
	result chan requestOutcome
	timer  *time.Timer
}

type requestOutcome struct {
	value interface{}
	err   error
}

// pendingTable tracks in-flight requests by correlation id, shared by both
// bus implementations: one completion future plus a timer per entry.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

// register creates a pending entry for correlationID with a timeout timer
// that resolves the request with ErrRequestTimeout when it fires.
func (t *pendingTable) register(correlationID string, timeout time.Duration) *pendingRequest {
	pr := &pendingRequest{result: make(chan requestOutcome, 1)}
	t.mu.Lock()
	t.entries[correlationID] = pr
	t.mu.Unlock()

	pr.timer = time.AfterFunc(timeout, func() {
		t.resolve(correlationID, requestOutcome{err: orcherrors.New("bus.request", orcherrors.KindTimeout, orcherrors.ErrRequestTimeout)})
	})
	return pr
}

// resolve completes correlationID's pending entry exactly once. A second
// call (e.g. a late Response arriving after the timer already fired) is a
// silent no-op: a late Response for a resolved correlation-id is dropped.
func (t *pendingTable) resolve(correlationID string, outcome requestOutcome) {
	t.mu.Lock()
	pr, ok := t.entries[correlationID]
	if ok {
		delete(t.entries, correlationID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	pr.timer.Stop()
	pr.result <- outcome
}

// shutdown rejects every still-pending request with ErrBusShuttingDown.
func (t *pendingTable) shutdown() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pendingRequest)
	t.mu.Unlock()

	for _, pr := range entries {
		pr.timer.Stop()
		pr.result <- requestOutcome{err: orcherrors.New("bus.shutdown", orcherrors.KindState, orcherrors.ErrBusShuttingDown)}
	}
}

func newMessageID() string { return uuid.NewString() }

func newCorrelationID() string { return uuid.NewString() }
