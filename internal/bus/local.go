package bus

import (
	"context"
	"sync"
	"time"

	"github.com/flowmesh/orchestrator/internal/corelog"
	"github.com/flowmesh/orchestrator/internal/orcherrors"
)

// agentHandlers is one agent's registered handler map, keyed by message
// type. A plain map behind the bus-wide RWMutex is read-mostly (dispatch)
// and rare-write (register/unregister).
type agentHandlers map[MessageType]Handler

// LocalBus is the single-process MessageBus implementation.
// Broadcast and direct dispatch happen entirely in-process; Request uses
// the shared pendingTable for correlation tracking.
type LocalBus struct {
	logger corelog.Logger

	mu     sync.RWMutex
	agents map[string]agentHandlers
	queued map[string]int // per-agent in-flight handler count, reported by GetMetrics

	pending *pendingTable

	metricsMu sync.Mutex
	sent      int64
	delivered int64
	failed    int64
	expired   int64

	shuttingDown bool
}

// NewLocal constructs an empty LocalBus.
func NewLocal(logger corelog.Logger) *LocalBus {
	if logger == nil {
		logger = corelog.NoOpLogger{}
	}
	if cal, ok := logger.(corelog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("orchestrator/bus")
	}
	return &LocalBus{
		logger:  logger,
		agents:  make(map[string]agentHandlers),
		queued:  make(map[string]int),
		pending: newPendingTable(),
	}
}

func (b *LocalBus) RegisterAgent(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.agents[agentID]; !ok {
		b.agents[agentID] = make(agentHandlers)
		b.queued[agentID] = 0
	}
	return nil
}

func (b *LocalBus) UnregisterAgent(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.agents, agentID)
	delete(b.queued, agentID)
	return nil
}

func (b *LocalBus) RegisterHandler(agentID string, msgType MessageType, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers, ok := b.agents[agentID]
	if !ok {
		handlers = make(agentHandlers)
		b.agents[agentID] = handlers
		b.queued[agentID] = 0
	}
	handlers[msgType] = h
	return nil
}

// Send routes msg (sender-populated; id/timestamp are generated here):
// broadcast goes to every other local agent, list recipients fan out to
// each, a single recipient dispatches directly.
func (b *LocalBus) Send(ctx context.Context, msg Message) (string, error) {
	b.mu.RLock()
	down := b.shuttingDown
	b.mu.RUnlock()
	if down {
		return "", orcherrors.New("bus.send", orcherrors.KindState, orcherrors.ErrBusShuttingDown)
	}

	msg.ID = newMessageID()
	msg.Timestamp = time.Now()
	b.incr(&b.sent)

	if msg.Type == TypeBroadcast || len(msg.To) == 0 {
		b.broadcast(ctx, msg)
		return msg.ID, nil
	}
	for _, to := range msg.To {
		b.dispatchLocal(ctx, to, msg)
	}
	return msg.ID, nil
}

// Request allocates a correlation id, sends a Request, and blocks until a
// matching Response/Error arrives or timeout elapses.
func (b *LocalBus) Request(ctx context.Context, from, to string, payload interface{}, timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	correlationID := newCorrelationID()
	pr := b.pending.register(correlationID, timeout)

	msg := Message{Type: TypeRequest, From: from, To: []string{to}, Payload: payload, CorrelationID: correlationID, Priority: PriorityNormal}
	if _, err := b.Send(ctx, msg); err != nil {
		b.pending.resolve(correlationID, requestOutcome{err: err})
	}

	select {
	case outcome := <-pr.result:
		if outcome.err != nil {
			if orcherrors.IsTimeout(outcome.err) {
				b.incr(&b.expired)
			} else {
				b.incr(&b.failed)
			}
			return nil, outcome.err
		}
		return outcome.value, nil
	case <-ctx.Done():
		b.pending.resolve(correlationID, requestOutcome{err: ctx.Err()})
		return nil, ctx.Err()
	}
}

// broadcast delivers to every registered agent except the sender.
func (b *LocalBus) broadcast(ctx context.Context, msg Message) {
	b.mu.RLock()
	recipients := make([]string, 0, len(b.agents))
	for id := range b.agents {
		if id != msg.From {
			recipients = append(recipients, id)
		}
	}
	b.mu.RUnlock()
	for _, id := range recipients {
		b.dispatchLocal(ctx, id, msg)
	}
}

// dispatchLocal looks up handlers[agentID][type] and invokes it, replying
// with a Response/Error for Request messages.
func (b *LocalBus) dispatchLocal(ctx context.Context, agentID string, msg Message) {
	b.mu.RLock()
	handlers, ok := b.agents[agentID]
	var h Handler
	if ok {
		h = handlers[msg.Type]
	}
	b.mu.RUnlock()

	if !ok {
		b.incr(&b.failed)
		b.logger.Warn("bus: message addressed to unknown agent dropped", map[string]interface{}{
			"agent_id": agentID, "message_id": msg.ID,
		})
		if msg.Type == TypeRequest && msg.CorrelationID != "" {
			b.completeRequest(msg.CorrelationID, requestOutcome{err: orcherrors.NewWithID("bus.dispatch", orcherrors.KindState, agentID, orcherrors.ErrUnknownAgent)})
		}
		return
	}
	if h == nil {
		b.incr(&b.failed)
		if msg.Type == TypeRequest && msg.CorrelationID != "" {
			b.completeRequest(msg.CorrelationID, requestOutcome{err: orcherrors.NewWithID("bus.dispatch", orcherrors.KindState, agentID, orcherrors.ErrNoHandler)})
		}
		return
	}

	b.mu.Lock()
	b.queued[agentID]++
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			// The agent may have been unregistered while the handler ran;
			// don't resurrect its queue entry just to decrement it.
			if n, ok := b.queued[agentID]; ok && n > 0 {
				b.queued[agentID] = n - 1
			}
			b.mu.Unlock()
		}()
		out, err := h(ctx, msg)
		if err != nil {
			b.incr(&b.failed)
		} else {
			b.incr(&b.delivered)
		}
		if msg.Type == TypeRequest && msg.CorrelationID != "" {
			b.completeRequest(msg.CorrelationID, requestOutcome{value: out, err: err})
		}
	}()
}

// completeRequest resolves a pending Request either by sanitizing a
// handler error into an Error outcome, or passing the handler's return
// value through as a Response outcome.
func (b *LocalBus) completeRequest(correlationID string, outcome requestOutcome) {
	if outcome.err != nil {
		outcome.err = &sanitizedError{msg: sanitizeError(outcome.err)}
	}
	b.pending.resolve(correlationID, outcome)
}

func (b *LocalBus) GetMetrics() Metrics {
	b.mu.RLock()
	queues := make(map[string]int, len(b.queued))
	for k, v := range b.queued {
		queues[k] = v
	}
	b.mu.RUnlock()

	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	return Metrics{Sent: b.sent, Delivered: b.delivered, Failed: b.failed, Expired: b.expired, QueueSizes: queues}
}

func (b *LocalBus) GetRegisteredAgents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.agents))
	for id := range b.agents {
		out = append(out, id)
	}
	return out
}

func (b *LocalBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.shuttingDown = true
	b.agents = make(map[string]agentHandlers)
	b.mu.Unlock()
	b.pending.shutdown()
	return nil
}

func (b *LocalBus) incr(counter *int64) {
	b.metricsMu.Lock()
	*counter++
	b.metricsMu.Unlock()
}

// sanitizedError is a plain string error: the allowlisted-or-generic text
// returned to a Request caller in place of internal handler detail.
type sanitizedError struct{ msg string }

func (e *sanitizedError) Error() string { return e.msg }
