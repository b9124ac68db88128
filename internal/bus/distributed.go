package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/orchestrator/internal/corelog"
	"github.com/flowmesh/orchestrator/internal/orcherrors"
)

// DistributedBus is the pub/sub-backed, multi-replica MessageBus
// implementation. Each replica has a unique instance id; Response/
// Error messages for a Request route to response:{sourceInstance}, the
// instance that issued the request, so the requester's own subscription
// resolves the correlated pending entry regardless of which replica hosts
// the target agent.
//
// Channel routing is composed behind the Transport/Registry interfaces so the same
// DistributedBus logic runs against either a real broker or the in-memory
// test fakes in transport.go.
type DistributedBus struct {
	logger         corelog.Logger
	instanceID     string
	namespace      string
	transport      Transport
	registry       Registry
	requestTimeout time.Duration

	mu           sync.RWMutex
	agents       map[string]agentHandlers
	agentSubs    map[string]Subscription
	shuttingDown bool

	pending *pendingTable

	metricsMu                        sync.Mutex
	sent, delivered, failed, expired int64

	cancel       context.CancelFunc
	broadcastSub Subscription
	responseSub  Subscription
}

// NewDistributed builds a DistributedBus with a freshly generated instance
// id (or the supplied one, for deterministic tests). namespace defaults to
// "msgbus".
func NewDistributed(transport Transport, registry Registry, instanceID, namespace string, requestTimeout time.Duration, logger corelog.Logger) (*DistributedBus, error) {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	if namespace == "" {
		namespace = "msgbus"
	}
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = corelog.NoOpLogger{}
	}
	if cal, ok := logger.(corelog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("orchestrator/bus")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &DistributedBus{
		logger:         logger,
		instanceID:     instanceID,
		namespace:      namespace,
		transport:      transport,
		registry:       registry,
		requestTimeout: requestTimeout,
		agents:         make(map[string]agentHandlers),
		agentSubs:      make(map[string]Subscription),
		pending:        newPendingTable(),
		cancel:         cancel,
	}

	bsub, err := transport.Subscribe(ctx, b.broadcastChannel())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bus: subscribe broadcast channel: %w", err)
	}
	b.broadcastSub = bsub
	go b.readBroadcast(ctx, bsub)

	rsub, err := transport.Subscribe(ctx, b.responseChannel())
	if err != nil {
		bsub.Close()
		cancel()
		return nil, fmt.Errorf("bus: subscribe response channel: %w", err)
	}
	b.responseSub = rsub
	go b.readResponses(rsub)

	return b, nil
}

func (b *DistributedBus) agentChannel(agentID string) string {
	return b.namespace + ":agent:" + agentID
}
func (b *DistributedBus) broadcastChannel() string { return b.namespace + ":broadcast" }
func (b *DistributedBus) responseChannel() string  { return b.namespace + ":response:" + b.instanceID }

func (b *DistributedBus) RegisterAgent(agentID string) error {
	b.mu.Lock()
	if _, ok := b.agents[agentID]; ok {
		b.mu.Unlock()
		return nil
	}
	b.agents[agentID] = make(agentHandlers)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := b.transport.Subscribe(context.Background(), b.agentChannel(agentID))
	if err != nil {
		return fmt.Errorf("bus: subscribe agent channel %q: %w", agentID, err)
	}
	b.mu.Lock()
	b.agentSubs[agentID] = sub
	b.mu.Unlock()
	go b.readAgentChannel(agentID, sub)

	if err := b.registry.Add(ctx, agentID); err != nil {
		b.logger.Warn("bus: registry add failed", map[string]interface{}{"agent_id": agentID, "error": err.Error()})
	}
	return nil
}

func (b *DistributedBus) UnregisterAgent(agentID string) error {
	b.mu.Lock()
	delete(b.agents, agentID)
	sub, ok := b.agentSubs[agentID]
	delete(b.agentSubs, agentID)
	b.mu.Unlock()
	if ok {
		sub.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.registry.Remove(ctx, agentID)
}

func (b *DistributedBus) RegisterHandler(agentID string, msgType MessageType, h Handler) error {
	b.mu.RLock()
	_, ok := b.agents[agentID]
	b.mu.RUnlock()
	if !ok {
		if err := b.RegisterAgent(agentID); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.agents[agentID][msgType] = h
	b.mu.Unlock()
	return nil
}

// Send routes msg: broadcast publishes to the shared broadcast
// channel; a locally-hosted single/list recipient dispatches in-process;
// a remote recipient is published to its agent:{id} channel.
func (b *DistributedBus) Send(ctx context.Context, msg Message) (string, error) {
	b.mu.RLock()
	down := b.shuttingDown
	b.mu.RUnlock()
	if down {
		return "", orcherrors.New("bus.send", orcherrors.KindState, orcherrors.ErrBusShuttingDown)
	}

	msg.ID = newMessageID()
	msg.Timestamp = time.Now()
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	b.incr(&b.sent)

	if msg.Type == TypeBroadcast || len(msg.To) == 0 {
		payload, err := marshalEnvelope(envelope{Message: msg, SourceInstance: b.instanceID})
		if err != nil {
			return "", err
		}
		return msg.ID, b.transport.Publish(ctx, b.broadcastChannel(), payload)
	}

	for _, to := range msg.To {
		single := msg
		single.To = []string{to}
		b.routeSingle(ctx, single)
	}
	return msg.ID, nil
}

func (b *DistributedBus) routeSingle(ctx context.Context, msg Message) {
	b.mu.RLock()
	handlers, local := b.agents[msg.To[0]]
	var h Handler
	if local {
		h = handlers[msg.Type]
	}
	b.mu.RUnlock()

	if local {
		b.invoke(ctx, h, msg, "")
		return
	}

	payload, err := marshalEnvelope(envelope{Message: msg, SourceInstance: b.instanceID})
	if err != nil {
		b.incr(&b.failed)
		return
	}
	if err := b.transport.Publish(ctx, b.agentChannel(msg.To[0]), payload); err != nil {
		b.incr(&b.failed)
		b.logger.Warn("bus: publish failed", map[string]interface{}{"agent_id": msg.To[0], "error": err.Error()})
	}
}

// Request allocates a correlation id, sends a Request, and blocks until a
// Response/Error/timeout/shutdown resolves the pending entry: exactly one
// of those outcomes. Responses from a remotely-hosted agent round-trip through
// response:{instanceID}; a locally-hosted agent resolves the same
// pendingTable entry directly from invoke, without touching the network.
func (b *DistributedBus) Request(ctx context.Context, from, to string, payload interface{}, timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		timeout = b.requestTimeout
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

// invoke runs h (already resolved, under lock, by the caller) for msg.
// sourceInstance is empty for same-instance delivery (resolve the pending
// table directly); non-empty for inbound remote requests (reply over the
// response channel instead).
func (b *DistributedBus) invoke(ctx context.Context, h Handler, msg Message, sourceInstance string) {
	if h == nil {
		b.incr(&b.failed)
		if msg.Type == TypeRequest && msg.CorrelationID != "" {
			b.replyError(ctx, msg.CorrelationID, sourceInstance, orcherrors.ErrNoHandler)
		}
		return
	}

	go func() {
		out, err := h(ctx, msg)
		if err != nil {
			b.incr(&b.failed)
			if msg.Type == TypeRequest && msg.CorrelationID != "" {
				b.replyError(ctx, msg.CorrelationID, sourceInstance, err)
			}
			return
		}
		b.incr(&b.delivered)
		if msg.Type == TypeRequest && msg.CorrelationID != "" {
			b.replyValue(ctx, msg.CorrelationID, sourceInstance, out)
		}
	}()
}

func (b *DistributedBus) replyValue(ctx context.Context, correlationID, sourceInstance string, value interface{}) {
	if sourceInstance == "" {
		b.pending.resolve(correlationID, requestOutcome{value: value})
		return
	}
	resp := Message{Type: TypeResponse, From: b.instanceID, CorrelationID: correlationID, Payload: value, Timestamp: time.Now(), ID: newMessageID()}
	payload, err := marshalEnvelope(envelope{Message: resp, SourceInstance: b.instanceID})
	if err != nil {
		return
	}
	b.transport.Publish(ctx, b.namespace+":response:"+sourceInstance, payload)
}

func (b *DistributedBus) replyError(ctx context.Context, correlationID, sourceInstance string, err error) {
	safe := sanitizeError(err)
	if sourceInstance == "" {
		b.pending.resolve(correlationID, requestOutcome{err: errors.New(safe)})
		return
	}
	resp := Message{Type: TypeError, From: b.instanceID, CorrelationID: correlationID, Payload: safe, Timestamp: time.Now(), ID: newMessageID()}
	payload, merr := marshalEnvelope(envelope{Message: resp, SourceInstance: b.instanceID})
	if merr != nil {
		return
	}
	b.transport.Publish(ctx, b.namespace+":response:"+sourceInstance, payload)
}

// readAgentChannel is the inbound loop for one locally-hosted agent's
// dedicated channel: every message here was published by a remote replica
// (local-to-local traffic is short-circuited in routeSingle).
func (b *DistributedBus) readAgentChannel(agentID string, sub Subscription) {
	for raw := range sub.Channel() {
		env, err := unmarshalEnvelope(raw)
		if err != nil {
			b.logger.Warn("bus: dropped malformed envelope", map[string]interface{}{"channel": "agent:" + agentID, "error": err.Error()})
			continue
		}
		b.mu.RLock()
		handlers, ok := b.agents[agentID]
		var h Handler
		if ok {
			h = handlers[env.Message.Type]
		}
		b.mu.RUnlock()
		if !ok {
			continue
		}
		b.invoke(context.Background(), h, env.Message, env.SourceInstance)
	}
}

// readBroadcast delivers an inbound Broadcast to every locally-hosted agent
// except the sender, on every subscribing replica.
func (b *DistributedBus) readBroadcast(ctx context.Context, sub Subscription) {
	for raw := range sub.Channel() {
		env, err := unmarshalEnvelope(raw)
		if err != nil {
			b.logger.Warn("bus: dropped malformed envelope", map[string]interface{}{"channel": "broadcast", "error": err.Error()})
			continue
		}
		msg := env.Message
		b.mu.RLock()
		targets := make([]Handler, 0, len(b.agents))
		for id, h := range b.agents {
			if id == msg.From {
				continue
			}
			if fn, ok := h[TypeBroadcast]; ok {
				targets = append(targets, fn)
			}
		}
		b.mu.RUnlock()
		for _, fn := range targets {
			go fn(ctx, msg)
		}
	}
}

// readResponses resolves this instance's own pendingTable entries as
// Response/Error envelopes arrive on response:{instanceID}.
func (b *DistributedBus) readResponses(sub Subscription) {
	for raw := range sub.Channel() {
		env, err := unmarshalEnvelope(raw)
		if err != nil {
			b.logger.Warn("bus: dropped malformed envelope", map[string]interface{}{"channel": "response:" + b.instanceID, "error": err.Error()})
			continue
		}
		msg := env.Message
		if msg.CorrelationID == "" {
			continue
		}
		switch msg.Type {
		case TypeResponse:
			b.pending.resolve(msg.CorrelationID, requestOutcome{value: msg.Payload})
		case TypeError:
			text, _ := msg.Payload.(string)
			b.pending.resolve(msg.CorrelationID, requestOutcome{err: errors.New(text)})
		}
	}
}

func (b *DistributedBus) GetMetrics() Metrics {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	return Metrics{Sent: b.sent, Delivered: b.delivered, Failed: b.failed, Expired: b.expired, QueueSizes: map[string]int{}}
}

// GetRegisteredAgents returns the cluster-wide registry contents, falling
// back to the local agent set if the registry read fails.
func (b *DistributedBus) GetRegisteredAgents() []string {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	members, err := b.registry.Members(ctx)
	if err == nil {
		return members
	}
	b.logger.Warn("bus: registry read failed, falling back to local agents", map[string]interface{}{"error": err.Error()})
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.agents))
	for id := range b.agents {
		out = append(out, id)
	}
	return out
}

func (b *DistributedBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.shuttingDown = true
	agentIDs := make([]string, 0, len(b.agents))
	for id := range b.agents {
		agentIDs = append(agentIDs, id)
	}
	subs := b.agentSubs
	b.agentSubs = make(map[string]Subscription)
	b.agents = make(map[string]agentHandlers)
	b.mu.Unlock()

	b.pending.shutdown()

	for _, sub := range subs {
		sub.Close()
	}
	b.broadcastSub.Close()
	b.responseSub.Close()
	b.cancel()

	for _, id := range agentIDs {
		b.registry.Remove(ctx, id)
	}
	return nil
}

func (b *DistributedBus) incr(counter *int64) {
	b.metricsMu.Lock()
	*counter++
	b.metricsMu.Unlock()
}
