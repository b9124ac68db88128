package sse

import (
	"sync"

	"github.com/flowmesh/orchestrator/internal/corelog"
)

// subscriber is one live SSE connection's delivery channel for a plan.
type subscriber struct {
	ch chan PlanEvent
}

// planState holds one plan's ring buffer, subscriber set, and the last
// event seen per step id (for idempotence checks).
type planState struct {
	ring        []PlanEvent // bounded, oldest first
	lastByStep  map[string]PlanEvent
	subscribers map[*subscriber]struct{}
}

// EventLog is the per-plan bounded ring buffer plus live fan-out. One
// EventLog instance is shared process-wide; plans are created lazily on
// first publish/subscribe.
type EventLog struct {
	logger      corelog.Logger
	historySize int

	mu    sync.Mutex
	plans map[string]*planState
}

// NewEventLog builds an EventLog whose per-plan ring buffer holds at most
// historySize events.
func NewEventLog(historySize int, logger corelog.Logger) *EventLog {
	if logger == nil {
		logger = corelog.NoOpLogger{}
	}
	if cal, ok := logger.(corelog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("orchestrator/sse")
	}
	if historySize <= 0 {
		historySize = 200
	}
	return &EventLog{logger: logger, historySize: historySize, plans: make(map[string]*planState)}
}

func (l *EventLog) planFor(planID string) *planState {
	p, ok := l.plans[planID]
	if !ok {
		p = &planState{lastByStep: make(map[string]PlanEvent), subscribers: make(map[*subscriber]struct{})}
		l.plans[planID] = p
	}
	return p
}

// Publish appends event to its plan's ring buffer and fans it out to every
// current subscriber, unless it is idempotent-equal to the last event
// recorded for that (plan, step), in which case it is a no-op.
func (l *EventLog) Publish(event PlanEvent) {
	l.mu.Lock()
	p := l.planFor(event.PlanID)

	if last, ok := p.lastByStep[event.Step.ID]; ok && sameLogicalEvent(last, event) {
		l.mu.Unlock()
		return
	}
	p.lastByStep[event.Step.ID] = event

	p.ring = append(p.ring, event)
	if len(p.ring) > l.historySize {
		p.ring = p.ring[len(p.ring)-l.historySize:]
	}

	subs := make([]*subscriber, 0, len(p.subscribers))
	for s := range p.subscribers {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- event:
		default:
			l.logger.Warn("sse: subscriber channel full, event dropped from live fan-out", map[string]interface{}{
				"plan_id": event.PlanID, "step_id": event.Step.ID,
			})
		}
	}
}

// GetHistory returns the current retained window for planID, oldest first.
func (l *EventLog) GetHistory(planID string) []PlanEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.plans[planID]
	if !ok {
		return nil
	}
	out := make([]PlanEvent, len(p.ring))
	copy(out, p.ring)
	return out
}

// subscribe registers a new live subscriber for planID and returns it along
// with an unsubscribe func. bufferSize controls how many events may queue
// before the live fan-out starts dropping for this subscriber.
func (l *EventLog) subscribe(planID string, bufferSize int) (*subscriber, func()) {
	l.mu.Lock()
	p := l.planFor(planID)
	s := &subscriber{ch: make(chan PlanEvent, bufferSize)}
	p.subscribers[s] = struct{}{}
	l.mu.Unlock()

	return s, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if p, ok := l.plans[planID]; ok {
			delete(p.subscribers, s)
		}
	}
}

// subscribeWithHistory registers a new live subscriber for planID and
// snapshots its retained history under the same lock acquisition, so a
// subscriber never sees duplicates beyond what history already contains. Doing
// this as two separate locked calls (subscribe, then GetHistory) would
// leave a window where an event published in between lands in both the
// returned history and the subscriber's live channel.
func (l *EventLog) subscribeWithHistory(planID string, bufferSize int) (*subscriber, []PlanEvent, func()) {
	l.mu.Lock()
	p := l.planFor(planID)
	s := &subscriber{ch: make(chan PlanEvent, bufferSize)}
	p.subscribers[s] = struct{}{}
	history := make([]PlanEvent, len(p.ring))
	copy(history, p.ring)
	l.mu.Unlock()

	return s, history, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if p, ok := l.plans[planID]; ok {
			delete(p.subscribers, s)
		}
	}
}
