package graph

// EventType names one of the observable graph lifecycle events.
type EventType string

const (
	EventExecutionStarted   EventType = "execution:started"
	EventExecutionCompleted EventType = "execution:completed"
	EventNodeStarted        EventType = "node:started"
	EventNodeCompleted      EventType = "node:completed"
	EventNodeFailed         EventType = "node:failed"
	EventNodeRetry          EventType = "node:retry"
	EventNodeBlocked        EventType = "node:blocked"
)

// Event is one observable occurrence during a graph run. Ordered per-node;
// unordered across nodes.
type Event struct {
	Type    EventType
	GraphID string
	NodeID  string
	Attempt int
	Err     error
	Output  interface{}
}

// EventListener observes graph events. Implementations must not block:
// Graph hands events off on a bounded per-listener queue so a slow listener
// never stalls the dispatch path.
type EventListener func(Event)

const listenerQueueSize = 256

// eventBus fans a Graph's events out to registered listeners without ever
// blocking the caller (the node dispatch loop).
type eventBus struct {
	queues []chan Event
	logger interface {
		Warn(msg string, fields map[string]interface{})
	}
}

func newEventBus(listeners []EventListener, logger interface {
	Warn(msg string, fields map[string]interface{})
}) *eventBus {
	eb := &eventBus{logger: logger}
	for _, l := range listeners {
		q := make(chan Event, listenerQueueSize)
		eb.queues = append(eb.queues, q)
		go func(l EventListener, q chan Event) {
			for ev := range q {
				l(ev)
			}
		}(l, q)
	}
	return eb
}

// emit posts ev to every listener's queue, dropping (and logging) if a
// listener's queue is full rather than blocking the dispatch path.
func (eb *eventBus) emit(ev Event) {
	for _, q := range eb.queues {
		select {
		case q <- ev:
		default:
			if eb.logger != nil {
				eb.logger.Warn("graph event listener queue full, dropping event", map[string]interface{}{
					"event_type": string(ev.Type),
					"node_id":    ev.NodeID,
				})
			}
		}
	}
}

// close closes every listener queue so the per-listener goroutines exit
// once they finish draining already-enqueued events. Graphs are one-shot
// (the factory materializes a fresh graph per plan run), so Execute closes
// its own eventBus on return; emit must not be called after close.
func (eb *eventBus) close() {
	for _, q := range eb.queues {
		close(q)
	}
}
