package graph

import (
	"fmt"
	"sync"

	"github.com/flowmesh/orchestrator/internal/corelog"
	"github.com/flowmesh/orchestrator/internal/orcherrors"
)

// node is the graph's internal runtime representation: the static
// definition plus adjacency.
type node struct {
	def        NodeDefinition
	dependents []string // reverse edges, rebuilt after construction
	closure    []string // transitive dependencies, computed after validation
}

// Graph is a constructed, validated DAG ready to execute. Duplicate ids,
// unknown dependencies, and cycles all fail construction; empty entry
// nodes are computed from zero-dependency nodes.
type Graph struct {
	mu       sync.RWMutex
	id       string
	nodes    map[string]*node
	entries  []string
	handlers map[NodeType]Handler
	logger   corelog.Logger

	concurrencyLimit int

	listeners []EventListener
}

// Option configures a Graph at construction time.
type Option func(*Graph)

// WithConcurrencyLimit bounds the number of nodes executing simultaneously.
// Zero (the default) means unbounded.
func WithConcurrencyLimit(n int) Option {
	return func(g *Graph) { g.concurrencyLimit = n }
}

// WithLogger attaches a component-aware logger.
func WithLogger(l corelog.Logger) Option {
	return func(g *Graph) {
		if cal, ok := l.(corelog.ComponentAwareLogger); ok {
			g.logger = cal.WithComponent("orchestrator/graph")
		} else {
			g.logger = l
		}
	}
}

// WithEventListener registers an observer notified of graph/node events.
// Listeners must not block; each listener drains its own bounded queue.
func WithEventListener(l EventListener) Option {
	return func(g *Graph) { g.listeners = append(g.listeners, l) }
}

// New constructs and validates a Graph from a Definition.
func New(def Definition, opts ...Option) (*Graph, error) {
	g := &Graph{
		id:       def.ID,
		nodes:    make(map[string]*node, len(def.Nodes)),
		handlers: make(map[NodeType]Handler),
		logger:   corelog.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(g)
	}

	for _, nd := range def.Nodes {
		if _, exists := g.nodes[nd.ID]; exists {
			return nil, orcherrors.NewWithID("graph.new", orcherrors.KindValidation, nd.ID,
				fmt.Errorf("%w: duplicate node id %q", orcherrors.ErrInvalidGraph, nd.ID))
		}
		g.nodes[nd.ID] = &node{def: nd}
	}

	for id, n := range g.nodes {
		for _, dep := range n.def.Dependencies {
			depNode, ok := g.nodes[dep]
			if !ok {
				return nil, orcherrors.NewWithID("graph.new", orcherrors.KindValidation, id,
					fmt.Errorf("%w: node %q depends on unknown node %q", orcherrors.ErrInvalidGraph, id, dep))
			}
			depNode.dependents = append(depNode.dependents, id)
		}
	}

	if err := g.detectCycle(); err != nil {
		return nil, err
	}
	g.computeClosures()

	entries := def.EntryNodes
	if len(entries) == 0 {
		for id, n := range g.nodes {
			if len(n.def.Dependencies) == 0 {
				entries = append(entries, id)
			}
		}
	}
	if len(entries) == 0 {
		return nil, orcherrors.New("graph.new", orcherrors.KindValidation,
			fmt.Errorf("%w: no entry nodes and none could be inferred", orcherrors.ErrInvalidGraph))
	}
	g.entries = entries

	return g, nil
}

// detectCycle runs DFS with a three-color marking scheme (white/gray/black).
func (g *Graph) detectCycle() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range g.nodes[id].def.Dependencies {
			switch color[dep] {
			case gray:
				return orcherrors.New("graph.new", orcherrors.KindValidation,
					fmt.Errorf("%w: cycle detected at node %q", orcherrors.ErrInvalidGraph, dep))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for id := range g.nodes {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// computeClosures fills in node.closure, the set of ids each node
// transitively depends on, used to scope what a handler may read from the
// run context's outputs. Safe to call only after detectCycle.
func (g *Graph) computeClosures() {
	memo := make(map[string][]string, len(g.nodes))
	var resolve func(id string) []string
	resolve = func(id string) []string {
		if c, ok := memo[id]; ok {
			return c
		}
		seen := make(map[string]struct{})
		for _, dep := range g.nodes[id].def.Dependencies {
			seen[dep] = struct{}{}
			for _, anc := range resolve(dep) {
				seen[anc] = struct{}{}
			}
		}
		out := make([]string, 0, len(seen))
		for id := range seen {
			out = append(out, id)
		}
		memo[id] = out
		return out
	}
	for id, n := range g.nodes {
		n.closure = resolve(id)
	}
}

// RegisterHandler installs a handler applied to every node of the given
// type in subsequent Execute calls.
func (g *Graph) RegisterHandler(t NodeType, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[t] = h
}

// HasHandler reports whether a handler is registered for t.
func (g *Graph) HasHandler(t NodeType) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.handlers[t]
	return ok
}

func (g *Graph) handlerFor(t NodeType) (Handler, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.handlers[t]
	return h, ok
}
