package plan

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/flowmesh/orchestrator/internal/corelog"
	"github.com/flowmesh/orchestrator/internal/graph"
	"github.com/flowmesh/orchestrator/internal/orcherrors"
)

// Factory selects, validates, and materializes plans into ExecutionGraphs.
// Goal matching is deterministic (regex/keyword/expression scoring), not
// LLM-driven, a
// deliberate divergence documented in DESIGN.md.
type Factory struct {
	mu        sync.RWMutex
	plans     map[string]*Definition
	handlers  map[graph.NodeType]graph.Handler
	validator *Validator
	logger    corelog.Logger
}

// Option configures a Factory at construction time.
type Option func(*Factory)

// WithLogger attaches a component-aware logger.
func WithLogger(l corelog.Logger) Option {
	return func(f *Factory) {
		if cal, ok := l.(corelog.ComponentAwareLogger); ok {
			f.logger = cal.WithComponent("orchestrator/plan")
		} else {
			f.logger = l
		}
	}
}

// NewFactory constructs an empty Factory.
func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		plans:     make(map[string]*Definition),
		handlers:  make(map[graph.NodeType]graph.Handler),
		validator: NewValidator(),
		logger:    corelog.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// LoadDefinitions validates and registers a batch of plan definitions
// (e.g. the contents of one plan-definition YAML file), rejecting the
// whole batch on any structural error or duplicate plan id.
func (f *Factory) LoadDefinitions(defs []*Definition) error {
	cv := NewCollectionValidator()
	if err := cv.ValidateAll(defs); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range defs {
		f.plans[d.ID] = d
	}
	return nil
}

// RegisterHandler installs a handler applied to every graph Factory builds
// from this point on.
func (f *Factory) RegisterHandler(t graph.NodeType, h graph.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[t] = h
}

// CreatePlan selects a plan (by id, or by goal-matching) and materializes
// an ExecutionGraph from it.
func (f *Factory) CreatePlan(opts CreateOptions) (*CreateResult, error) {
	var def *Definition
	var err error
	if opts.PlanID != "" {
		def, err = f.byID(opts.PlanID)
	} else {
		def, err = f.matchByGoal(opts.Goal, opts.WorkflowType)
	}
	if err != nil {
		return nil, err
	}
	return f.materialize(def, opts)
}

// CreatePlanById bypasses goal matching; goal defaults to the plan's name.
func (f *Factory) CreatePlanById(planID string, opts CreateOptions) (*CreateResult, error) {
	opts.PlanID = planID
	def, err := f.byID(planID)
	if err != nil {
		return nil, err
	}
	if opts.Goal == "" {
		opts.Goal = def.Name
	}
	return f.materialize(def, opts)
}

func (f *Factory) byID(id string) (*Definition, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.plans[id]
	if !ok {
		return nil, orcherrors.NewWithID("plan.byID", orcherrors.KindState, id, orcherrors.ErrPlanNotFound)
	}
	return d, nil
}

// matchByGoal enumerates enabled plans of the given workflow type (or all
// types if empty), scores each plan's inputConditions against the goal,
// and returns the plan whose highest-priority matched condition wins.
func (f *Factory) matchByGoal(goal string, wt WorkflowType) (*Definition, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	type candidate struct {
		def      *Definition
		priority int
	}
	var candidates []candidate

	for _, d := range f.plans {
		if !d.Enabled {
			continue
		}
		if wt != "" && d.WorkflowType != wt {
			continue
		}
		if p, matched := bestMatch(d.InputConditions, goal); matched {
			candidates = append(candidates, candidate{def: d, priority: p})
		}
	}

	if len(candidates) == 0 {
		return nil, orcherrors.New("plan.matchByGoal", orcherrors.KindState, orcherrors.ErrNoMatchingPlan)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].priority > candidates[j].priority })
	return candidates[0].def, nil
}

// bestMatch returns the highest priority among conditions that match goal.
func bestMatch(conditions []InputCondition, goal string) (int, bool) {
	best := 0
	matched := false
	for _, c := range conditions {
		if conditionMatches(c, goal) {
			if !matched || c.Priority > best {
				best = c.Priority
				matched = true
			}
		}
	}
	return best, matched
}

func conditionMatches(c InputCondition, goal string) bool {
	if c.Pattern != "" {
		re, err := regexp.Compile(c.Pattern)
		if err == nil && re.MatchString(goal) {
			return true
		}
	}
	if len(c.Keywords) > 0 {
		tokens := make(map[string]struct{})
		for _, t := range strings.Fields(goal) {
			tokens[strings.ToLower(t)] = struct{}{}
		}
		for _, kw := range c.Keywords {
			if _, ok := tokens[strings.ToLower(kw)]; ok {
				return true
			}
		}
	}
	if c.Expression != "" {
		if ok, err := evalExpression(c.Expression, map[string]interface{}{"goal": goal}); err == nil && ok {
			return true
		}
	}
	return false
}

// materialize builds the merged variables map and the ExecutionGraph for
// def.
func (f *Factory) materialize(def *Definition, opts CreateOptions) (*CreateResult, error) {
	executionID := uuid.NewString()

	variables := make(map[string]interface{}, len(def.Variables)+len(opts.Variables)+6)
	for k, v := range def.Variables {
		variables[k] = v
	}
	for k, v := range opts.Variables {
		variables[k] = v
	}
	variables["goal"] = opts.Goal
	variables["planId"] = def.ID
	variables["executionId"] = executionID
	if opts.TenantID != "" {
		variables["tenantId"] = opts.TenantID
	}
	if opts.UserID != "" {
		variables["userId"] = opts.UserID
	}
	if opts.SessionID != "" {
		variables["sessionId"] = opts.SessionID
	}

	nodes := make([]graph.NodeDefinition, 0, len(def.Steps))
	for _, s := range def.Steps {
		input := Substitute(s.Input, variables)
		inputMap, _ := input.(map[string]interface{})
		nodes = append(nodes, graph.NodeDefinition{
			ID:              s.ID,
			Type:            s.NodeType,
			Dependencies:    s.Dependencies,
			Config:          map[string]interface{}{"input": inputMap, "action": s.Action, "tool": s.Tool, "capability": s.Capability},
			TimeoutMs:       s.TimeoutSeconds * 1000,
			RetryPolicy:     s.RetryPolicy.toGraph(),
			ContinueOnError: s.ContinueOnError,
		})
	}

	graphOpts := []graph.Option{graph.WithConcurrencyLimit(opts.ConcurrencyLimit)}
	if opts.EventListener != nil {
		graphOpts = append(graphOpts, graph.WithEventListener(opts.EventListener))
	}
	g, err := graph.New(graph.Definition{ID: executionID, Nodes: nodes, EntryNodes: def.EntrySteps}, graphOpts...)
	if err != nil {
		return nil, orcherrors.NewWithID("plan.materialize", orcherrors.KindInternal, def.ID,
			fmt.Errorf("%w: %v", orcherrors.ErrPlanMaterialization, err))
	}

	f.mu.RLock()
	for t, h := range f.handlers {
		g.RegisterHandler(t, h)
	}
	f.mu.RUnlock()

	f.logger.Info("plan.created", map[string]interface{}{
		"plan_id":      def.ID,
		"execution_id": executionID,
		"goal":         opts.Goal,
	})

	return &CreateResult{
		ExecutionID: executionID,
		Definition:  *def,
		Goal:        opts.Goal,
		Variables:   variables,
		Graph:       g,
	}, nil
}
