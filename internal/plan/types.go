// Package plan implements plan selection, validation, variable
// substitution, and ExecutionGraph materialization. Goal→plan matching is
// deterministic (regex/keyword/expression) rather than LLM-driven.
package plan

import "github.com/flowmesh/orchestrator/internal/graph"

// WorkflowType is one of the plan categories a goal can be routed into.
type WorkflowType string

const (
	WorkflowAlerts     WorkflowType = "alerts"
	WorkflowAnalytics  WorkflowType = "analytics"
	WorkflowAutomation WorkflowType = "automation"
	WorkflowCoding     WorkflowType = "coding"
	WorkflowChat       WorkflowType = "chat"
)

// InputCondition is one entry in a plan's inputConditions list: the first
// matched condition (by descending Priority) selects the plan for a goal.
type InputCondition struct {
	Pattern    string // regular expression tested against the goal text
	Keywords   []string
	Expression string // restricted boolean expression over variables
	Priority   int
}

// RetryPolicy mirrors graph.RetryPolicy; kept as a distinct type at the
// plan layer so plan YAML decoding doesn't reach into internal/graph, and
// converted 1:1 at materialization time.
type RetryPolicy struct {
	MaxRetries  int
	BackoffMs   int
	Exponential bool
}

func (r *RetryPolicy) toGraph() *graph.RetryPolicy {
	if r == nil {
		return nil
	}
	return &graph.RetryPolicy{MaxRetries: r.MaxRetries, BackoffMs: r.BackoffMs, Exponential: r.Exponential}
}

// StepDefinition is one planned action within a Definition.
type StepDefinition struct {
	ID               string
	Action           string
	Tool             string
	Capability       string
	CapabilityLabel  string
	Labels           []string
	TimeoutSeconds   int
	ApprovalRequired bool
	Dependencies     []string
	Transitions      []string
	Input            map[string]interface{}
	RetryPolicy      *RetryPolicy
	ContinueOnError  bool
	NodeType         graph.NodeType
}

// Definition is a named, versioned workflow template.
type Definition struct {
	ID              string
	Name            string
	WorkflowType    WorkflowType
	Steps           []StepDefinition
	EntrySteps      []string // computed by the Validator if left empty
	InputConditions []InputCondition
	Variables       map[string]interface{}
	Enabled         bool
	Version         string
}

// stepByID is a small lookup helper used by the validator and factory.
func (d *Definition) stepByID(id string) (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// CreateOptions parameterizes Factory.CreatePlan.
type CreateOptions struct {
	Goal             string
	PlanID           string
	WorkflowType     WorkflowType
	Variables        map[string]interface{}
	Subject          string
	ConcurrencyLimit int
	TenantID         string
	UserID           string
	SessionID        string

	// EventListener, if set, observes the materialized graph's lifecycle
	// events for the lifetime of this one execution, the hook
	// cmd/orchestratord uses to fan plan step transitions out to
	// internal/sse's EventLog.
	EventListener graph.EventListener
}

// CreateResult is what CreatePlan/CreatePlanById return.
type CreateResult struct {
	ExecutionID string
	Definition  Definition
	Goal        string
	Variables   map[string]interface{}
	Graph       *graph.Graph
}
