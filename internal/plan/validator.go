package plan

import (
	"fmt"

	"github.com/flowmesh/orchestrator/internal/orcherrors"
)

// knownCapabilityLabels fills capabilityLabel when a step declares a
// capability but not a label. A static table: capability registration is an
// external collaborator's concern, not something this repo owns.
var knownCapabilityLabels = map[string]string{
	"repo.read":     "Read repository",
	"repo.write":    "Write repository",
	"repo.diff":     "Diff repository",
	"alerts.read":   "Read alerts",
	"alerts.ack":    "Acknowledge alert",
	"metrics.query": "Query metrics",
	"chat.respond":  "Respond in chat",
	"tool.invoke":   "Invoke tool",
}

// Validator performs schema and structural checks on a Definition,
// mutating it in place to fill capabilityLabel and entrySteps when left
// unspecified by the caller.
type Validator struct{}

// NewValidator constructs a Validator. It carries no state today but is a
// type (not a free function) so it can grow shared config later without an
// API break.
func NewValidator() *Validator { return &Validator{} }

// Validate checks d's structural invariants (unique step ids, resolvable
// references, acyclic dependencies) and fills in computed fields.
func (v *Validator) Validate(d *Definition) error {
	if d.ID == "" {
		return orcherrors.New("plan.validate", orcherrors.KindValidation,
			fmt.Errorf("%w: plan id is required", orcherrors.ErrInvalidPlan))
	}
	if len(d.Steps) == 0 {
		return orcherrors.NewWithID("plan.validate", orcherrors.KindValidation, d.ID,
			fmt.Errorf("%w: plan has no steps", orcherrors.ErrInvalidPlan))
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return orcherrors.NewWithID("plan.validate", orcherrors.KindValidation, d.ID,
				fmt.Errorf("%w: step with empty id", orcherrors.ErrInvalidPlan))
		}
		if _, dup := seen[s.ID]; dup {
			return orcherrors.NewWithID("plan.validate", orcherrors.KindValidation, d.ID,
				fmt.Errorf("%w: duplicate step id %q", orcherrors.ErrInvalidPlan, s.ID))
		}
		seen[s.ID] = struct{}{}
	}

	for i := range d.Steps {
		s := &d.Steps[i]
		for _, dep := range s.Dependencies {
			if _, ok := seen[dep]; !ok {
				return orcherrors.NewWithID("plan.validate", orcherrors.KindValidation, d.ID,
					fmt.Errorf("%w: step %q depends on unknown step %q", orcherrors.ErrInvalidPlan, s.ID, dep))
			}
		}
		for _, t := range s.Transitions {
			if _, ok := seen[t]; !ok {
				return orcherrors.NewWithID("plan.validate", orcherrors.KindValidation, d.ID,
					fmt.Errorf("%w: step %q transitions to unknown step %q", orcherrors.ErrInvalidPlan, s.ID, t))
			}
		}
		if s.Capability != "" && s.CapabilityLabel == "" {
			if label, ok := knownCapabilityLabels[s.Capability]; ok {
				s.CapabilityLabel = label
			}
		}
	}

	if err := v.detectCycle(d, seen); err != nil {
		return err
	}

	if len(d.EntrySteps) == 0 {
		for _, s := range d.Steps {
			if len(s.Dependencies) == 0 {
				d.EntrySteps = append(d.EntrySteps, s.ID)
			}
		}
	}
	if len(d.EntrySteps) == 0 {
		return orcherrors.NewWithID("plan.validate", orcherrors.KindValidation, d.ID,
			fmt.Errorf("%w: no entry steps and none could be inferred", orcherrors.ErrInvalidPlan))
	}
	for _, e := range d.EntrySteps {
		if _, ok := seen[e]; !ok {
			return orcherrors.NewWithID("plan.validate", orcherrors.KindValidation, d.ID,
				fmt.Errorf("%w: entry step %q does not exist", orcherrors.ErrInvalidPlan, e))
		}
	}

	return nil
}

// detectCycle runs the same three-color DFS used by internal/graph, over
// the step dependency list rather than a materialized Graph; the plan
// layer validates before a Graph exists.
func (v *Validator) detectCycle(d *Definition, stepIDs map[string]struct{}) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(d.Steps))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		step, _ := d.stepByID(id)
		for _, dep := range step.Dependencies {
			switch color[dep] {
			case gray:
				return orcherrors.NewWithID("plan.validate", orcherrors.KindValidation, d.ID,
					fmt.Errorf("%w: cycle detected at step %q", orcherrors.ErrInvalidPlan, dep))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for id := range stepIDs {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// CollectionValidator enforces plan-id uniqueness across a loaded file.
type CollectionValidator struct {
	step *Validator
}

func NewCollectionValidator() *CollectionValidator {
	return &CollectionValidator{step: NewValidator()}
}

// ValidateAll validates every definition and rejects duplicate plan ids.
func (c *CollectionValidator) ValidateAll(defs []*Definition) error {
	seen := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		if _, dup := seen[d.ID]; dup {
			return orcherrors.NewWithID("plan.validateAll", orcherrors.KindValidation, d.ID,
				fmt.Errorf("%w: duplicate plan id %q in collection", orcherrors.ErrInvalidPlan, d.ID))
		}
		seen[d.ID] = struct{}{}
		if err := c.step.Validate(d); err != nil {
			return err
		}
	}
	return nil
}
