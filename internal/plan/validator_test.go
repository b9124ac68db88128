package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/orchestrator/internal/graph"
)

func TestValidator_InfersEntryStepsAndCapabilityLabel(t *testing.T) {
	d := &Definition{
		ID: "p1",
		Steps: []StepDefinition{
			{ID: "a", NodeType: graph.NodeTask, Capability: "repo.read"},
			{ID: "b", NodeType: graph.NodeTask, Dependencies: []string{"a"}},
		},
	}
	require.NoError(t, NewValidator().Validate(d))
	assert.Equal(t, []string{"a"}, d.EntrySteps)
	assert.Equal(t, "Read repository", d.Steps[0].CapabilityLabel)
}

func TestValidator_RejectsDuplicateStepID(t *testing.T) {
	d := &Definition{ID: "p1", Steps: []StepDefinition{{ID: "a"}, {ID: "a"}}}
	assert.Error(t, NewValidator().Validate(d))
}

func TestValidator_RejectsUnknownDependency(t *testing.T) {
	d := &Definition{ID: "p1", Steps: []StepDefinition{{ID: "a", Dependencies: []string{"ghost"}}}}
	assert.Error(t, NewValidator().Validate(d))
}

func TestValidator_RejectsCycle(t *testing.T) {
	d := &Definition{ID: "p1", Steps: []StepDefinition{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	}}
	assert.Error(t, NewValidator().Validate(d))
}

func TestCollectionValidator_RejectsDuplicatePlanID(t *testing.T) {
	cv := NewCollectionValidator()
	d1 := &Definition{ID: "p1", Steps: []StepDefinition{{ID: "a"}}}
	d2 := &Definition{ID: "p1", Steps: []StepDefinition{{ID: "a"}}}
	assert.Error(t, cv.ValidateAll([]*Definition{d1, d2}))
}
