package plan

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/flowmesh/orchestrator/internal/graph"
	"github.com/flowmesh/orchestrator/internal/orcherrors"
)

// yamlFile is the top-level shape of a plan-definition YAML document.
type yamlFile struct {
	SchemaVersion string     `yaml:"schemaVersion"`
	Plans         []yamlPlan `yaml:"plans"`
}

type yamlPlan struct {
	ID              string                 `yaml:"id"`
	Name            string                 `yaml:"name"`
	WorkflowType    string                 `yaml:"workflowType"`
	Steps           []yamlStep             `yaml:"steps"`
	EntrySteps      []string               `yaml:"entrySteps"`
	InputConditions []yamlInputCondition   `yaml:"inputConditions"`
	Variables       map[string]interface{} `yaml:"variables"`
	Enabled         *bool                  `yaml:"enabled"`
	Version         string                 `yaml:"version"`
}

type yamlInputCondition struct {
	Pattern    string   `yaml:"pattern"`
	Keywords   []string `yaml:"keywords"`
	Expression string   `yaml:"expression"`
	Priority   int      `yaml:"priority"`
}

type yamlStep struct {
	ID               string                 `yaml:"id"`
	Action           string                 `yaml:"action"`
	Tool             string                 `yaml:"tool"`
	Capability       string                 `yaml:"capability"`
	CapabilityLabel  string                 `yaml:"capabilityLabel"`
	Labels           []string               `yaml:"labels"`
	TimeoutSeconds   int                    `yaml:"timeoutSeconds"`
	ApprovalRequired bool                   `yaml:"approvalRequired"`
	Dependencies     []string               `yaml:"dependencies"`
	Transitions      []string               `yaml:"transitions"`
	Input            map[string]interface{} `yaml:"input"`
	RetryPolicy      *yamlRetryPolicy       `yaml:"retryPolicy"`
	ContinueOnError  bool                   `yaml:"continueOnError"`
	NodeType         string                 `yaml:"nodeType"`
}

type yamlRetryPolicy struct {
	MaxRetries  int  `yaml:"maxRetries"`
	BackoffMs   int  `yaml:"backoffMs"`
	Exponential bool `yaml:"exponential"`
}

// LoadDefinitionsYAML parses a plan-definition YAML document into
// validated Definitions. Cyclic dependencies, duplicate step ids, and
// unresolved references are reported as load-time failures with a
// human-readable message.
func LoadDefinitionsYAML(data []byte) ([]*Definition, error) {
	var file yamlFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, orcherrors.New("plan.loadYAML", orcherrors.KindValidation,
			fmt.Errorf("%w: %v", orcherrors.ErrInvalidPlan, err))
	}

	defs := make([]*Definition, 0, len(file.Plans))
	for _, yp := range file.Plans {
		d := &Definition{
			ID:           yp.ID,
			Name:         yp.Name,
			WorkflowType: WorkflowType(yp.WorkflowType),
			EntrySteps:   yp.EntrySteps,
			Variables:    yp.Variables,
			Version:      yp.Version,
			Enabled:      yp.Enabled == nil || *yp.Enabled,
		}
		for _, yc := range yp.InputConditions {
			d.InputConditions = append(d.InputConditions, InputCondition{
				Pattern: yc.Pattern, Keywords: yc.Keywords, Expression: yc.Expression, Priority: yc.Priority,
			})
		}
		for _, ys := range yp.Steps {
			step := StepDefinition{
				ID:               ys.ID,
				Action:           ys.Action,
				Tool:             ys.Tool,
				Capability:       ys.Capability,
				CapabilityLabel:  ys.CapabilityLabel,
				Labels:           ys.Labels,
				TimeoutSeconds:   ys.TimeoutSeconds,
				ApprovalRequired: ys.ApprovalRequired,
				Dependencies:     ys.Dependencies,
				Transitions:      ys.Transitions,
				Input:            ys.Input,
				ContinueOnError:  ys.ContinueOnError,
				NodeType:         graph.NodeType(ys.NodeType),
			}
			if step.NodeType == "" {
				step.NodeType = graph.NodeTask
			}
			if ys.RetryPolicy != nil {
				step.RetryPolicy = &RetryPolicy{
					MaxRetries:  ys.RetryPolicy.MaxRetries,
					BackoffMs:   ys.RetryPolicy.BackoffMs,
					Exponential: ys.RetryPolicy.Exponential,
				}
			}
			d.Steps = append(d.Steps, step)
		}
		defs = append(defs, d)
	}

	cv := NewCollectionValidator()
	if err := cv.ValidateAll(defs); err != nil {
		return nil, err
	}
	return defs, nil
}
