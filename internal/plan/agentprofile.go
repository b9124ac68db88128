package plan

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flowmesh/orchestrator/internal/orcherrors"
)

// AgentProfile is the parsed result of an agent profile file: YAML
// front-matter plus a markdown body.
type AgentProfile struct {
	Name             string
	Role             string
	Capabilities     []string
	ApprovalPolicy   map[string]string
	ModelProvider    string
	ModelRouting     string
	ModelTemperature float64
	Constraints      []string
	Body             string
}

// rawAgentProfile mirrors the YAML front-matter's literal shape before
// scalar-to-list and scalar-to-number coercion is applied.
type rawAgentProfile struct {
	Name           string            `yaml:"name"`
	Role           string            `yaml:"role"`
	Capabilities   yaml.Node         `yaml:"capabilities"`
	ApprovalPolicy map[string]string `yaml:"approval_policy"`
	Model          struct {
		Provider    string    `yaml:"provider"`
		Routing     string    `yaml:"routing"`
		Temperature yaml.Node `yaml:"temperature"`
	} `yaml:"model"`
	Constraints yaml.Node `yaml:"constraints"`
}

// ParseAgentProfile parses a `---`-delimited YAML front-matter plus
// markdown body. Scalar-to-list coercion (capabilities, constraints) and
// scalar-to-number coercion (model.temperature) are always applied.
func ParseAgentProfile(data []byte) (*AgentProfile, error) {
	text := string(data)
	const delim = "---"
	if !strings.HasPrefix(strings.TrimLeft(text, "\r\n"), delim) {
		return nil, orcherrors.New("plan.parseAgentProfile", orcherrors.KindValidation,
			fmt.Errorf("agent profile must start with %q front-matter delimiter", delim))
	}
	trimmed := strings.TrimLeft(text, "\r\n")
	rest := trimmed[len(delim):]
	end := strings.Index(rest, "\n"+delim)
	if end < 0 {
		return nil, orcherrors.New("plan.parseAgentProfile", orcherrors.KindValidation,
			fmt.Errorf("agent profile front-matter is not terminated by %q", delim))
	}
	frontMatter := rest[:end]
	body := strings.TrimLeft(rest[end+1+len(delim):], "\r\n")

	var raw rawAgentProfile
	if err := yaml.Unmarshal([]byte(frontMatter), &raw); err != nil {
		return nil, orcherrors.New("plan.parseAgentProfile", orcherrors.KindValidation,
			fmt.Errorf("%w: %v", orcherrors.ErrInvalidPlan, err))
	}

	temp, err := coerceNumber(raw.Model.Temperature)
	if err != nil {
		return nil, orcherrors.New("plan.parseAgentProfile", orcherrors.KindValidation,
			fmt.Errorf("model.temperature: %w", err))
	}

	return &AgentProfile{
		Name:             raw.Name,
		Role:             raw.Role,
		Capabilities:     coerceList(raw.Capabilities),
		ApprovalPolicy:   raw.ApprovalPolicy,
		ModelProvider:    raw.Model.Provider,
		ModelRouting:     raw.Model.Routing,
		ModelTemperature: temp,
		Constraints:      coerceList(raw.Constraints),
		Body:             body,
	}, nil
}

// coerceList normalizes a YAML node that may be a bare scalar or a
// sequence into a []string.
func coerceList(n yaml.Node) []string {
	switch n.Kind {
	case yaml.SequenceNode:
		out := make([]string, 0, len(n.Content))
		for _, item := range n.Content {
			out = append(out, item.Value)
		}
		return out
	case yaml.ScalarNode:
		if n.Value == "" {
			return nil
		}
		return []string{n.Value}
	default:
		return nil
	}
}

// coerceNumber normalizes a YAML node holding a number or a numeric
// string into a float64. A zero-value node (field absent) yields 0, nil.
func coerceNumber(n yaml.Node) (float64, error) {
	if n.Kind == 0 {
		return 0, nil
	}
	if n.Value == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("expected a number or numeric string, got %q", n.Value)
	}
	return f, nil
}
