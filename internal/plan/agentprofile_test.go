package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAgentProfile_CoercesScalarsToListsAndNumbers(t *testing.T) {
	doc := []byte(`---
name: triage-bot
role: incident triage
capabilities: alerts.read
approval_policy:
  alerts.ack: require_lead
model:
  provider: openai
  routing: balanced
  temperature: "0.7"
constraints: be concise
---
# Triage Bot

Handles incoming alerts.
`)
	p, err := ParseAgentProfile(doc)
	require.NoError(t, err)
	assert.Equal(t, "triage-bot", p.Name)
	assert.Equal(t, []string{"alerts.read"}, p.Capabilities, "scalar capabilities coerced to a list")
	assert.Equal(t, []string{"be concise"}, p.Constraints)
	assert.InDelta(t, 0.7, p.ModelTemperature, 0.0001, "numeric string temperature coerced to a number")
	assert.Contains(t, p.Body, "Handles incoming alerts.")
}

func TestParseAgentProfile_AcceptsListCapabilitiesAndNumericTemperature(t *testing.T) {
	doc := []byte(`---
name: coder-bot
capabilities:
  - repo.read
  - repo.write
model:
  provider: anthropic
  temperature: 0.2
---
body text
`)
	p, err := ParseAgentProfile(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"repo.read", "repo.write"}, p.Capabilities)
	assert.InDelta(t, 0.2, p.ModelTemperature, 0.0001)
}

func TestParseAgentProfile_RejectsMissingFrontMatter(t *testing.T) {
	_, err := ParseAgentProfile([]byte("no front matter here"))
	assert.Error(t, err)
}
