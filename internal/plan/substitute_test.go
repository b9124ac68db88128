package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubstitute_ReplacesKnownVariables(t *testing.T) {
	vars := map[string]interface{}{"goal": "Q", "__proto__": "x"}
	input := map[string]interface{}{
		"goal": "${goal}",
		"safe": "${__proto__}",
	}
	out := Substitute(input, vars).(map[string]interface{})
	assert.Equal(t, "Q", out["goal"])
	assert.Equal(t, "${__proto__}", out["safe"], "reserved names are never resolved")
}

func TestSubstitute_LeavesUnknownNamesLiteral(t *testing.T) {
	out := Substitute("${missing}", map[string]interface{}{}).(string)
	assert.Equal(t, "${missing}", out)
}

func TestSubstitute_NeverResolvesReservedNamesEvenIfPresent(t *testing.T) {
	vars := map[string]interface{}{"constructor": "pwned", "prototype": "pwned"}
	out := Substitute("${constructor} ${prototype}", vars).(string)
	assert.Equal(t, "${constructor} ${prototype}", out)
}

func TestSubstitute_RecursesIntoNestedStructures(t *testing.T) {
	vars := map[string]interface{}{"name": "alice"}
	input := map[string]interface{}{
		"list": []interface{}{"${name}", map[string]interface{}{"nested": "${name}"}},
	}
	out := Substitute(input, vars).(map[string]interface{})
	list := out["list"].([]interface{})
	assert.Equal(t, "alice", list[0])
	assert.Equal(t, "alice", list[1].(map[string]interface{})["nested"])
}

func TestSubstitute_NonStringLeavesPassThrough(t *testing.T) {
	input := map[string]interface{}{"count": 5, "enabled": true}
	out := Substitute(input, nil).(map[string]interface{})
	assert.Equal(t, 5, out["count"])
	assert.Equal(t, true, out["enabled"])
}
