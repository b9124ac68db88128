package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalExpression_Comparisons(t *testing.T) {
	vars := map[string]interface{}{
		"severity": float64(3),
		"env":      "prod",
		"dryRun":   false,
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`severity > 2`, true},
		{`severity >= 3`, true},
		{`severity < 3`, false},
		{`severity == 3`, true},
		{`severity != 3`, false},
		{`env == 'prod'`, true},
		{`env != "staging"`, true},
		{`dryRun`, false},
		{`!dryRun`, true},
		{`true`, true},
		{`false`, false},
	}
	for _, tc := range cases {
		got, err := evalExpression(tc.expr, vars)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvalExpression_BooleanOperatorsAndGrouping(t *testing.T) {
	vars := map[string]interface{}{
		"severity": float64(5),
		"env":      "prod",
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`severity > 2 && env == 'prod'`, true},
		{`severity > 9 || env == 'prod'`, true},
		{`severity > 9 && env == 'prod'`, false},
		{`!(severity > 9) && env == 'prod'`, true},
		{`(severity > 9 || severity < 1) || env == 'prod'`, true},
	}
	for _, tc := range cases {
		got, err := evalExpression(tc.expr, vars)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvalExpression_MissingVariableIsFalsy(t *testing.T) {
	got, err := evalExpression(`!missing`, map[string]interface{}{})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = evalExpression(`missing || true`, map[string]interface{}{})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvalExpression_Errors(t *testing.T) {
	vars := map[string]interface{}{"env": "prod"}

	_, err := evalExpression(`env <`, vars)
	assert.Error(t, err)

	_, err = evalExpression(`(env == 'prod'`, vars)
	assert.Error(t, err)

	// Ordering comparisons require numbers on both sides.
	_, err = evalExpression(`env > 'prod'`, vars)
	assert.Error(t, err)

	// A non-boolean result is rejected rather than coerced.
	_, err = evalExpression(`env`, vars)
	assert.Error(t, err)
}
