package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterpolate(t *testing.T) {
	vars := map[string]any{
		"name":  "Ana",
		"score": 42,
		"vip":   true,
	}

	assert.Equal(t, "ola Ana", Interpolate("ola {{name}}", vars))
	assert.Equal(t, "score 42 vip true", Interpolate("score {{score}} vip {{vip}}", vars))
	assert.Equal(t, "ola {{ Ana", Interpolate("ola {{ {{name}}", vars))
}

func TestInterpolateMissingVariableIsEmpty(t *testing.T) {
	out := Interpolate("ola {{name}}, tudo bem?", map[string]any{})
	assert.Equal(t, "ola , tudo bem?", out)
}

func TestEvaluateCondition(t *testing.T) {
	vars := map[string]any{
		"plan":     "pro",
		"score":    80,
		"opted_in": true,
		"msg":      "Quero Comprar agora",
	}

	cases := []struct {
		expr string
		want bool
	}{
		{"plan == 'pro'", true},
		{"plan == 'free'", false},
		{"plan != 'free'", true},
		{"score > 50", true},
		{"score < 50", false},
		{"score >= 80", true},
		{"score <= 79", false},
		{"msg contains 'comprar'", true},
		{"msg contains 'cancelar'", false},
		{"opted_in", true},
		{"missing_var", false},
		{"missing_var == 'x'", false},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			assert.Equal(t, tc.want, EvaluateCondition(tc.expr, vars))
		})
	}
}

func TestCompareStructuredOperators(t *testing.T) {
	assert.True(t, Compare("10", ">", 5))
	assert.False(t, Compare("abc", ">", 5))
	assert.True(t, Compare("Sim, quero", "contains", "quero"))
	assert.True(t, Compare(10, "==", "10"))
	assert.False(t, Compare(nil, "==", "x"))
}

func TestEvaluateValue(t *testing.T) {
	vars := map[string]any{"score": 80, "name": "Ana"}

	assert.Equal(t, true, EvaluateValue("score > 50", vars))
	assert.Equal(t, "Ana - 80", EvaluateValue("{{name}} - {{score}}", vars))
	assert.Equal(t, 80, EvaluateValue("score", vars))
	assert.Equal(t, "literal", EvaluateValue("'literal'", vars))
}
