package deployment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateConditionNilAlwaysTrue(t *testing.T) {
	assert.True(t, evaluateCondition(nil, map[string]any{}))
}

func TestEvaluateConditionExists(t *testing.T) {
	assert.True(t, evaluateCondition(&Condition{Field: "status", Op: OpExists}, map[string]any{"status": "ok"}))
	assert.False(t, evaluateCondition(&Condition{Field: "missing", Op: OpExists}, map[string]any{"status": "ok"}))
}

func TestEvaluateConditionMissingFieldAllOperatorsFalseExceptExists(t *testing.T) {
	output := map[string]any{"status": "ok"}
	ops := []ConditionOp{OpEq, OpNe, OpGt, OpLt, OpGte, OpLte, OpContains}
	for _, op := range ops {
		cond := &Condition{Field: "missing", Op: op, Value: "x"}
		assert.False(t, evaluateCondition(cond, output), "op %s should be false on missing field", op)
	}
}

func TestEvaluateConditionEqNe(t *testing.T) {
	output := map[string]any{"status": "ok"}
	assert.True(t, evaluateCondition(&Condition{Field: "status", Op: OpEq, Value: "ok"}, output))
	assert.False(t, evaluateCondition(&Condition{Field: "status", Op: OpEq, Value: "bad"}, output))
	assert.True(t, evaluateCondition(&Condition{Field: "status", Op: OpNe, Value: "bad"}, output))
}

func TestEvaluateConditionNumericComparisons(t *testing.T) {
	output := map[string]any{"score": 42.0}
	assert.True(t, evaluateCondition(&Condition{Field: "score", Op: OpGt, Value: 10.0}, output))
	assert.False(t, evaluateCondition(&Condition{Field: "score", Op: OpLt, Value: 10.0}, output))
	assert.True(t, evaluateCondition(&Condition{Field: "score", Op: OpGte, Value: 42.0}, output))
	assert.True(t, evaluateCondition(&Condition{Field: "score", Op: OpLte, Value: 42.0}, output))
}

func TestEvaluateConditionContainsStringAndSlice(t *testing.T) {
	assert.True(t, evaluateCondition(&Condition{Field: "msg", Op: OpContains, Value: "wor"},
		map[string]any{"msg": "hello world"}))
	assert.True(t, evaluateCondition(&Condition{Field: "tags", Op: OpContains, Value: "b"},
		map[string]any{"tags": []any{"a", "b", "c"}}))
	assert.False(t, evaluateCondition(&Condition{Field: "tags", Op: OpContains, Value: "z"},
		map[string]any{"tags": []any{"a", "b", "c"}}))
}

func TestEvaluateConditionDottedPath(t *testing.T) {
	output := map[string]any{"nested": map[string]any{"field": "value"}}
	assert.True(t, evaluateCondition(&Condition{Field: "nested.field", Op: OpEq, Value: "value"}, output))
}
