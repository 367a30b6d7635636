package assertion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vigil-hq/vigil/pkg/expression"
	"github.com/vigil-hq/vigil/pkg/models"
)

func newTestEvaluator() *Evaluator {
	return NewEvaluator(expression.NewEvaluator(), time.Second)
}

func TestEvaluateBasicAssertion(t *testing.T) {
	evaluator := newTestEvaluator()
	validator := &models.ValidatorDescriptor{
		Entries: []*models.CatalogEntry{
			{ID: "ce-1", Slug: "amount", Stage: models.StageInput},
		},
	}
	context := map[string]any{"amount": 120.0, "payload": map[string]any{"amount": 120.0}}

	outcome := evaluator.Evaluate(&models.Assertion{
		Kind:           models.AssertionKindBasic,
		CatalogEntryID: "ce-1",
		Operator:       models.OpGreaterThan,
		Expected:       100.0,
		Severity:       models.SeverityError,
	}, context, validator)

	assert.True(t, outcome.Passed)
	assert.False(t, outcome.Skipped)
	assert.NotEmpty(t, outcome.Message)
}

func TestEvaluateBasicFreeFormPath(t *testing.T) {
	evaluator := newTestEvaluator()
	context := map[string]any{
		"payload": map[string]any{
			"items": []any{map[string]any{"qty": 2.0}},
		},
	}

	outcome := evaluator.Evaluate(&models.Assertion{
		Kind:       models.AssertionKindBasic,
		TargetPath: "items[0].qty",
		Operator:   models.OpEqual,
		Expected:   2.0,
	}, context, &models.ValidatorDescriptor{AllowFreeTargets: true})

	assert.True(t, outcome.Passed)
}

func TestEvaluateBasicTargetInvariant(t *testing.T) {
	evaluator := newTestEvaluator()

	outcome := evaluator.Evaluate(&models.Assertion{
		Kind:           models.AssertionKindBasic,
		CatalogEntryID: "ce-1",
		TargetPath:     "also.set",
		Operator:       models.OpEqual,
	}, map[string]any{}, nil)

	assert.False(t, outcome.Passed)
	assert.True(t, outcome.EvalError)
	assert.Contains(t, outcome.Message, "exactly one")
}

func TestEvaluateOutputAliasTarget(t *testing.T) {
	evaluator := newTestEvaluator()
	validator := &models.ValidatorDescriptor{
		Entries: []*models.CatalogEntry{
			{ID: "ce-in", Slug: "amount", Stage: models.StageInput},
			{ID: "ce-out", Slug: "amount", Stage: models.StageOutput},
		},
	}
	context := map[string]any{
		"amount": 100.0,
		"output": map[string]any{"amount": 99.5},
	}

	outcome := evaluator.Evaluate(&models.Assertion{
		Kind:           models.AssertionKindBasic,
		CatalogEntryID: "ce-out",
		Operator:       models.OpLessThan,
		Expected:       100.0,
	}, context, validator)

	assert.True(t, outcome.Passed, outcome.Message)
}

func TestEvaluateExpressionAssertion(t *testing.T) {
	evaluator := newTestEvaluator()
	context := map[string]any{"amount": 120.0}

	outcome := evaluator.Evaluate(&models.Assertion{
		Kind:       models.AssertionKindExpression,
		Expression: "amount > 100",
	}, context, nil)

	assert.True(t, outcome.Passed)

	outcome = evaluator.Evaluate(&models.Assertion{
		Kind:       models.AssertionKindExpression,
		Expression: "amount > 200",
	}, context, nil)

	assert.False(t, outcome.Passed)
	assert.False(t, outcome.EvalError)
}

func TestGuardSemantics(t *testing.T) {
	evaluator := newTestEvaluator()
	context := map[string]any{"amount": 120.0, "currency": "USD"}

	// Guard false: assertion is skipped entirely.
	outcome := evaluator.Evaluate(&models.Assertion{
		Kind:       models.AssertionKindExpression,
		Guard:      `currency == "EUR"`,
		Expression: "amount > 200",
	}, context, nil)

	assert.True(t, outcome.Skipped)
	assert.False(t, outcome.Passed)

	// Broken guard: reported as the assertion's own error.
	outcome = evaluator.Evaluate(&models.Assertion{
		Kind:       models.AssertionKindExpression,
		Guard:      "missing_signal > 1",
		Expression: "amount > 0",
	}, context, nil)

	assert.False(t, outcome.Skipped)
	assert.True(t, outcome.EvalError)
	assert.Contains(t, outcome.Message, "missing_signal")
}

func TestUndeclaredIdentifierMessageNamesSignal(t *testing.T) {
	evaluator := newTestEvaluator()

	outcome := evaluator.Evaluate(&models.Assertion{
		Kind:       models.AssertionKindExpression,
		Expression: "iban_checksum > 0",
	}, map[string]any{"amount": 1.0}, nil)

	assert.True(t, outcome.EvalError)
	assert.Contains(t, outcome.Message, `"iban_checksum"`)
	assert.Contains(t, outcome.Message, "catalog signal")
}

func TestCustomMessageTemplate(t *testing.T) {
	evaluator := newTestEvaluator()
	validator := &models.ValidatorDescriptor{
		Entries: []*models.CatalogEntry{{ID: "ce-1", Slug: "amount", Stage: models.StageInput}},
	}
	context := map[string]any{"amount": 120.456}

	outcome := evaluator.Evaluate(&models.Assertion{
		Kind:            models.AssertionKindBasic,
		CatalogEntryID:  "ce-1",
		Operator:        models.OpGreaterThan,
		Expected:        200.0,
		MessageTemplate: "amount {{.actual | round 2}} must exceed {{.expected}}",
	}, context, validator)

	assert.False(t, outcome.Passed)
	assert.Equal(t, "amount 120.46 must exceed 200", outcome.Message)
}

func TestBrokenTemplateFallsBackToGenerated(t *testing.T) {
	evaluator := newTestEvaluator()
	validator := &models.ValidatorDescriptor{
		Entries: []*models.CatalogEntry{{ID: "ce-1", Slug: "amount", Stage: models.StageInput}},
	}

	outcome := evaluator.Evaluate(&models.Assertion{
		Kind:            models.AssertionKindBasic,
		CatalogEntryID:  "ce-1",
		Operator:        models.OpEqual,
		Expected:        1.0,
		MessageTemplate: "{{.actual | nosuchfilter}}",
	}, map[string]any{"amount": 1.0}, validator)

	assert.True(t, outcome.Passed)
	assert.NotEmpty(t, outcome.Message)
	assert.NotContains(t, outcome.Message, "nosuchfilter")
}

// spyEvaluator counts delegated evaluations so tests can prove the
// structural guards reject input before the engine is ever invoked.
type spyEvaluator struct {
	inner *expression.Evaluator
	calls int
}

func (s *spyEvaluator) Evaluate(expr string, context map[string]any, timeout time.Duration) expression.Result {
	s.calls++

	return s.inner.Evaluate(expr, context, timeout)
}

func TestOversizedExpressionNeverReachesEngine(t *testing.T) {
	spy := &spyEvaluator{inner: expression.NewEvaluator()}
	evaluator := NewEvaluator(spy, time.Second)

	oversized := make([]byte, expression.MaxExpressionLength+1)
	for i := range oversized {
		oversized[i] = '1'
	}

	outcome := evaluator.Evaluate(&models.Assertion{
		Kind:       models.AssertionKindExpression,
		Expression: string(oversized),
	}, map[string]any{}, nil)

	require.True(t, outcome.EvalError)
	assert.Contains(t, outcome.Message, "maximum length")
	assert.Equal(t, 0, spy.calls, "structural rejection must happen before the engine is invoked")
}
