package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-hq/vigil/pkg/models"
)

func newSimpleRequest(payload map[string]any, ruleset *models.Ruleset) *Request {
	return &Request{
		Run:       &models.ValidationRun{ID: "run-1", Payload: payload},
		Step:      &models.Step{ID: "step-1", Engine: models.EngineSimple},
		StepRunID: "sr-1",
		Validator: testValidator(),
		Ruleset:   ruleset,
	}
}

func TestSimpleEngineNilPayload(t *testing.T) {
	engine := NewSimpleEngine(newTestAssertions(), testLogger())

	result, err := engine.Execute(context.Background(), newSimpleRequest(nil, nil))

	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, models.FailureValidation, result.Category)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, models.SeverityError, result.Findings[0].Severity)
	assert.Contains(t, result.Findings[0].Message, "empty or unreadable")
}

func TestSimpleEngineMissingRunContext(t *testing.T) {
	engine := NewSimpleEngine(newTestAssertions(), testLogger())

	result, err := engine.Execute(context.Background(), &Request{
		Step: &models.Step{ID: "step-1", Engine: models.EngineSimple},
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, models.FailureSystem, result.Category)
}

func TestSimpleEngineSchemaViolations(t *testing.T) {
	engine := NewSimpleEngine(newTestAssertions(), testLogger())

	validator := testValidator()
	validator.SchemaJSON = `{
		"type": "object",
		"properties": {"amount": {"type": "number"}},
		"required": ["amount"]
	}`

	req := newSimpleRequest(map[string]any{"amount": "not a number"}, nil)
	req.Validator = validator

	result, err := engine.Execute(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, models.FailureValidation, result.Category)
	require.NotEmpty(t, result.Findings)

	for _, finding := range result.Findings {
		assert.Equal(t, models.SeverityError, finding.Severity)
		assert.Equal(t, "run-1", finding.RunID)
		assert.Equal(t, "sr-1", finding.StepRunID)
	}
}

func TestSimpleEngineAssertionsPass(t *testing.T) {
	engine := NewSimpleEngine(newTestAssertions(), testLogger())

	ruleset := &models.Ruleset{
		ID: "rs-1",
		Assertions: []*models.Assertion{{
			ID:             "a-1",
			Kind:           models.AssertionKindBasic,
			CatalogEntryID: "ce-amount",
			Operator:       models.OpGreaterThan,
			Expected:       100.0,
			Severity:       models.SeverityError,
			SuccessMessage: "amount looks good",
		}},
	}

	result, err := engine.Execute(context.Background(), newSimpleRequest(map[string]any{"amount": 120.0}, ruleset))

	require.NoError(t, err)
	assert.Equal(t, OutcomePassed, result.Outcome)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, models.SeveritySuccess, result.Findings[0].Severity)
	assert.Equal(t, "amount looks good", result.Findings[0].Message)
}

func TestSimpleEngineWarningDoesNotFail(t *testing.T) {
	engine := NewSimpleEngine(newTestAssertions(), testLogger())

	ruleset := &models.Ruleset{
		ID: "rs-1",
		Assertions: []*models.Assertion{{
			ID:             "a-1",
			Kind:           models.AssertionKindBasic,
			CatalogEntryID: "ce-amount",
			Operator:       models.OpGreaterThan,
			Expected:       1000.0,
			Severity:       models.SeverityWarning,
		}},
	}

	result, err := engine.Execute(context.Background(), newSimpleRequest(map[string]any{"amount": 120.0}, ruleset))

	require.NoError(t, err)
	assert.Equal(t, OutcomePassed, result.Outcome)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, models.SeverityWarning, result.Findings[0].Severity)
}

func TestSimpleEngineErrorFindingFailsStep(t *testing.T) {
	engine := NewSimpleEngine(newTestAssertions(), testLogger())

	ruleset := &models.Ruleset{
		ID: "rs-1",
		Assertions: []*models.Assertion{{
			ID:             "a-1",
			Kind:           models.AssertionKindBasic,
			CatalogEntryID: "ce-amount",
			Operator:       models.OpGreaterThan,
			Expected:       1000.0,
			Severity:       models.SeverityError,
		}},
	}

	result, err := engine.Execute(context.Background(), newSimpleRequest(map[string]any{"amount": 120.0}, ruleset))

	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, models.FailureValidation, result.Category)
	assert.Equal(t, "validation checks failed", result.Detail)
}

func TestSimpleEngineEvalErrorScopedToAssertion(t *testing.T) {
	engine := NewSimpleEngine(newTestAssertions(), testLogger())

	ruleset := &models.Ruleset{
		ID: "rs-1",
		Assertions: []*models.Assertion{
			{
				ID:           "a-broken",
				Kind:         models.AssertionKindExpression,
				Expression:   "amount >", // malformed on purpose
				Severity:     models.SeverityWarning,
				DisplayOrder: 0,
			},
			{
				ID:             "a-ok",
				Kind:           models.AssertionKindBasic,
				CatalogEntryID: "ce-amount",
				Operator:       models.OpGreaterThan,
				Expected:       100.0,
				Severity:       models.SeverityError,
				SuccessMessage: "still evaluated",
				DisplayOrder:   1,
			},
		},
	}

	result, err := engine.Execute(context.Background(), newSimpleRequest(map[string]any{"amount": 120.0}, ruleset))

	require.NoError(t, err)
	// The broken sibling surfaces as an ERROR finding but does not
	// prevent the second assertion from running.
	require.Len(t, result.Findings, 2)
	assert.Equal(t, models.SeverityError, result.Findings[0].Severity)
	assert.Equal(t, models.SeveritySuccess, result.Findings[1].Severity)
	assert.Equal(t, OutcomeFailed, result.Outcome)
}
