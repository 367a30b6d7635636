package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vigil-hq/vigil/pkg/models"
)

func testValidator() *models.ValidatorDescriptor {
	return &models.ValidatorDescriptor{
		ID: "val-1",
		Entries: []*models.CatalogEntry{
			{Slug: "amount", Stage: models.StageInput, BindingHint: "invoice.amount", Required: true},
			{Slug: "iban", Stage: models.StageInput, BindingHint: "invoice.bank.iban", Required: true},
			{Slug: "score", Stage: models.StageOutput, BindingHint: "quality.score"},
			{Slug: "amount", Stage: models.StageOutput, BindingHint: "computed.amount", Required: true},
		},
	}
}

func TestBuildContextResolvesDeclaredSignals(t *testing.T) {
	payload := map[string]any{
		"invoice": map[string]any{
			"amount": 120.0,
			"bank":   map[string]any{"iban": "DE02"},
		},
		"quality":  map[string]any{"score": 0.9},
		"computed": map[string]any{"amount": 119.5},
	}

	context := BuildContext(payload, testValidator())

	assert.Equal(t, payload, context[PayloadKey])
	// Bare name resolves to the INPUT entry.
	assert.Equal(t, 120.0, context["amount"])
	assert.Equal(t, "DE02", context["iban"])

	outputs, ok := context[OutputKey].(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, 119.5, outputs["amount"])
	assert.Equal(t, 0.9, outputs["score"])

	// OUTPUT entry with a free bare name is also published at top level.
	assert.Equal(t, 0.9, context["score"])
}

func TestBuildContextRequiredMissingBindsNil(t *testing.T) {
	payload := map[string]any{"invoice": map[string]any{"amount": 1.0}}

	context := BuildContext(payload, testValidator())

	value, present := context["iban"]
	assert.True(t, present, "required signal must be bound even when unresolved")
	assert.Nil(t, value)
}

func TestBuildContextOptionalMissingOmitted(t *testing.T) {
	validator := &models.ValidatorDescriptor{
		Entries: []*models.CatalogEntry{
			{Slug: "note", Stage: models.StageInput, BindingHint: "meta.note"},
		},
	}

	context := BuildContext(map[string]any{}, validator)

	_, present := context["note"]
	assert.False(t, present)
}

func TestBuildContextFreeTargets(t *testing.T) {
	validator := &models.ValidatorDescriptor{AllowFreeTargets: true}
	payload := map[string]any{
		"total": 9.0,
		"buyer": map[string]any{"vat_id": "X1"},
		"lines": []any{
			map[string]any{"qty": 1.0},
			map[string]any{"qty": 2.0},
		},
	}

	context := BuildContext(payload, validator)

	// Top-level fields exposed directly.
	assert.Equal(t, 9.0, context["total"])
	// Identifier appearing exactly once anywhere is lifted to top level.
	assert.Equal(t, "X1", context["vat_id"])
	// Repeated identifiers are not.
	assert.NotContains(t, context, "qty")
}

func TestBuildContextNoFreeTargets(t *testing.T) {
	validator := &models.ValidatorDescriptor{}
	payload := map[string]any{"total": 9.0}

	context := BuildContext(payload, validator)

	assert.NotContains(t, context, "total")
	assert.Equal(t, payload, context[PayloadKey])
}

func TestBuildOutputContext(t *testing.T) {
	outputValues := map[string]any{
		"quality": map[string]any{"score": 0.42},
		"computed": map[string]any{
			"amount": 3.0,
		},
	}

	context := BuildOutputContext(outputValues, testValidator())

	assert.Equal(t, 0.42, context["score"])
	assert.Equal(t, 3.0, context["amount"])

	outputs, ok := context[OutputKey].(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, 0.42, outputs["score"])
}
