// Package catalog resolves declared validator signals from a submission
// payload into the symbol map expressions evaluate against.
package catalog

import (
	"github.com/vigil-hq/vigil/pkg/models"
)

// PayloadKey is the reserved symbol the raw payload is always bound to.
const PayloadKey = "payload"

// OutputKey is the symbol holding the OUTPUT-stage signal map. When an
// INPUT and an OUTPUT entry share a bare name, the bare name resolves to
// the INPUT entry and the OUTPUT entry stays reachable as output.<name>.
const OutputKey = "output"

// BuildContext resolves every declared catalog entry of the validator
// against the payload. Required entries that fail to resolve are bound
// to nil rather than omitted, so expressions can test for absence.
func BuildContext(payload any, validator *models.ValidatorDescriptor) map[string]any {
	context := map[string]any{
		PayloadKey: payload,
	}

	outputs := make(map[string]any)

	for _, entry := range validator.Entries {
		value, found := resolveEntry(payload, entry)

		switch entry.Stage {
		case models.StageOutput:
			if found || entry.Required {
				outputs[entry.Slug] = value
			}
		case models.StageInput:
			if found || entry.Required {
				context[entry.Slug] = value
			}
		}
	}

	// INPUT entries shadow OUTPUT entries on bare names: only publish an
	// output signal at top level when the name is free.
	for slug, value := range outputs {
		if _, taken := context[slug]; !taken {
			context[slug] = value
		}
	}

	context[OutputKey] = outputs

	if validator.AllowFreeTargets {
		bindFreeTargets(payload, context)
	}

	return context
}

// BuildOutputContext binds OUTPUT-stage entries against the value map an
// external execution produced. Used when interpreting callbacks.
func BuildOutputContext(outputValues map[string]any, validator *models.ValidatorDescriptor) map[string]any {
	context := map[string]any{
		PayloadKey: outputValues,
	}

	outputs := make(map[string]any)

	for _, entry := range validator.EntriesForStage(models.StageOutput) {
		path := entry.BindingHint
		if path == "" {
			path = entry.Slug
		}

		value, found := models.ResolvePath(outputValues, path)
		if found || entry.Required {
			outputs[entry.Slug] = value
			context[entry.Slug] = value
		}
	}

	context[OutputKey] = outputs

	return context
}

func resolveEntry(payload any, entry *models.CatalogEntry) (any, bool) {
	path := entry.BindingHint
	if path == "" {
		path = entry.Slug
	}

	return models.ResolvePath(payload, path)
}

// bindFreeTargets exposes top-level payload fields directly, plus any
// identifier appearing exactly once anywhere in the tree. Declared
// signals always win over convenience bindings.
func bindFreeTargets(payload any, context map[string]any) {
	if root, ok := payload.(map[string]any); ok {
		for key, value := range root {
			if _, taken := context[key]; !taken {
				context[key] = value
			}
		}
	}

	for key, value := range models.CollectUniqueFields(payload) {
		if _, taken := context[key]; !taken {
			context[key] = value
		}
	}
}
