package models

// Stage marks the processing phase a catalog signal belongs to.
type Stage string

const (
	StageInput  Stage = "input"
	StageOutput Stage = "output"
)

// CatalogEntry declares a named signal or derivation scoped to one
// validator. Identity (validator, stage, slug) is unique and immutable.
type CatalogEntry struct {
	ID          string `json:"id"`
	ValidatorID string `json:"validator_id"`
	Stage       Stage  `json:"stage"`
	Slug        string `json:"slug"        validate:"required"`
	Required    bool   `json:"required"`
	// BindingHint locates the value in the payload: dotted fields with
	// optional bracket indices, e.g. "items[0].amount".
	BindingHint string `json:"binding_hint,omitempty"`
	Description string `json:"description,omitempty"`
}

// ValidatorDescriptor describes one validator's catalog and capabilities.
type ValidatorDescriptor struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Entries []*CatalogEntry `json:"entries"`
	// AllowFreeTargets permits assertions against free-form payload
	// paths and exposes payload fields directly as symbols.
	AllowFreeTargets bool `json:"allow_free_targets"`
	// SchemaJSON, when set, is the JSON schema the simple engine checks
	// parsed submissions against.
	SchemaJSON string `json:"schema_json,omitempty"`
	// EmitSuccessFindings requests a SUCCESS finding for every passing
	// assertion, not only ones with a custom success message.
	EmitSuccessFindings bool `json:"emit_success_findings"`
}

// EntriesForStage filters the declared entries by stage.
func (v *ValidatorDescriptor) EntriesForStage(stage Stage) []*CatalogEntry {
	var out []*CatalogEntry

	for _, e := range v.Entries {
		if e.Stage == stage {
			out = append(out, e)
		}
	}

	return out
}
