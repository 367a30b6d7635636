package models

// EngineKind is the closed set of validator engine variants. Dispatch
// over kinds is an exhaustive switch, not a runtime registry.
type EngineKind string

const (
	EngineSimple   EngineKind = "simple"
	EngineAdvanced EngineKind = "advanced"
)

// Valid reports whether the kind is a member of the closed set.
func (k EngineKind) Valid() bool {
	return k == EngineSimple || k == EngineAdvanced
}

// BackendKind selects the execution backend an advanced step dispatches to.
type BackendKind string

const (
	BackendLocal        BackendKind = "local"
	BackendContainerJob BackendKind = "containerjob"
)

// Step is one entry in a validator's fixed ordered step list.
type Step struct {
	ID           string      `json:"id"`
	ValidatorID  string      `json:"validator_id"`
	Name         string      `json:"name"          validate:"required"`
	DisplayOrder int         `json:"display_order"`
	Engine       EngineKind  `json:"engine"        validate:"required"`
	RulesetID    string      `json:"ruleset_id,omitempty"`
	Backend      BackendKind `json:"backend,omitempty"`
}
