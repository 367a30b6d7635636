package models

import (
	"errors"
	"time"
)

// Ruleset is a named, versioned bundle of assertions owned by an
// organization and attached to a workflow step.
type Ruleset struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"            validate:"required,min=3"`
	Version        int          `json:"version"`
	OrganizationID string       `json:"organization_id"`
	Author         string       `json:"author"`
	Assertions     []*Assertion `json:"assertions"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// AssertionKind distinguishes the two assertion families.
type AssertionKind string

const (
	AssertionKindBasic      AssertionKind = "basic"
	AssertionKindExpression AssertionKind = "expression"
)

// ErrAmbiguousTarget is returned when an assertion names both a catalog
// entry and a free-form path, or neither.
var ErrAmbiguousTarget = errors.New("assertion must target exactly one of catalog entry or path")

// Assertion is one pass/fail rule. Exactly one of CatalogEntryID and
// TargetPath is set.
type Assertion struct {
	ID             string        `json:"id"`
	RulesetID      string        `json:"ruleset_id"`
	Kind           AssertionKind `json:"kind"`
	CatalogEntryID string        `json:"catalog_entry_id,omitempty"`
	TargetPath     string        `json:"target_path,omitempty"`

	// Basic family.
	Operator Operator       `json:"operator,omitempty"`
	Expected any            `json:"expected,omitempty"`
	Options  map[string]any `json:"options,omitempty"`

	// Expression family.
	Expression string `json:"expression,omitempty"`
	Guard      string `json:"guard,omitempty"`

	Severity        Severity `json:"severity"`
	DisplayOrder    int      `json:"display_order"`
	MessageTemplate string   `json:"message_template,omitempty"`
	SuccessMessage  string   `json:"success_message,omitempty"`
}

// ValidateTarget enforces the catalog-XOR-path invariant.
func (a *Assertion) ValidateTarget() error {
	if a.Kind == AssertionKindExpression {
		// Expression assertions reference signals inside the expression itself.
		return nil
	}

	if (a.CatalogEntryID == "") == (a.TargetPath == "") {
		return ErrAmbiguousTarget
	}

	return nil
}
