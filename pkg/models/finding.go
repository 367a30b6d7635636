package models

import (
	"sort"
	"time"
)

// Severity classifies a finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
)

// displayRank orders severities for listing: errors first, then
// warnings, then informational results.
func (s Severity) displayRank() int {
	switch s {
	case SeverityError:
		return 0
	case SeverityWarning:
		return 1
	case SeverityInfo, SeveritySuccess:
		return 2
	}

	return 3
}

// Finding is one persisted issue produced during validation.
type Finding struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	StepRunID   string    `json:"step_run_id,omitempty"`
	AssertionID string    `json:"assertion_id,omitempty"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	Path        string    `json:"path,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SortFindingsForDisplay orders findings by severity (errors first),
// then newest-first within a severity.
func SortFindingsForDisplay(findings []*Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		ri, rj := findings[i].Severity.displayRank(), findings[j].Severity.displayRank()
		if ri != rj {
			return ri < rj
		}

		return findings[i].CreatedAt.After(findings[j].CreatedAt)
	})
}
