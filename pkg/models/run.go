// Package models defines the core domain models for the validation pipeline.
package models

import "time"

// RunStatus represents the lifecycle state of a validation run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
	RunStatusTimedOut  RunStatus = "timed_out"
)

// IsTerminal reports whether the run can no longer transition.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled, RunStatusTimedOut:
		return true
	case RunStatusPending, RunStatusRunning:
		return false
	}

	return false
}

// FailureCategory distinguishes why a run went terminal without success.
type FailureCategory string

const (
	FailureValidation FailureCategory = "validation_failed"
	FailureRuntime    FailureCategory = "runtime_error"
	FailureSystem     FailureCategory = "system_error"
	FailureTimeout    FailureCategory = "timeout"
	FailureCancelled  FailureCategory = "cancelled"
)

// ValidationRun is one execution of a submission through an ordered list of steps.
type ValidationRun struct {
	ID              string          `json:"id"`
	SubmissionID    string          `json:"submission_id"   validate:"required"`
	ValidatorID     string          `json:"validator_id"    validate:"required"`
	OrganizationID  string          `json:"organization_id"`
	Status          RunStatus       `json:"status"`
	FailureCategory FailureCategory `json:"failure_category,omitempty"`
	FailureDetail   string          `json:"failure_detail,omitempty"`
	// ExecutionID links the run to an in-flight external execution, when one exists.
	ExecutionID string         `json:"execution_id,omitempty"`
	BackendKind string         `json:"backend_kind,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Duration returns the elapsed run time when both timestamps are set.
func (r *ValidationRun) Duration() (time.Duration, bool) {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0, false
	}

	return r.EndedAt.Sub(*r.StartedAt), true
}

// StepStatus represents the lifecycle state of one step run.
type StepStatus string

const (
	StepStatusPending  StepStatus = "pending"
	StepStatusRunning  StepStatus = "running"
	StepStatusPassed   StepStatus = "passed"
	StepStatusFailed   StepStatus = "failed"
	StepStatusSkipped  StepStatus = "skipped"
	StepStatusCanceled StepStatus = "canceled"
)

// IsTerminal reports whether the step can no longer transition.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusPassed, StepStatusFailed, StepStatusSkipped, StepStatusCanceled:
		return true
	case StepStatusPending, StepStatusRunning:
		return false
	}

	return false
}

// StepRun is the execution record of one workflow step within one run.
// At most one non-stale StepRun exists per (run, step) pair.
type StepRun struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	StepID     string     `json:"step_id"`
	Status     StepStatus `json:"status"`
	Detail     string     `json:"detail,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RunSummary aggregates persisted findings for a run. Rebuilding it from
// the finding rows is idempotent.
type RunSummary struct {
	RunID        string         `json:"run_id"`
	TotalCount   int            `json:"total_count"`
	ErrorCount   int            `json:"error_count"`
	WarningCount int            `json:"warning_count"`
	InfoCount    int            `json:"info_count"`
	SuccessCount int            `json:"success_count"`
	StepCounts   map[string]int `json:"step_counts,omitempty"`
	RebuiltAt    time.Time      `json:"rebuilt_at"`
}

// Add counts one finding into the summary.
func (s *RunSummary) Add(f *Finding) {
	s.TotalCount++

	switch f.Severity {
	case SeverityError:
		s.ErrorCount++
	case SeverityWarning:
		s.WarningCount++
	case SeverityInfo:
		s.InfoCount++
	case SeveritySuccess:
		s.SuccessCount++
	}

	if f.StepRunID != "" {
		if s.StepCounts == nil {
			s.StepCounts = make(map[string]int)
		}

		s.StepCounts[f.StepRunID]++
	}
}
