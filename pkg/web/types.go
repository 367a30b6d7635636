package web

import (
	"time"

	"github.com/vigil-hq/vigil/pkg/models"
)

// CreateRunRequest enqueues a submission for validation.
type CreateRunRequest struct {
	SubmissionID   string         `json:"submission_id"   validate:"required"`
	ValidatorID    string         `json:"validator_id"    validate:"required"`
	OrganizationID string         `json:"organization_id"`
	Payload        map[string]any `json:"payload"`
	Metadata       map[string]any `json:"metadata"`
}

// RunResponse is the full view of one run.
type RunResponse struct {
	Run      *models.ValidationRun `json:"run"`
	Steps    []*models.StepRun     `json:"steps"`
	Findings []*models.Finding     `json:"findings"`
	Summary  *models.RunSummary    `json:"summary,omitempty"`
}

// CreateRunResponse acknowledges an enqueued run.
type CreateRunResponse struct {
	RunID     string           `json:"run_id"`
	Status    models.RunStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}
