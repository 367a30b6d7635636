// Package persistence provides the data storage abstraction for runs,
// steps, findings, receipts and validator configuration.
package persistence

import (
	"context"
	"time"

	"github.com/vigil-hq/vigil/pkg/models"
)

// RunRepository stores validation runs. FinalizeRun is the locked
// read-modify-write used by the callback service and the watchdog: the
// callee re-reads the run under a row lock, the callback decides the
// mutation (or declines by returning false), and only one effective
// transition can occur when two actors race.
type RunRepository interface {
	CreateRun(ctx context.Context, run *models.ValidationRun) error
	RunByID(ctx context.Context, id string) (*models.ValidationRun, error)
	SaveRun(ctx context.Context, run *models.ValidationRun) error
	FinalizeRun(ctx context.Context, id string, mutate func(run *models.ValidationRun) (bool, error)) error
	// RunningRunsOlderThan returns RUNNING runs started before the
	// cutoff, oldest first, capped at limit.
	RunningRunsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.ValidationRun, error)
}

// StepRunRepository stores per-step execution records.
type StepRunRepository interface {
	StepRuns(ctx context.Context, runID string) ([]*models.StepRun, error)
	StepRunByStep(ctx context.Context, runID, stepID string) (*models.StepRun, error)
	SaveStepRun(ctx context.Context, step *models.StepRun) error
}

// FindingRepository stores findings and run summaries. Findings for a
// step are written in one batch; summaries are rebuilt from persisted
// findings and the rebuild is idempotent.
type FindingRepository interface {
	SaveFindings(ctx context.Context, findings []*models.Finding) error
	FindingsForRun(ctx context.Context, runID string) ([]*models.Finding, error)
	DeleteFindingsForStep(ctx context.Context, stepRunID string) error
	SaveSummary(ctx context.Context, summary *models.RunSummary) error
	SummaryForRun(ctx context.Context, runID string) (*models.RunSummary, error)
}

// ReceiptRepository stores callback idempotency receipts. CreateReceipt
// returns ErrReceiptExists when the callback identifier is already
// claimed.
type ReceiptRepository interface {
	CreateReceipt(ctx context.Context, receipt *models.CallbackReceipt) error
	ReceiptByID(ctx context.Context, callbackID string) (*models.CallbackReceipt, error)
	FinalizeReceipt(ctx context.Context, callbackID string, status models.ReceiptStatus) error
}

// CatalogRepository reads validator configuration: descriptors, step
// lists and rulesets.
type CatalogRepository interface {
	ValidatorByID(ctx context.Context, id string) (*models.ValidatorDescriptor, error)
	SaveValidator(ctx context.Context, validator *models.ValidatorDescriptor) error
	StepsForValidator(ctx context.Context, validatorID string) ([]*models.Step, error)
	SaveStep(ctx context.Context, step *models.Step) error
	RulesetByID(ctx context.Context, id string) (*models.Ruleset, error)
	SaveRuleset(ctx context.Context, ruleset *models.Ruleset) error
}

type Persistence interface {
	RunRepository
	StepRunRepository
	FindingRepository
	ReceiptRepository
	CatalogRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
