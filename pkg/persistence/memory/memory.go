// Package memory provides an in-memory persistence implementation for
// unit tests and local development. Locking semantics mirror the
// postgres implementation: FinalizeRun serializes per-run mutations.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vigil-hq/vigil/pkg/models"
	"github.com/vigil-hq/vigil/pkg/persistence"
)

type Persistence struct {
	mu sync.Mutex

	runs       map[string]*models.ValidationRun
	stepRuns   map[string]*models.StepRun // keyed by step run ID
	findings   map[string]*models.Finding
	summaries  map[string]*models.RunSummary
	receipts   map[string]*models.CallbackReceipt
	validators map[string]*models.ValidatorDescriptor
	steps      map[string][]*models.Step // keyed by validator ID
	rulesets   map[string]*models.Ruleset
}

func NewPersistence() *Persistence {
	return &Persistence{
		runs:       make(map[string]*models.ValidationRun),
		stepRuns:   make(map[string]*models.StepRun),
		findings:   make(map[string]*models.Finding),
		summaries:  make(map[string]*models.RunSummary),
		receipts:   make(map[string]*models.CallbackReceipt),
		validators: make(map[string]*models.ValidatorDescriptor),
		steps:      make(map[string][]*models.Step),
		rulesets:   make(map[string]*models.Ruleset),
	}
}

func (p *Persistence) HealthCheck(ctx context.Context) error { return nil }

func (p *Persistence) Close(ctx context.Context) error { return nil }

func (p *Persistence) CreateRun(ctx context.Context, run *models.ValidationRun) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	run.UpdatedAt = now
	p.runs[run.ID] = cloneRun(run)

	return nil
}

func (p *Persistence) RunByID(ctx context.Context, id string) (*models.ValidationRun, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	run, ok := p.runs[id]
	if !ok {
		return nil, persistence.NewRunError("RunByID", id, persistence.ErrRunNotFound)
	}

	return cloneRun(run), nil
}

func (p *Persistence) SaveRun(ctx context.Context, run *models.ValidationRun) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.runs[run.ID]; !ok {
		return persistence.NewRunError("SaveRun", run.ID, persistence.ErrRunNotFound)
	}

	run.UpdatedAt = time.Now().UTC()
	p.runs[run.ID] = cloneRun(run)

	return nil
}

func (p *Persistence) FinalizeRun(ctx context.Context, id string, mutate func(run *models.ValidationRun) (bool, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	run, ok := p.runs[id]
	if !ok {
		return persistence.NewRunError("FinalizeRun", id, persistence.ErrRunNotFound)
	}

	fresh := cloneRun(run)

	save, err := mutate(fresh)
	if err != nil {
		return err
	}

	if save {
		fresh.UpdatedAt = time.Now().UTC()
		p.runs[id] = fresh
	}

	return nil
}

func (p *Persistence) RunningRunsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.ValidationRun, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stuck []*models.ValidationRun

	for _, run := range p.runs {
		if run.Status != models.RunStatusRunning || run.StartedAt == nil {
			continue
		}

		if run.StartedAt.Before(cutoff) {
			stuck = append(stuck, cloneRun(run))
		}
	}

	sort.Slice(stuck, func(i, j int) bool {
		return stuck[i].StartedAt.Before(*stuck[j].StartedAt)
	})

	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}

	return stuck, nil
}

func (p *Persistence) StepRuns(ctx context.Context, runID string) ([]*models.StepRun, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var steps []*models.StepRun

	for _, step := range p.stepRuns {
		if step.RunID == runID {
			clone := *step
			steps = append(steps, &clone)
		}
	}

	sort.Slice(steps, func(i, j int) bool {
		return steps[i].CreatedAt.Before(steps[j].CreatedAt)
	})

	return steps, nil
}

func (p *Persistence) StepRunByStep(ctx context.Context, runID, stepID string) (*models.StepRun, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, step := range p.stepRuns {
		if step.RunID == runID && step.StepID == stepID {
			clone := *step

			return &clone, nil
		}
	}

	return nil, nil
}

func (p *Persistence) SaveStepRun(ctx context.Context, step *models.StepRun) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()

	if step.ID == "" {
		step.ID = uuid.NewString()
	}

	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}

	step.UpdatedAt = now

	clone := *step
	p.stepRuns[step.ID] = &clone

	return nil
}

func (p *Persistence) SaveFindings(ctx context.Context, findings []*models.Finding) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()

	for _, finding := range findings {
		if finding.ID == "" {
			finding.ID = uuid.NewString()
		}

		if finding.CreatedAt.IsZero() {
			finding.CreatedAt = now
		}

		clone := *finding
		p.findings[finding.ID] = &clone
	}

	return nil
}

func (p *Persistence) FindingsForRun(ctx context.Context, runID string) ([]*models.Finding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var findings []*models.Finding

	for _, finding := range p.findings {
		if finding.RunID == runID {
			clone := *finding
			findings = append(findings, &clone)
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		return findings[i].CreatedAt.Before(findings[j].CreatedAt)
	})

	return findings, nil
}

func (p *Persistence) DeleteFindingsForStep(ctx context.Context, stepRunID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, finding := range p.findings {
		if finding.StepRunID == stepRunID {
			delete(p.findings, id)
		}
	}

	return nil
}

func (p *Persistence) SaveSummary(ctx context.Context, summary *models.RunSummary) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	clone := *summary
	p.summaries[summary.RunID] = &clone

	return nil
}

func (p *Persistence) SummaryForRun(ctx context.Context, runID string) (*models.RunSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	summary, ok := p.summaries[runID]
	if !ok {
		return nil, nil
	}

	clone := *summary

	return &clone, nil
}

func (p *Persistence) CreateReceipt(ctx context.Context, receipt *models.CallbackReceipt) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.receipts[receipt.CallbackID]; ok {
		return persistence.ErrReceiptExists
	}

	if receipt.ReceivedAt.IsZero() {
		receipt.ReceivedAt = time.Now().UTC()
	}

	clone := *receipt
	p.receipts[receipt.CallbackID] = &clone

	return nil
}

func (p *Persistence) ReceiptByID(ctx context.Context, callbackID string) (*models.CallbackReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	receipt, ok := p.receipts[callbackID]
	if !ok {
		return nil, persistence.ErrReceiptNotFound
	}

	clone := *receipt

	return &clone, nil
}

func (p *Persistence) FinalizeReceipt(ctx context.Context, callbackID string, status models.ReceiptStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	receipt, ok := p.receipts[callbackID]
	if !ok {
		return persistence.ErrReceiptNotFound
	}

	now := time.Now().UTC()
	receipt.Status = status
	receipt.CompletedAt = &now

	return nil
}

func (p *Persistence) ValidatorByID(ctx context.Context, id string) (*models.ValidatorDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	validator, ok := p.validators[id]
	if !ok {
		return nil, persistence.ErrValidatorNotFound
	}

	return validator, nil
}

func (p *Persistence) SaveValidator(ctx context.Context, validator *models.ValidatorDescriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.validators[validator.ID] = validator

	return nil
}

func (p *Persistence) StepsForValidator(ctx context.Context, validatorID string) ([]*models.Step, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	steps := make([]*models.Step, len(p.steps[validatorID]))
	copy(steps, p.steps[validatorID])

	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].DisplayOrder < steps[j].DisplayOrder
	})

	return steps, nil
}

func (p *Persistence) SaveStep(ctx context.Context, step *models.Step) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if step.ID == "" {
		step.ID = uuid.NewString()
	}

	p.steps[step.ValidatorID] = append(p.steps[step.ValidatorID], step)

	return nil
}

func (p *Persistence) RulesetByID(ctx context.Context, id string) (*models.Ruleset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ruleset, ok := p.rulesets[id]
	if !ok {
		return nil, persistence.ErrRulesetNotFound
	}

	return ruleset, nil
}

func (p *Persistence) SaveRuleset(ctx context.Context, ruleset *models.Ruleset) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rulesets[ruleset.ID] = ruleset

	return nil
}

func cloneRun(run *models.ValidationRun) *models.ValidationRun {
	clone := *run

	return &clone
}
