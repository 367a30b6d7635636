// Package orchestrator drives the run/step state machine: it sequences
// validator engines over the fixed step list, persists findings and
// rebuilds summaries.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vigil-hq/vigil/pkg/engine"
	"github.com/vigil-hq/vigil/pkg/eventbus"
	"github.com/vigil-hq/vigil/pkg/events"
	"github.com/vigil-hq/vigil/pkg/models"
	"github.com/vigil-hq/vigil/pkg/otelhelper"
	"github.com/vigil-hq/vigil/pkg/persistence"
)

// Orchestrator executes validation runs. Steps within one run are
// strictly sequential; concurrency happens across runs, not inside one.
type Orchestrator struct {
	persistence persistence.Persistence
	engines     *engine.Dispatcher
	eventBus    eventbus.EventBus
	tracer      trace.Tracer
	logger      *slog.Logger
	workerID    string
}

func NewOrchestrator(
	p persistence.Persistence,
	engines *engine.Dispatcher,
	eventBus eventbus.EventBus,
	tracer trace.Tracer,
	logger *slog.Logger,
	workerID string,
) *Orchestrator {
	return &Orchestrator{
		persistence: p,
		engines:     engines,
		eventBus:    eventBus,
		tracer:      tracer,
		logger:      logger,
		workerID:    workerID,
	}
}

// ExecuteRun drives a run from its current state forward. Safe to call
// again on a resumed or crashed run: terminal runs are a no-op, a step
// found RUNNING restarts after discarding its partial findings, and
// terminal step runs are skipped with their existing result.
func (o *Orchestrator) ExecuteRun(ctx context.Context, runID string) error {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "run.execute",
		attribute.String(otelhelper.RunIDKey, runID),
		attribute.String(otelhelper.WorkerIDKey, o.workerID),
	)
	defer span.End()

	run, err := o.persistence.RunByID(ctx, runID)
	if err != nil {
		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to load run: %w", err)
	}

	if run.Status.IsTerminal() {
		o.logger.InfoContext(ctx, "run already terminal, nothing to do", "run_id", runID, "status", run.Status)

		return nil
	}

	if run.Status == models.RunStatusPending {
		now := time.Now().UTC()
		run.Status = models.RunStatusRunning
		run.StartedAt = &now

		err = o.persistence.SaveRun(ctx, run)
		if err != nil {
			otelhelper.SetError(span, err)

			return fmt.Errorf("failed to mark run running: %w", err)
		}
	}

	validator, err := o.persistence.ValidatorByID(ctx, run.ValidatorID)
	if err != nil {
		otelhelper.SetError(span, err)

		return o.failRun(ctx, run, models.FailureSystem, "validator configuration could not be loaded")
	}

	steps, err := o.persistence.StepsForValidator(ctx, run.ValidatorID)
	if err != nil {
		otelhelper.SetError(span, err)

		return o.failRun(ctx, run, models.FailureSystem, "validator steps could not be loaded")
	}

	for index, step := range steps {
		// Cancellation is cooperative: observed only at step boundaries.
		cancelled, err := o.runCancelled(ctx, run.ID)
		if err != nil {
			otelhelper.SetError(span, err)

			return err
		}

		if cancelled {
			o.logger.InfoContext(ctx, "run cancelled, skipping remaining steps", "run_id", run.ID)

			return o.skipRemaining(ctx, run.ID, steps[index:])
		}

		proceed, err := o.executeStep(ctx, run, validator, step, steps[index+1:])
		if err != nil {
			otelhelper.SetError(span, err)

			return err
		}

		if !proceed {
			return nil
		}
	}

	return o.succeedRun(ctx, run)
}

// executeStep runs one step. The second return value reports whether
// orchestration should continue to the next step: false on failure,
// suspension (async dispatch) or cancellation.
func (o *Orchestrator) executeStep(
	ctx context.Context,
	run *models.ValidationRun,
	validator *models.ValidatorDescriptor,
	step *models.Step,
	remaining []*models.Step,
) (bool, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "step.execute",
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.StepIDKey, step.ID),
	)
	defer span.End()

	stepRun, err := o.persistence.StepRunByStep(ctx, run.ID, step.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load step run: %w", err)
	}

	if stepRun != nil && stepRun.Status.IsTerminal() {
		// Idempotent creation: the existing result stands unchanged.
		if stepRun.Status == models.StepStatusFailed {
			return false, o.stopAfterFailure(ctx, run, stepRun.Detail, models.FailureValidation, remaining)
		}

		return true, nil
	}

	if stepRun != nil && stepRun.Status == models.StepStatusRunning {
		// Crash recovery: discard partial findings and restart.
		o.logger.WarnContext(ctx, "step found running, restarting", "run_id", run.ID, "step_id", step.ID)

		err = o.persistence.DeleteFindingsForStep(ctx, stepRun.ID)
		if err != nil {
			return false, fmt.Errorf("failed to clear partial findings: %w", err)
		}
	}

	if stepRun == nil {
		stepRun = &models.StepRun{RunID: run.ID, StepID: step.ID}
	}

	now := time.Now().UTC()
	stepRun.Status = models.StepStatusRunning
	stepRun.StartedAt = &now
	stepRun.FinishedAt = nil
	stepRun.Detail = ""

	err = o.persistence.SaveStepRun(ctx, stepRun)
	if err != nil {
		return false, fmt.Errorf("failed to save step run: %w", err)
	}

	ruleset, err := o.loadRuleset(ctx, step)
	if err != nil {
		otelhelper.SetError(span, err)

		return false, o.failStepAndRun(ctx, run, stepRun, "ruleset could not be loaded", models.FailureSystem, remaining)
	}

	result, err := o.engines.Execute(ctx, &engine.Request{
		Run:       run,
		Step:      step,
		StepRunID: stepRun.ID,
		Validator: validator,
		Ruleset:   ruleset,
	})
	if err != nil {
		// Engine errors are exceptional: the user sees a generic failure
		// while the detail goes to the operator log.
		o.logger.ErrorContext(ctx, "engine execution failed", "run_id", run.ID, "step_id", step.ID, "error", err)
		otelhelper.SetError(span, err)

		return false, o.failStepAndRun(ctx, run, stepRun, "internal validation error", models.FailureSystem, remaining)
	}

	if result.Outcome == engine.OutcomePending {
		// Primary suspension point: step stays RUNNING until a callback
		// or the watchdog resolves it.
		run.ExecutionID = result.ExecutionID
		run.BackendKind = string(result.BackendKind)

		err = o.persistence.SaveRun(ctx, run)
		if err != nil {
			return false, fmt.Errorf("failed to record execution metadata: %w", err)
		}

		o.logger.InfoContext(ctx, "step dispatched to async backend",
			"run_id", run.ID, "step_id", step.ID, "execution_id", result.ExecutionID)

		return false, nil
	}

	if len(result.Findings) > 0 {
		err = o.persistence.SaveFindings(ctx, result.Findings)
		if err != nil {
			return false, fmt.Errorf("failed to save findings: %w", err)
		}
	}

	finished := time.Now().UTC()
	stepRun.FinishedAt = &finished
	stepRun.Detail = result.Detail

	if result.Outcome == engine.OutcomePassed {
		stepRun.Status = models.StepStatusPassed
	} else {
		stepRun.Status = models.StepStatusFailed
	}

	err = o.persistence.SaveStepRun(ctx, stepRun)
	if err != nil {
		return false, fmt.Errorf("failed to finalize step run: %w", err)
	}

	err = RebuildSummary(ctx, o.persistence, run.ID)
	if err != nil {
		return false, err
	}

	if result.Outcome == engine.OutcomeFailed {
		category := result.Category
		if category == "" {
			category = models.FailureValidation
		}

		return false, o.stopAfterFailure(ctx, run, result.Detail, category, remaining)
	}

	return true, nil
}

func (o *Orchestrator) loadRuleset(ctx context.Context, step *models.Step) (*models.Ruleset, error) {
	if step.RulesetID == "" {
		return nil, nil
	}

	return o.persistence.RulesetByID(ctx, step.RulesetID)
}

func (o *Orchestrator) runCancelled(ctx context.Context, runID string) (bool, error) {
	fresh, err := o.persistence.RunByID(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("failed to re-read run: %w", err)
	}

	return fresh.Status == models.RunStatusCanceled, nil
}

// skipRemaining marks the not-yet-terminal steps of a terminal run
// SKIPPED so none is left dangling in PENDING.
func (o *Orchestrator) skipRemaining(ctx context.Context, runID string, steps []*models.Step) error {
	now := time.Now().UTC()

	for _, step := range steps {
		stepRun, err := o.persistence.StepRunByStep(ctx, runID, step.ID)
		if err != nil {
			return fmt.Errorf("failed to load step run: %w", err)
		}

		if stepRun != nil && stepRun.Status.IsTerminal() {
			continue
		}

		if stepRun == nil {
			stepRun = &models.StepRun{RunID: runID, StepID: step.ID}
		}

		stepRun.Status = models.StepStatusSkipped
		stepRun.FinishedAt = &now

		err = o.persistence.SaveStepRun(ctx, stepRun)
		if err != nil {
			return fmt.Errorf("failed to skip step run: %w", err)
		}
	}

	return nil
}

func (o *Orchestrator) failStepAndRun(
	ctx context.Context,
	run *models.ValidationRun,
	stepRun *models.StepRun,
	detail string,
	category models.FailureCategory,
	remaining []*models.Step,
) error {
	now := time.Now().UTC()
	stepRun.Status = models.StepStatusFailed
	stepRun.FinishedAt = &now
	stepRun.Detail = detail

	err := o.persistence.SaveStepRun(ctx, stepRun)
	if err != nil {
		return fmt.Errorf("failed to fail step run: %w", err)
	}

	return o.stopAfterFailure(ctx, run, detail, category, remaining)
}

// stopAfterFailure applies the stop-on-first-failure policy: remaining
// steps are skipped and the run goes FAILED.
func (o *Orchestrator) stopAfterFailure(
	ctx context.Context,
	run *models.ValidationRun,
	detail string,
	category models.FailureCategory,
	remaining []*models.Step,
) error {
	err := o.skipRemaining(ctx, run.ID, remaining)
	if err != nil {
		return err
	}

	return o.failRun(ctx, run, category, detail)
}

func (o *Orchestrator) failRun(ctx context.Context, run *models.ValidationRun, category models.FailureCategory, detail string) error {
	err := o.persistence.FinalizeRun(ctx, run.ID, func(fresh *models.ValidationRun) (bool, error) {
		if fresh.Status.IsTerminal() {
			return false, nil
		}

		now := time.Now().UTC()
		fresh.Status = models.RunStatusFailed
		fresh.FailureCategory = category
		fresh.FailureDetail = detail
		fresh.EndedAt = &now

		return true, nil
	})
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}

	o.publishFailed(ctx, run.ID, category, detail)

	return nil
}

func (o *Orchestrator) succeedRun(ctx context.Context, run *models.ValidationRun) error {
	var duration time.Duration

	err := o.persistence.FinalizeRun(ctx, run.ID, func(fresh *models.ValidationRun) (bool, error) {
		if fresh.Status.IsTerminal() {
			return false, nil
		}

		now := time.Now().UTC()
		fresh.Status = models.RunStatusSucceeded
		fresh.EndedAt = &now

		if fresh.StartedAt != nil {
			duration = now.Sub(*fresh.StartedAt)
		}

		return true, nil
	})
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}

	o.publishFinished(ctx, run.ID, models.RunStatusSucceeded, duration)
	o.logger.InfoContext(ctx, "run succeeded", "run_id", run.ID)

	return nil
}

func (o *Orchestrator) publishFinished(ctx context.Context, runID string, status models.RunStatus, duration time.Duration) {
	if o.eventBus == nil {
		return
	}

	event := events.RunFinished{
		BaseEvent: events.BaseEvent{
			ID:        o.eventBus.GenerateID(),
			Type:      events.RunFinishedEvent,
			Timestamp: time.Now().UTC(),
			RunID:     runID,
			WorkerID:  o.workerID,
		},
		Status:   status,
		Duration: duration,
	}

	err := o.eventBus.Publish(ctx, runID, event)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to publish run finished event", "run_id", runID, "error", err)
	}
}

func (o *Orchestrator) publishFailed(ctx context.Context, runID string, category models.FailureCategory, detail string) {
	if o.eventBus == nil {
		return
	}

	event := events.RunFailed{
		BaseEvent: events.BaseEvent{
			ID:        o.eventBus.GenerateID(),
			Type:      events.RunFailedEvent,
			Timestamp: time.Now().UTC(),
			RunID:     runID,
			WorkerID:  o.workerID,
		},
		Category: category,
		Error:    detail,
	}

	err := o.eventBus.Publish(ctx, runID, event)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to publish run failed event", "run_id", runID, "error", err)
	}
}

// CancelRun requests cooperative cancellation. The status flips here;
// the orchestrator notices at the next step boundary.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) error {
	return o.persistence.FinalizeRun(ctx, runID, func(fresh *models.ValidationRun) (bool, error) {
		if fresh.Status.IsTerminal() {
			return false, nil
		}

		now := time.Now().UTC()
		fresh.Status = models.RunStatusCanceled
		fresh.FailureCategory = models.FailureCancelled
		fresh.EndedAt = &now

		return true, nil
	})
}

// RebuildSummary recomputes the run summary from the persisted
// findings. Rebuilding is idempotent: it always reflects exactly what
// is stored, however many times it runs.
func RebuildSummary(ctx context.Context, store persistence.FindingRepository, runID string) error {
	findings, err := store.FindingsForRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load findings for summary: %w", err)
	}

	summary := &models.RunSummary{RunID: runID, RebuiltAt: time.Now().UTC()}

	for _, finding := range findings {
		summary.Add(finding)
	}

	err = store.SaveSummary(ctx, summary)
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}

	return nil
}
