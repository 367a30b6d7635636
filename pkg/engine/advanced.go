package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vigil-hq/vigil/pkg/assertion"
	"github.com/vigil-hq/vigil/pkg/backend"
	"github.com/vigil-hq/vigil/pkg/models"
)

// AdvancedEngine delegates the heavy validation work to an execution
// backend. Synchronous backends are interpreted in the same call;
// asynchronous dispatch returns a pending result and the callback
// service finishes the step later.
type AdvancedEngine struct {
	backends   backend.Registry
	assertions *assertion.Evaluator
	logger     *slog.Logger
}

func NewAdvancedEngine(backends backend.Registry, assertions *assertion.Evaluator, logger *slog.Logger) *AdvancedEngine {
	return &AdvancedEngine{backends: backends, assertions: assertions, logger: logger}
}

func (e *AdvancedEngine) Execute(ctx context.Context, req *Request) (*Result, error) {
	if req.Run == nil || req.Validator == nil {
		return &Result{
			Outcome:  OutcomeFailed,
			Category: models.FailureSystem,
			Detail:   "missing run context",
			Findings: []*models.Finding{{
				RunID:     runID(req),
				StepRunID: req.StepRunID,
				Severity:  models.SeverityError,
				Message:   "validation could not start: missing run context",
			}},
		}, nil
	}

	kind := req.Step.Backend
	if kind == "" {
		kind = models.BackendLocal
	}

	be, err := e.backends.Lookup(ctx, kind)
	if err != nil {
		var unavailable *backend.ErrBackendUnavailable
		if errors.As(err, &unavailable) {
			// No retry here: retry policy belongs to the watchdog.
			return &Result{
				Outcome:  OutcomeFailed,
				Category: models.FailureSystem,
				Detail:   err.Error(),
				Findings: []*models.Finding{{
					RunID:     req.Run.ID,
					StepRunID: req.StepRunID,
					Severity:  models.SeverityError,
					Message:   err.Error(),
				}},
			}, nil
		}

		return nil, err
	}

	input := &models.Envelope{Payload: req.Run.Payload}

	response, err := be.Execute(ctx, input)
	if err != nil {
		e.logger.ErrorContext(ctx, "backend dispatch failed", "run_id", req.Run.ID, "backend", kind, "error", err)

		return &Result{
			Outcome:  OutcomeFailed,
			Category: models.FailureSystem,
			Detail:   "backend dispatch failed: " + err.Error(),
			Findings: []*models.Finding{{
				RunID:     req.Run.ID,
				StepRunID: req.StepRunID,
				Severity:  models.SeverityError,
				Message:   "backend dispatch failed: " + err.Error(),
			}},
		}, nil
	}

	if !response.IsComplete {
		return &Result{
			Outcome:     OutcomePending,
			ExecutionID: response.ExecutionID,
			BackendKind: kind,
		}, nil
	}

	if response.ErrorMessage != "" {
		return &Result{
			Outcome:     OutcomeFailed,
			Category:    models.FailureRuntime,
			Detail:      response.ErrorMessage,
			ExecutionID: response.ExecutionID,
			BackendKind: kind,
			Findings: []*models.Finding{{
				RunID:     req.Run.ID,
				StepRunID: req.StepRunID,
				Severity:  models.SeverityError,
				Message:   "execution failed: " + response.ErrorMessage,
			}},
		}, nil
	}

	interpretation := Interpret(response.Output, req.Run.ID, req.StepRunID, req.Validator, req.Ruleset, e.assertions)

	result := &Result{
		Outcome:     OutcomePassed,
		Findings:    interpretation.Findings,
		Detail:      interpretation.Detail,
		Category:    interpretation.Category,
		ExecutionID: response.ExecutionID,
		BackendKind: kind,
	}

	if interpretation.Cancelled || !interpretation.Passed {
		result.Outcome = OutcomeFailed
	}

	return result, nil
}
