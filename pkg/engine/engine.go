// Package engine runs one validator step: the simple variant does
// parse, schema check and assertion evaluation in-process, while the
// advanced variant delegates to an execution backend.
package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/vigil-hq/vigil/pkg/assertion"
	"github.com/vigil-hq/vigil/pkg/models"
)

// Outcome is the result state an engine reports for one step.
type Outcome string

const (
	OutcomePassed Outcome = "passed"
	OutcomeFailed Outcome = "failed"
	// OutcomePending means the work was dispatched to an asynchronous
	// backend; the definitive result arrives through the callback
	// service.
	OutcomePending Outcome = "pending"
)

// Request carries everything an engine needs to run one step.
type Request struct {
	Run       *models.ValidationRun
	Step      *models.Step
	StepRunID string
	Validator *models.ValidatorDescriptor
	Ruleset   *models.Ruleset
}

// Result is what an engine hands back to the orchestrator.
type Result struct {
	Outcome  Outcome
	Findings []*models.Finding
	Detail   string
	Category models.FailureCategory
	// ExecutionID and BackendKind are set on pending results so the run
	// can be reconciled later.
	ExecutionID string
	BackendKind models.BackendKind
}

// Dispatcher routes a step to its engine variant. The kind set is
// closed; dispatch is an exhaustive switch.
type Dispatcher struct {
	simple   *SimpleEngine
	advanced *AdvancedEngine
}

func NewDispatcher(simple *SimpleEngine, advanced *AdvancedEngine) *Dispatcher {
	return &Dispatcher{simple: simple, advanced: advanced}
}

func (d *Dispatcher) Execute(ctx context.Context, req *Request) (*Result, error) {
	switch req.Step.Engine {
	case models.EngineSimple:
		return d.simple.Execute(ctx, req)
	case models.EngineAdvanced:
		return d.advanced.Execute(ctx, req)
	}

	return nil, fmt.Errorf("unknown engine kind %q", req.Step.Engine)
}

// evaluateAssertions runs each assertion against the context and turns
// outcomes into findings. Evaluation errors stay scoped to their
// assertion and never abort the siblings.
func evaluateAssertions(
	assertions []*models.Assertion,
	context map[string]any,
	validator *models.ValidatorDescriptor,
	runID, stepRunID string,
	eval *assertion.Evaluator,
) []*models.Finding {
	ordered := make([]*models.Assertion, len(assertions))
	copy(ordered, assertions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].DisplayOrder < ordered[j].DisplayOrder
	})

	var findings []*models.Finding

	for _, a := range ordered {
		outcome := eval.Evaluate(a, context, validator)

		switch {
		case outcome.Skipped:
			continue

		case outcome.EvalError:
			findings = append(findings, &models.Finding{
				RunID:       runID,
				StepRunID:   stepRunID,
				AssertionID: a.ID,
				Severity:    models.SeverityError,
				Message:     outcome.Message,
				Path:        a.TargetPath,
			})

		case !outcome.Passed:
			findings = append(findings, &models.Finding{
				RunID:       runID,
				StepRunID:   stepRunID,
				AssertionID: a.ID,
				Severity:    a.Severity,
				Message:     outcome.Message,
				Path:        a.TargetPath,
			})

		case a.SuccessMessage != "" || validator.EmitSuccessFindings:
			message := a.SuccessMessage
			if message == "" {
				message = outcome.Message
			}

			findings = append(findings, &models.Finding{
				RunID:       runID,
				StepRunID:   stepRunID,
				AssertionID: a.ID,
				Severity:    models.SeveritySuccess,
				Message:     message,
				Path:        a.TargetPath,
			})
		}
	}

	return findings
}

// hasErrors reports whether any finding carries ERROR severity, which
// is what fails a step.
func hasErrors(findings []*models.Finding) bool {
	for _, f := range findings {
		if f.Severity == models.SeverityError {
			return true
		}
	}

	return false
}
