package engine

import (
	"context"
	"log/slog"

	"github.com/xeipuuv/gojsonschema"

	"github.com/vigil-hq/vigil/pkg/assertion"
	"github.com/vigil-hq/vigil/pkg/catalog"
	"github.com/vigil-hq/vigil/pkg/models"
)

// SimpleEngine validates a submission fully in-process: format gate,
// schema check, signal extraction, assertion evaluation.
type SimpleEngine struct {
	assertions *assertion.Evaluator
	logger     *slog.Logger
}

func NewSimpleEngine(assertions *assertion.Evaluator, logger *slog.Logger) *SimpleEngine {
	return &SimpleEngine{assertions: assertions, logger: logger}
}

func (e *SimpleEngine) Execute(ctx context.Context, req *Request) (*Result, error) {
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

	run := req.Run

	if run.Payload == nil {
		return &Result{
			Outcome:  OutcomeFailed,
			Category: models.FailureValidation,
			Detail:   "submission payload is empty or unreadable",
			Findings: []*models.Finding{{
				RunID:     run.ID,
				StepRunID: req.StepRunID,
				Severity:  models.SeverityError,
				Message:   "submission payload is empty or unreadable",
			}},
		}, nil
	}

	var findings []*models.Finding

	if req.Validator.SchemaJSON != "" {
		schemaFindings, err := e.checkSchema(run, req)
		if err != nil {
			e.logger.ErrorContext(ctx, "schema validation failed", "run_id", run.ID, "error", err)

			return &Result{
				Outcome:  OutcomeFailed,
				Category: models.FailureSystem,
				Detail:   "schema validation could not run",
				Findings: []*models.Finding{{
					RunID:     run.ID,
					StepRunID: req.StepRunID,
					Severity:  models.SeverityError,
					Message:   "schema validation could not run: " + err.Error(),
				}},
			}, nil
		}

		findings = append(findings, schemaFindings...)
	}

	context := catalog.BuildContext(run.Payload, req.Validator)

	if req.Ruleset != nil {
		findings = append(findings, evaluateAssertions(
			req.Ruleset.Assertions, context, req.Validator,
			run.ID, req.StepRunID, e.assertions,
		)...)
	}

	result := &Result{Outcome: OutcomePassed, Findings: findings}

	if hasErrors(findings) {
		result.Outcome = OutcomeFailed
		result.Category = models.FailureValidation
		result.Detail = "validation checks failed"
	}

	return result, nil
}

// checkSchema validates the parsed payload against the validator's
// declared JSON schema and turns each violation into an ERROR finding.
func (e *SimpleEngine) checkSchema(run *models.ValidationRun, req *Request) ([]*models.Finding, error) {
	schemaLoader := gojsonschema.NewStringLoader(req.Validator.SchemaJSON)
	documentLoader := gojsonschema.NewGoLoader(run.Payload)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, err
	}

	if result.Valid() {
		return nil, nil
	}

	findings := make([]*models.Finding, 0, len(result.Errors()))

	for _, violation := range result.Errors() {
		findings = append(findings, &models.Finding{
			RunID:     run.ID,
			StepRunID: req.StepRunID,
			Severity:  models.SeverityError,
			Message:   violation.Description(),
			Path:      violation.Field(),
		})
	}

	return findings, nil
}

func runID(req *Request) string {
	if req.Run != nil {
		return req.Run.ID
	}

	return ""
}
