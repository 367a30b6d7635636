package engine

import (
	"github.com/vigil-hq/vigil/pkg/assertion"
	"github.com/vigil-hq/vigil/pkg/catalog"
	"github.com/vigil-hq/vigil/pkg/models"
)

// Interpretation is the decoded meaning of an output envelope: whether
// the step passed, the findings to persist, and the failure category
// when it did not.
type Interpretation struct {
	Passed    bool
	Cancelled bool
	Findings  []*models.Finding
	Detail    string
	Category  models.FailureCategory
}

// Interpret maps an output envelope to a step outcome. A SUCCESS status
// carrying embedded error messages does not fail the step by itself:
// those messages are downgraded to WARNING findings and the step still
// passes unless an OUTPUT-stage assertion fails.
func Interpret(
	env *models.Envelope,
	runID, stepRunID string,
	validator *models.ValidatorDescriptor,
	ruleset *models.Ruleset,
	eval *assertion.Evaluator,
) *Interpretation {
	if env == nil {
		return &Interpretation{
			Detail:   "execution completed without an output envelope",
			Category: models.FailureRuntime,
			Findings: []*models.Finding{{
				RunID:     runID,
				StepRunID: stepRunID,
				Severity:  models.SeverityError,
				Message:   "execution completed without an output envelope",
			}},
		}
	}

	switch env.Status {
	case models.ExternalStatusSuccess:
		return interpretSuccess(env, runID, stepRunID, validator, ruleset, eval)

	case models.ExternalStatusFailedValidation:
		findings := messageFindings(env, runID, stepRunID, nil)
		if len(findings) == 0 {
			findings = append(findings, &models.Finding{
				RunID:     runID,
				StepRunID: stepRunID,
				Severity:  models.SeverityError,
				Message:   "external validation failed",
			})
		}

		return &Interpretation{
			Findings: findings,
			Detail:   "external validation failed",
			Category: models.FailureValidation,
		}

	case models.ExternalStatusFailedRuntime:
		detail := firstMessage(env, "external execution failed at runtime")

		return &Interpretation{
			Detail:   detail,
			Category: models.FailureRuntime,
			Findings: []*models.Finding{{
				RunID:     runID,
				StepRunID: stepRunID,
				Severity:  models.SeverityError,
				Message:   detail,
			}},
		}

	case models.ExternalStatusCancelled:
		return &Interpretation{
			Cancelled: true,
			Detail:    "external execution was cancelled",
			Category:  models.FailureCancelled,
		}
	}

	detail := "external execution reported unknown status " + string(env.Status)

	return &Interpretation{
		Detail:   detail,
		Category: models.FailureRuntime,
		Findings: []*models.Finding{{
			RunID:     runID,
			StepRunID: stepRunID,
			Severity:  models.SeverityError,
			Message:   detail,
		}},
	}
}

func interpretSuccess(
	env *models.Envelope,
	runID, stepRunID string,
	validator *models.ValidatorDescriptor,
	ruleset *models.Ruleset,
	eval *assertion.Evaluator,
) *Interpretation {
	// Embedded errors inside a SUCCESS envelope warn but do not fail.
	downgrade := func(s models.Severity) models.Severity {
		if s == models.SeverityError {
			return models.SeverityWarning
		}

		return s
	}

	findings := messageFindings(env, runID, stepRunID, downgrade)

	if validator != nil && ruleset != nil {
		outputContext := catalog.BuildOutputContext(env.OutputValues(), validator)

		findings = append(findings, evaluateAssertions(
			outputAssertions(ruleset, validator), outputContext, validator,
			runID, stepRunID, eval,
		)...)
	}

	interpretation := &Interpretation{Passed: true, Findings: findings}

	if hasErrors(findings) {
		interpretation.Passed = false
		interpretation.Detail = "output assertions failed"
		interpretation.Category = models.FailureValidation
	}

	return interpretation
}

// outputAssertions selects the basic assertions bound to OUTPUT-stage
// catalog entries. Input-stage assertions were already evaluated before
// dispatch and must not run again against the output values.
func outputAssertions(ruleset *models.Ruleset, validator *models.ValidatorDescriptor) []*models.Assertion {
	var out []*models.Assertion

	for _, a := range ruleset.Assertions {
		if a.CatalogEntryID == "" {
			continue
		}

		for _, entry := range validator.EntriesForStage(models.StageOutput) {
			if entry.ID == a.CatalogEntryID || entry.Slug == a.CatalogEntryID {
				out = append(out, a)

				break
			}
		}
	}

	return out
}

func messageFindings(env *models.Envelope, runID, stepRunID string, transform func(models.Severity) models.Severity) []*models.Finding {
	var findings []*models.Finding

	for _, msg := range env.Messages {
		severity := msg.Severity
		if transform != nil {
			severity = transform(severity)
		}

		findings = append(findings, &models.Finding{
			RunID:     runID,
			StepRunID: stepRunID,
			Severity:  severity,
			Message:   msg.Text,
			Path:      msg.Location,
		})
	}

	return findings
}

func firstMessage(env *models.Envelope, fallback string) string {
	for _, msg := range env.Messages {
		if msg.Severity == models.SeverityError {
			return msg.Text
		}
	}

	if len(env.Messages) > 0 {
		return env.Messages[0].Text
	}

	return fallback
}
