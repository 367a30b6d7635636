// Package assertion executes ruleset assertions against resolved signal
// values and renders their messages.
package assertion

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/vigil-hq/vigil/pkg/expression"
	"github.com/vigil-hq/vigil/pkg/models"
)

// ExpressionEvaluator is the capability the assertion evaluator needs
// from the expression engine. Satisfied by *expression.Evaluator.
type ExpressionEvaluator interface {
	Evaluate(expr string, context map[string]any, timeout time.Duration) expression.Result
}

// Outcome is the result of evaluating one assertion. Evaluation errors
// never raise past this boundary; they surface as a failed outcome with
// the error carried in Message.
type Outcome struct {
	Passed  bool
	Skipped bool
	Message string
	// EvalError marks outcomes produced by an evaluation problem rather
	// than a regular pass/fail decision.
	EvalError bool
}

// Evaluator executes basic and expression assertions.
type Evaluator struct {
	expressions ExpressionEvaluator
	timeout     time.Duration
}

func NewEvaluator(expressions ExpressionEvaluator, timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = expression.DefaultTimeout
	}

	return &Evaluator{expressions: expressions, timeout: timeout}
}

// Evaluate runs one assertion against the built context. For basic
// assertions the target value is resolved from the context (catalog
// slug) or the payload (free-form path) before the operator runs.
func (e *Evaluator) Evaluate(a *models.Assertion, context map[string]any, validator *models.ValidatorDescriptor) Outcome {
	switch a.Kind {
	case models.AssertionKindExpression:
		return e.evaluateExpression(a, context)
	case models.AssertionKindBasic:
		return e.evaluateBasic(a, context, validator)
	}

	return Outcome{Message: fmt.Sprintf("unknown assertion kind %q", a.Kind), EvalError: true}
}

func (e *Evaluator) evaluateBasic(a *models.Assertion, context map[string]any, validator *models.ValidatorDescriptor) Outcome {
	if err := a.ValidateTarget(); err != nil {
		return Outcome{Message: err.Error(), EvalError: true}
	}

	actual, label, found := resolveTarget(a, context, validator)
	if !found {
		return Outcome{Message: fmt.Sprintf("target %s not found in submission", label), EvalError: true}
	}

	result := EvalOperator(a.Operator, actual, a.Expected, a.Options)

	message := e.renderMessage(a, result, map[string]any{
		"actual":   actual,
		"expected": a.Expected,
		"signal":   label,
		"passed":   result.Passed,
	})

	return Outcome{Passed: result.Passed, Message: message}
}

func (e *Evaluator) evaluateExpression(a *models.Assertion, context map[string]any) Outcome {
	// Structural limits are checked here so oversized input never
	// reaches the expression engine at all.
	if len(a.Expression) > expression.MaxExpressionLength || len(a.Guard) > expression.MaxExpressionLength {
		return Outcome{
			Message:   fmt.Sprintf("expression exceeds maximum length of %d characters", expression.MaxExpressionLength),
			EvalError: true,
		}
	}

	if len(context) > expression.MaxContextSymbols {
		return Outcome{
			Message:   fmt.Sprintf("context exceeds maximum of %d symbols", expression.MaxContextSymbols),
			EvalError: true,
		}
	}

	if a.Guard != "" {
		guardResult := e.expressions.Evaluate(a.Guard, context, e.timeout)
		if !guardResult.Success {
			// A broken guard is the assertion's own failure.
			return Outcome{Message: rewriteUndeclared(guardResult.Error), EvalError: true}
		}

		if !expression.Truthy(guardResult.Value) {
			return Outcome{Skipped: true}
		}
	}

	result := e.expressions.Evaluate(a.Expression, context, e.timeout)
	if !result.Success {
		return Outcome{Message: rewriteUndeclared(result.Error), EvalError: true}
	}

	passed := expression.Truthy(result.Value)

	message := e.renderMessage(a, OperatorResult{
		Passed:  passed,
		Message: defaultExpressionMessage(a.Expression, passed),
	}, mergeData(context, map[string]any{
		"result": result.Value,
		"passed": passed,
	}))

	return Outcome{Passed: passed, Message: message}
}

// renderMessage applies the custom template when configured, falling
// back to the generated operator message.
func (e *Evaluator) renderMessage(a *models.Assertion, result OperatorResult, data map[string]any) string {
	if a.MessageTemplate == "" {
		return result.Message
	}

	message, err := RenderMessage(a.MessageTemplate, data, result.Message)
	if err != nil {
		return result.Message
	}

	return message
}

func resolveTarget(a *models.Assertion, context map[string]any, validator *models.ValidatorDescriptor) (any, string, bool) {
	if a.CatalogEntryID != "" {
		slug := catalogSlug(a.CatalogEntryID, validator)

		if bare, isAlias := strings.CutPrefix(slug, "output."); isAlias {
			outputs, ok := context["output"].(map[string]any)
			if !ok {
				return nil, slug, false
			}

			value, found := outputs[bare]

			return value, slug, found
		}

		value, found := context[slug]

		return value, slug, found
	}

	payload := context["payload"]

	value, found := models.ResolvePath(payload, a.TargetPath)

	return value, a.TargetPath, found
}

// catalogSlug maps an assertion's catalog reference to the symbol name
// the context builder bound it under.
func catalogSlug(entryID string, validator *models.ValidatorDescriptor) string {
	if validator == nil {
		return entryID
	}

	for _, entry := range validator.Entries {
		if entry.ID != entryID && entry.Slug != entryID {
			continue
		}

		if entry.Stage == models.StageOutput {
			// OUTPUT entries are always reachable via the explicit alias.
			return "output." + entry.Slug
		}

		return entry.Slug
	}

	return entryID
}

func defaultExpressionMessage(expr string, passed bool) string {
	if passed {
		return fmt.Sprintf("expression %q holds", expr)
	}

	return fmt.Sprintf("expression %q does not hold", expr)
}

var undeclaredPatterns = []*regexp.Regexp{
	regexp.MustCompile(`undeclared identifier "([^"]+)"`),
	regexp.MustCompile(`unknown name (\S+)`),
	regexp.MustCompile(`cannot fetch (\S+) from`),
}

// rewriteUndeclared turns an undeclared-identifier evaluation error into
// guidance toward the missing catalog signal.
func rewriteUndeclared(evalError string) string {
	for _, pattern := range undeclaredPatterns {
		if match := pattern.FindStringSubmatch(evalError); match != nil {
			return fmt.Sprintf(
				"identifier %q is not declared for this validator; declare it as a catalog signal or correct the expression",
				match[1],
			)
		}
	}

	return evalError
}

func mergeData(context, extra map[string]any) map[string]any {
	data := make(map[string]any, len(context)+len(extra))

	for k, v := range context {
		data[k] = v
	}

	for k, v := range extra {
		data[k] = v
	}

	return data
}
