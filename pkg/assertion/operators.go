package assertion

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/vigil-hq/vigil/pkg/models"
)

// OperatorResult is the outcome of one basic operator evaluation.
// Evaluation is deterministic and pure given identical inputs.
type OperatorResult struct {
	Passed  bool
	Message string
}

func pass(format string, args ...any) OperatorResult {
	return OperatorResult{Passed: true, Message: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) OperatorResult {
	return OperatorResult{Passed: false, Message: fmt.Sprintf(format, args...)}
}

// EvalOperator runs one entry of the basic operator table. Type
// mismatches are failures, not errors; numeric-looking strings are
// coerced only when the "coerce" option is set.
func EvalOperator(op models.Operator, actual, expected any, options map[string]any) OperatorResult {
	switch op {
	case models.OpEqual:
		if valuesEqual(actual, expected, coerceEnabled(options)) {
			return pass("%v equals %v", display(actual), display(expected))
		}

		return fail("expected %v, got %v", display(expected), display(actual))
	case models.OpNotEqual:
		if !valuesEqual(actual, expected, coerceEnabled(options)) {
			return pass("%v differs from %v", display(actual), display(expected))
		}

		return fail("expected a value other than %v", display(expected))
	case models.OpLessThan, models.OpLessOrEqual, models.OpGreaterThan, models.OpGreaterOrEqual:
		return evalOrdering(op, actual, expected, options)
	case models.OpBetween:
		return evalBetween(actual, expected, options)
	case models.OpIn:
		items, ok := asSlice(expected)
		if !ok {
			return fail("membership check requires a collection, got %v", display(expected))
		}

		if sliceContains(items, actual, coerceEnabled(options)) {
			return pass("%v is in the allowed set", display(actual))
		}

		return fail("%v is not in the allowed set %v", display(actual), display(expected))
	case models.OpNotIn:
		items, ok := asSlice(expected)
		if !ok {
			return fail("membership check requires a collection, got %v", display(expected))
		}

		if !sliceContains(items, actual, coerceEnabled(options)) {
			return pass("%v is outside the disallowed set", display(actual))
		}

		return fail("%v is in the disallowed set %v", display(actual), display(expected))
	case models.OpSubset:
		return evalSubset(actual, expected, options)
	case models.OpSuperset:
		// superset(actual, expected) == subset(expected, actual).
		result := evalSubset(expected, actual, options)
		if result.Passed {
			return pass("%v is a superset of %v", display(actual), display(expected))
		}

		return fail("%v is not a superset of %v", display(actual), display(expected))
	case models.OpUnique:
		return evalUnique(actual)
	case models.OpContains, models.OpStartsWith, models.OpEndsWith, models.OpMatches:
		return evalStringPredicate(op, actual, expected, options)
	case models.OpIsNull:
		if actual == nil {
			return pass("value is null")
		}

		return fail("expected null, got %v", display(actual))
	case models.OpNotNull:
		if actual != nil {
			return pass("value is present")
		}

		return fail("expected a value, got null")
	case models.OpIsEmpty:
		if isEmpty(actual) {
			return pass("value is empty")
		}

		return fail("expected empty, got %v", display(actual))
	case models.OpNotEmpty:
		if !isEmpty(actual) {
			return pass("value is not empty")
		}

		return fail("expected a non-empty value")
	case models.OpTypeOf:
		return evalTypeOf(actual, expected)
	case models.OpLength:
		return evalLength(actual, expected, options)
	case models.OpCountBetween:
		length, ok := lengthOf(actual)
		if !ok {
			return fail("value %v has no length", display(actual))
		}

		return evalBetween(float64(length), expected, options)
	case models.OpApprox:
		return evalApprox(actual, expected, options)
	case models.OpAny, models.OpAll, models.OpNone:
		return evalQuantifier(op, actual, options)
	}

	return fail("unknown operator %q", op)
}

func coerceEnabled(options map[string]any) bool {
	if options == nil {
		return false
	}

	enabled, _ := options[models.OptionCoerce].(bool)

	return enabled
}

func boolOption(options map[string]any, key string, fallback bool) bool {
	if options == nil {
		return fallback
	}

	value, ok := options[key].(bool)
	if !ok {
		return fallback
	}

	return value
}

// asNumber converts numeric Go types to float64. Strings convert only
// when coercion is enabled.
func asNumber(value any, coerce bool) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		if !coerce {
			return 0, false
		}

		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}

		return parsed, true
	default:
		return 0, false
	}
}

func valuesEqual(actual, expected any, coerce bool) bool {
	actualNum, actualOK := asNumber(actual, coerce)
	expectedNum, expectedOK := asNumber(expected, coerce)

	if actualOK && expectedOK {
		return actualNum == expectedNum
	}

	return reflect.DeepEqual(actual, expected)
}

func evalOrdering(op models.Operator, actual, expected any, options map[string]any) OperatorResult {
	coerce := coerceEnabled(options)

	actualNum, actualOK := asNumber(actual, coerce)
	expectedNum, expectedOK := asNumber(expected, coerce)

	if !actualOK || !expectedOK {
		// Fall back to lexicographic ordering when both sides are strings.
		actualStr, aOK := actual.(string)
		expectedStr, eOK := expected.(string)

		if !aOK || !eOK {
			return fail("cannot order %v against %v", display(actual), display(expected))
		}

		return orderingOutcome(op, strings.Compare(actualStr, expectedStr), actual, expected)
	}

	switch {
	case actualNum < expectedNum:
		return orderingOutcome(op, -1, actual, expected)
	case actualNum > expectedNum:
		return orderingOutcome(op, 1, actual, expected)
	default:
		return orderingOutcome(op, 0, actual, expected)
	}
}

func orderingOutcome(op models.Operator, cmp int, actual, expected any) OperatorResult {
	var passed bool

	var symbol string

	switch op {
	case models.OpLessThan:
		passed, symbol = cmp < 0, "<"
	case models.OpLessOrEqual:
		passed, symbol = cmp <= 0, "<="
	case models.OpGreaterThan:
		passed, symbol = cmp > 0, ">"
	case models.OpGreaterOrEqual:
		passed, symbol = cmp >= 0, ">="
	}

	if passed {
		return pass("%v %s %v", display(actual), symbol, display(expected))
	}

	return fail("expected %v %s %v", display(actual), symbol, display(expected))
}

// evalBetween checks a numeric range. Each bound honors its own
// inclusive/exclusive flag; both default to inclusive.
func evalBetween(actual, expected any, options map[string]any) OperatorResult {
	coerce := coerceEnabled(options)

	value, ok := asNumber(actual, coerce)
	if !ok {
		return fail("range check requires a number, got %v", display(actual))
	}

	minValue, maxValue, ok := rangeBounds(expected, coerce)
	if !ok {
		return fail("range bounds must be two numbers, got %v", display(expected))
	}

	minInclusive := boolOption(options, models.OptionMinInclusive, true)
	maxInclusive := boolOption(options, models.OptionMaxInclusive, true)

	lowerOK := value > minValue || (minInclusive && value == minValue)
	upperOK := value < maxValue || (maxInclusive && value == maxValue)

	if lowerOK && upperOK {
		return pass("%v is within [%v, %v]", display(actual), minValue, maxValue)
	}

	return fail("%v is outside the range %v to %v", display(actual), minValue, maxValue)
}

func rangeBounds(expected any, coerce bool) (float64, float64, bool) {
	switch bounds := expected.(type) {
	case []any:
		if len(bounds) != 2 {
			return 0, 0, false
		}

		minValue, minOK := asNumber(bounds[0], coerce)
		maxValue, maxOK := asNumber(bounds[1], coerce)

		return minValue, maxValue, minOK && maxOK
	case map[string]any:
		minValue, minOK := asNumber(bounds["min"], coerce)
		maxValue, maxOK := asNumber(bounds["max"], coerce)

		return minValue, maxValue, minOK && maxOK
	default:
		return 0, 0, false
	}
}

func asSlice(value any) ([]any, bool) {
	items, ok := value.([]any)

	return items, ok
}

func sliceContains(items []any, value any, coerce bool) bool {
	for _, item := range items {
		if valuesEqual(value, item, coerce) {
			return true
		}
	}

	return false
}

func evalSubset(actual, expected any, options map[string]any) OperatorResult {
	actualItems, actualOK := asSlice(actual)

	expectedItems, expectedOK := asSlice(expected)
	if !actualOK || !expectedOK {
		return fail("subset check requires two collections")
	}

	coerce := coerceEnabled(options)

	for _, item := range actualItems {
		if !sliceContains(expectedItems, item, coerce) {
			return fail("%v is not contained in %v", display(item), display(expected))
		}
	}

	return pass("%v is a subset of %v", display(actual), display(expected))
}

func evalUnique(actual any) OperatorResult {
	items, ok := asSlice(actual)
	if !ok {
		return fail("uniqueness check requires a collection, got %v", display(actual))
	}

	for i, item := range items {
		for _, other := range items[i+1:] {
			if reflect.DeepEqual(item, other) {
				return fail("duplicate element %v", display(item))
			}
		}
	}

	return pass("all %d elements are unique", len(items))
}

func evalStringPredicate(op models.Operator, actual, expected any, options map[string]any) OperatorResult {
	// contains doubles as collection membership.
	if items, ok := asSlice(actual); ok && op == models.OpContains {
		if sliceContains(items, expected, coerceEnabled(options)) {
			return pass("collection contains %v", display(expected))
		}

		return fail("collection does not contain %v", display(expected))
	}

	actualStr, actualOK := actual.(string)

	expectedStr, expectedOK := expected.(string)
	if !actualOK || !expectedOK {
		return fail("string check requires strings, got %v and %v", display(actual), display(expected))
	}

	switch op {
	case models.OpContains:
		if strings.Contains(actualStr, expectedStr) {
			return pass("%q contains %q", actualStr, expectedStr)
		}

		return fail("%q does not contain %q", actualStr, expectedStr)
	case models.OpStartsWith:
		if strings.HasPrefix(actualStr, expectedStr) {
			return pass("%q starts with %q", actualStr, expectedStr)
		}

		return fail("%q does not start with %q", actualStr, expectedStr)
	case models.OpEndsWith:
		if strings.HasSuffix(actualStr, expectedStr) {
			return pass("%q ends with %q", actualStr, expectedStr)
		}

		return fail("%q does not end with %q", actualStr, expectedStr)
	case models.OpMatches:
		re, err := regexp.Compile(expectedStr)
		if err != nil {
			return fail("invalid pattern %q: %v", expectedStr, err)
		}

		if re.MatchString(actualStr) {
			return pass("%q matches /%s/", actualStr, expectedStr)
		}

		return fail("%q does not match /%s/", actualStr, expectedStr)
	}

	return fail("unknown string operator %q", op)
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}

func evalTypeOf(actual, expected any) OperatorResult {
	want, ok := expected.(string)
	if !ok {
		return fail("type check requires a type name, got %v", display(expected))
	}

	got := typeName(actual)
	if got == want {
		return pass("value is a %s", got)
	}

	return fail("expected type %s, got %s", want, got)
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64, float32, int, int64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return reflect.TypeOf(value).String()
	}
}

func lengthOf(value any) (int, bool) {
	switch v := value.(type) {
	case string:
		return len(v), true
	case []any:
		return len(v), true
	case map[string]any:
		return len(v), true
	default:
		return 0, false
	}
}

func evalLength(actual, expected any, options map[string]any) OperatorResult {
	length, ok := lengthOf(actual)
	if !ok {
		return fail("value %v has no length", display(actual))
	}

	want, ok := asNumber(expected, coerceEnabled(options))
	if !ok {
		return fail("length check requires a number, got %v", display(expected))
	}

	if float64(length) == want {
		return pass("length is %d", length)
	}

	return fail("expected length %v, got %d", want, length)
}

// evalApprox checks approximate equality under an absolute or
// percentage tolerance.
func evalApprox(actual, expected any, options map[string]any) OperatorResult {
	coerce := coerceEnabled(options)

	actualNum, actualOK := asNumber(actual, coerce)

	expectedNum, expectedOK := asNumber(expected, coerce)
	if !actualOK || !expectedOK {
		return fail("approximate check requires numbers, got %v and %v", display(actual), display(expected))
	}

	diff := actualNum - expectedNum
	if diff < 0 {
		diff = -diff
	}

	if percent, ok := asNumber(options[models.OptionTolerancePercent], true); ok {
		limit := expectedNum
		if limit < 0 {
			limit = -limit
		}

		limit = limit * percent / 100

		if diff <= limit {
			return pass("%v is within %v%% of %v", display(actual), percent, display(expected))
		}

		return fail("%v deviates more than %v%% from %v", display(actual), percent, display(expected))
	}

	tolerance, ok := asNumber(options[models.OptionTolerance], true)
	if !ok {
		tolerance = 0
	}

	if diff <= tolerance {
		return pass("%v is within %v of %v", display(actual), tolerance, display(expected))
	}

	return fail("%v deviates more than %v from %v", display(actual), tolerance, display(expected))
}

// evalQuantifier applies a nested operator per element. ALL over an
// empty collection passes, ANY fails, NONE passes.
func evalQuantifier(op models.Operator, actual any, options map[string]any) OperatorResult {
	items, ok := asSlice(actual)
	if !ok {
		return fail("quantifier requires a collection, got %v", display(actual))
	}

	elementOpName, _ := options[models.OptionElementOperator].(string)
	if elementOpName == "" {
		return fail("quantifier requires the %s option", models.OptionElementOperator)
	}

	elementOp := models.Operator(elementOpName)
	elementExpected := options[models.OptionElementExpected]

	matches := 0

	for _, item := range items {
		if EvalOperator(elementOp, item, elementExpected, options).Passed {
			matches++
		}
	}

	switch op {
	case models.OpAll:
		if matches == len(items) {
			return pass("all %d elements satisfy %s", len(items), elementOp)
		}

		return fail("%d of %d elements fail %s", len(items)-matches, len(items), elementOp)
	case models.OpAny:
		if matches > 0 {
			return pass("%d of %d elements satisfy %s", matches, len(items), elementOp)
		}

		return fail("no element satisfies %s", elementOp)
	case models.OpNone:
		if matches == 0 {
			return pass("no element satisfies %s", elementOp)
		}

		return fail("%d elements unexpectedly satisfy %s", matches, elementOp)
	}

	return fail("unknown quantifier %q", op)
}

func display(value any) string {
	if value == nil {
		return "null"
	}

	if s, ok := value.(string); ok {
		return strconv.Quote(s)
	}

	return fmt.Sprintf("%v", value)
}
