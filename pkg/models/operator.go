package models

// Operator identifies one entry in the basic assertion operator table.
type Operator string

const (
	OpEqual    Operator = "eq"
	OpNotEqual Operator = "ne"

	OpLessThan       Operator = "lt"
	OpLessOrEqual    Operator = "le"
	OpGreaterThan    Operator = "gt"
	OpGreaterOrEqual Operator = "ge"
	OpBetween        Operator = "between"

	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
	OpSubset   Operator = "subset"
	OpSuperset Operator = "superset"
	OpUnique   Operator = "unique"

	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpMatches    Operator = "matches"

	OpIsNull    Operator = "is_null"
	OpNotNull   Operator = "not_null"
	OpIsEmpty   Operator = "is_empty"
	OpNotEmpty  Operator = "not_empty"
	OpTypeOf    Operator = "type_of"
	OpLength    Operator = "length"
	OpCountBetween Operator = "count_between"

	OpApprox Operator = "approx"

	OpAny  Operator = "any"
	OpAll  Operator = "all"
	OpNone Operator = "none"
)

// Option keys understood by the basic operator table.
const (
	// OptionCoerce enables numeric coercion of numeric-looking strings.
	OptionCoerce = "coerce"
	// OptionMinInclusive / OptionMaxInclusive control BETWEEN and
	// COUNT_BETWEEN bound handling independently. Both default to true.
	OptionMinInclusive = "min_inclusive"
	OptionMaxInclusive = "max_inclusive"
	// OptionTolerance / OptionTolerancePercent configure APPROX.
	OptionTolerance        = "tolerance"
	OptionTolerancePercent = "tolerance_percent"
	// OptionElementOperator names the nested operator a quantifier
	// applies per element.
	OptionElementOperator = "element_operator"
	// OptionElementExpected is the right-hand side for the nested
	// operator of a quantifier.
	OptionElementExpected = "element_expected"
)
