package models

// Operator is a comparison applied by a condition
type Operator string

const (
	OperatorEquals             Operator = "equals"
	OperatorNotEquals          Operator = "not_equals"
	OperatorGreaterThan        Operator = "greater_than"
	OperatorGreaterThanOrEqual Operator = "greater_than_or_equal"
	OperatorLessThan           Operator = "less_than"
	OperatorLessThanOrEqual    Operator = "less_than_or_equal"
	OperatorContains           Operator = "contains"
	OperatorNotContains        Operator = "not_contains"
	OperatorStartsWith         Operator = "starts_with"
	OperatorEndsWith           Operator = "ends_with"
	OperatorIn                 Operator = "in"
	OperatorNotIn              Operator = "not_in"
	OperatorBetween            Operator = "between"
	OperatorIsKnown            Operator = "is_known"
	OperatorIsUnknown          Operator = "is_unknown"
)

// Operators lists every supported operator in display order
var Operators = []Operator{
	OperatorEquals,
	OperatorNotEquals,
	OperatorGreaterThan,
	OperatorGreaterThanOrEqual,
	OperatorLessThan,
	OperatorLessThanOrEqual,
	OperatorContains,
	OperatorNotContains,
	OperatorStartsWith,
	OperatorEndsWith,
	OperatorIn,
	OperatorNotIn,
	OperatorBetween,
	OperatorIsKnown,
	OperatorIsUnknown,
}

// IsValid reports whether o is one of the supported operators
func (o Operator) IsValid() bool {
	for _, op := range Operators {
		if op == o {
			return true
		}
	}
	return false
}

// Arity describes the value shape an operator requires
type Arity int

const (
	ArityScalar Arity = iota
	ArityRange
	ArityList
	ArityNone
)

// Arity returns the value shape required by o
func (o Operator) Arity() Arity {
	switch o {
	case OperatorBetween:
		return ArityRange
	case OperatorIn, OperatorNotIn:
		return ArityList
	case OperatorIsKnown, OperatorIsUnknown:
		return ArityNone
	default:
		return ArityScalar
	}
}

// Label returns the operator as it reads in a sentence
func (o Operator) Label() string {
	switch o {
	case OperatorEquals:
		return "equals"
	case OperatorNotEquals:
		return "does not equal"
	case OperatorGreaterThan:
		return "greater than"
	case OperatorGreaterThanOrEqual:
		return "at least"
	case OperatorLessThan:
		return "less than"
	case OperatorLessThanOrEqual:
		return "at most"
	case OperatorContains:
		return "contains"
	case OperatorNotContains:
		return "does not contain"
	case OperatorStartsWith:
		return "starts with"
	case OperatorEndsWith:
		return "ends with"
	case OperatorIn:
		return "is one of"
	case OperatorNotIn:
		return "is not one of"
	case OperatorBetween:
		return "between"
	case OperatorIsKnown:
		return "is known"
	case OperatorIsUnknown:
		return "is unknown"
	}
	return string(o)
}

var (
	comparableOperators = []Operator{
		OperatorEquals, OperatorNotEquals,
		OperatorGreaterThan, OperatorGreaterThanOrEqual,
		OperatorLessThan, OperatorLessThanOrEqual,
		OperatorBetween,
		OperatorIn, OperatorNotIn,
		OperatorIsKnown, OperatorIsUnknown,
	}
	textOperators = []Operator{
		OperatorEquals, OperatorNotEquals,
		OperatorContains, OperatorNotContains,
		OperatorStartsWith, OperatorEndsWith,
		OperatorIn, OperatorNotIn,
		OperatorIsKnown, OperatorIsUnknown,
	}
	booleanOperators = []Operator{
		OperatorEquals, OperatorNotEquals,
		OperatorIsKnown, OperatorIsUnknown,
	}
	enumOperators = []Operator{
		OperatorEquals, OperatorNotEquals,
		OperatorIn, OperatorNotIn,
		OperatorIsKnown, OperatorIsUnknown,
	}
)

// OperatorsForFieldType returns the operators applicable to a field of type ft.
// Unknown types get the full set. The returned slice is a copy.
func OperatorsForFieldType(ft FieldType) []Operator {
	var ops []Operator
	switch ft {
	case FieldTypeNumber, FieldTypeDate:
		ops = comparableOperators
	case FieldTypeText:
		ops = textOperators
	case FieldTypeBoolean:
		ops = booleanOperators
	case FieldTypeEnum:
		ops = enumOperators
	default:
		ops = Operators
	}
	return append([]Operator(nil), ops...)
}

// OperatorAllowed reports whether op applies to a field of type ft
func OperatorAllowed(ft FieldType, op Operator) bool {
	for _, allowed := range OperatorsForFieldType(ft) {
		if allowed == op {
			return true
		}
	}
	return false
}
