package validation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benvon/cohort-tags/internal/models"
)

const maxTimeframeDays = 3650

var numberField = &models.Field{Name: "score", Type: models.FieldTypeNumber}

// checkRules validates every condition of a rule set against the rule type and data model
func checkRules(rules models.QualificationRules, ctx Context) []FieldError {
	var errs []FieldError
	ruleTypeKnown := isConditionType(rules.RuleType)

	for i, cond := range rules.Conditions {
		base := fmt.Sprintf("qualificationRules.conditions[%d]", i)
		if err := cond.Check(); err != nil {
			errs = append(errs, FieldError{Field: base, Kind: KindStructural, Code: "invalid_payload", Message: err.Error()})
			continue
		}
		if ruleTypeKnown && cond.Type != rules.RuleType {
			errs = append(errs, FieldError{
				Field:   base + ".type",
				Kind:    KindStructural,
				Code:    "rule_type_mismatch",
				Message: fmt.Sprintf("%s condition is not allowed in a %s rule", cond.Type, rules.RuleType),
			})
			continue
		}

		switch cond.Type {
		case models.ConditionTypeProperty:
			errs = append(errs, checkProperty(base, *cond.Property, ctx)...)
		case models.ConditionTypeActivity:
			errs = append(errs, checkActivity(base, *cond.Activity, ctx)...)
		case models.ConditionTypeAssociation:
			errs = append(errs, checkAssociation(base, *cond.Association, ctx)...)
		case models.ConditionTypeScore:
			errs = append(errs, checkScore(base, *cond.Score)...)
		}
	}
	return errs
}

func checkProperty(base string, p models.PropertyCondition, ctx Context) []FieldError {
	errs := structErrors(p, base)

	var field *models.Field
	if ctx.DataModel != nil && p.Object != "" {
		if !ctx.DataModel.HasEntity(p.Object) {
			errs = append(errs, FieldError{
				Field:   base + ".object",
				Kind:    KindReferential,
				Code:    "unknown_entity",
				Message: fmt.Sprintf("object %q does not exist in the data model", p.Object),
			})
		} else if p.Field != "" {
			if f, ok := ctx.DataModel.LookupField(p.Object, p.Field); ok {
				field = &f
			} else {
				errs = append(errs, FieldError{
					Field:   base + ".field",
					Kind:    KindReferential,
					Code:    "unknown_field",
					Message: fmt.Sprintf("field %q does not exist on %s", p.Field, p.Object),
				})
			}
		}
	}

	if !p.Operator.IsValid() {
		return errs
	}
	if field != nil && !models.OperatorAllowed(field.Type, p.Operator) {
		errs = append(errs, FieldError{
			Field:   base + ".operator",
			Kind:    KindReferential,
			Code:    "operator_not_applicable",
			Message: fmt.Sprintf("operator %s cannot be applied to %s field %s.%s", p.Operator, field.Type, p.Object, p.Field),
		})
		return errs
	}
	return append(errs, checkValue(base+".value", p.Operator, p.Value, field)...)
}

func checkActivity(base string, a models.ActivityCondition, ctx Context) []FieldError {
	errs := structErrors(a, base)

	isCount := a.Occurrence == models.OccurrenceCount
	switch {
	case isCount && a.Value == nil:
		errs = append(errs, FieldError{Field: base + ".value", Kind: KindStructural, Code: "missing_value",
			Message: "value is required when occurrence is count"})
	case !isCount && a.Value != nil:
		errs = append(errs, FieldError{Field: base + ".value", Kind: KindStructural, Code: "unexpected_value",
			Message: "value is only allowed when occurrence is count"})
	case isCount && *a.Value < 0:
		errs = append(errs, FieldError{Field: base + ".value", Kind: KindStructural, Code: "negative_count",
			Message: "count value must not be negative"})
	}
	if a.Operator != "" && a.Operator.IsValid() && !isCountOperator(a.Operator) {
		errs = append(errs, FieldError{Field: base + ".operator", Kind: KindStructural, Code: "operator_not_applicable",
			Message: fmt.Sprintf("operator %s cannot compare an occurrence count", a.Operator)})
	}
	if a.Timeframe != nil && (*a.Timeframe <= 0 || *a.Timeframe > maxTimeframeDays) {
		errs = append(errs, FieldError{Field: base + ".timeframe", Kind: KindStructural, Code: "invalid_timeframe",
			Message: fmt.Sprintf("timeframe must be between 1 and %d days", maxTimeframeDays)})
	}
	if ctx.Events != nil && a.EventType != "" && !ctx.Events.Has(a.EventType) {
		errs = append(errs, FieldError{Field: base + ".eventType", Kind: KindReferential, Code: "unknown_event",
			Message: fmt.Sprintf("event type %q does not exist in the event catalog", a.EventType)})
	}

	for j, f := range a.Filters {
		errs = append(errs, checkProperty(fmt.Sprintf("%s.filters[%d]", base, j), f, ctx)...)
	}
	return errs
}

func checkAssociation(base string, a models.AssociationCondition, ctx Context) []FieldError {
	errs := structErrors(a, base)

	isCount := a.ConditionType == models.AssociationCount
	switch {
	case isCount && a.Value == nil:
		errs = append(errs, FieldError{Field: base + ".value", Kind: KindStructural, Code: "missing_value",
			Message: "value is required when conditionType is count"})
	case !isCount && a.Value != nil:
		errs = append(errs, FieldError{Field: base + ".value", Kind: KindStructural, Code: "unexpected_value",
			Message: "value is only allowed when conditionType is count"})
	case isCount && *a.Value < 0:
		errs = append(errs, FieldError{Field: base + ".value", Kind: KindStructural, Code: "negative_count",
			Message: "count value must not be negative"})
	}
	if a.Operator != "" && a.Operator.IsValid() && !isCountOperator(a.Operator) {
		errs = append(errs, FieldError{Field: base + ".operator", Kind: KindStructural, Code: "operator_not_applicable",
			Message: fmt.Sprintf("operator %s cannot compare an association count", a.Operator)})
	}
	if ctx.DataModel != nil && a.RelatedObject != "" && !ctx.DataModel.HasEntity(a.RelatedObject) {
		errs = append(errs, FieldError{Field: base + ".relatedObject", Kind: KindReferential, Code: "unknown_entity",
			Message: fmt.Sprintf("related object %q does not exist in the data model", a.RelatedObject)})
	}

	for j, f := range a.NestedFilters {
		errs = append(errs, checkProperty(fmt.Sprintf("%s.nestedFilters[%d]", base, j), f, ctx)...)
	}
	return errs
}

func checkScore(base string, s models.ScoreCondition) []FieldError {
	errs := structErrors(s, base)

	if h := s.Hysteresis; h != nil && h.AddThreshold <= h.RemoveThreshold {
		errs = append(errs, FieldError{
			Field: base + ".hysteresis",
			Kind:  KindStructural,
			Code:  "hysteresis_order",
			Message: fmt.Sprintf("hysteresis addThreshold (%s) must be greater than removeThreshold (%s)",
				formatNumber(h.AddThreshold), formatNumber(h.RemoveThreshold)),
		})
	}

	if !s.Operator.IsValid() {
		return errs
	}
	if !models.OperatorAllowed(models.FieldTypeNumber, s.Operator) {
		return append(errs, FieldError{Field: base + ".operator", Kind: KindStructural, Code: "operator_not_applicable",
			Message: fmt.Sprintf("operator %s cannot compare a score", s.Operator)})
	}
	// The hysteresis thresholds stand in for the value
	if s.Value == nil && s.Hysteresis != nil {
		return errs
	}
	return append(errs, checkValue(base+".value", s.Operator, s.Value, numberField)...)
}

func isCountOperator(op models.Operator) bool {
	switch op {
	case models.OperatorEquals, models.OperatorNotEquals,
		models.OperatorGreaterThan, models.OperatorGreaterThanOrEqual,
		models.OperatorLessThan, models.OperatorLessThanOrEqual:
		return true
	}
	return false
}

// checkValue enforces operator arity and, when the field is known, value types
func checkValue(path string, op models.Operator, value any, field *models.Field) []FieldError {
	switch op.Arity() {
	case models.ArityNone:
		if value != nil {
			return []FieldError{{Field: path, Kind: KindStructural, Code: "unexpected_value",
				Message: fmt.Sprintf("operator %s takes no value", op)}}
		}
		return nil

	case models.ArityRange:
		return checkRange(path, value, field)

	case models.ArityList:
		items, ok := asList(value)
		if !ok {
			return []FieldError{{Field: path, Kind: KindStructural, Code: "list_required",
				Message: fmt.Sprintf("operator %s requires a list of values", op)}}
		}
		if len(items) == 0 {
			return []FieldError{{Field: path, Kind: KindStructural, Code: "empty_list",
				Message: fmt.Sprintf("operator %s requires at least one value", op)}}
		}
		var errs []FieldError
		for i, item := range items {
			errs = append(errs, checkScalar(fmt.Sprintf("%s[%d]", path, i), item, field)...)
		}
		return errs

	default:
		return checkScalar(path, value, field)
	}
}

func checkScalar(path string, value any, field *models.Field) []FieldError {
	fail := func(code, msg string) []FieldError {
		return []FieldError{{Field: path, Kind: KindStructural, Code: code, Message: msg}}
	}

	switch v := value.(type) {
	case nil:
		return fail("missing_value", "value is required")
	case []any, []string, []float64, map[string]any:
		return fail("scalar_required", "value must be a single value, not a list")
	case string:
		if strings.TrimSpace(v) == "" {
			return fail("missing_value", "value must not be empty")
		}
	}

	if field == nil {
		return nil
	}
	switch field.Type {
	case models.FieldTypeNumber:
		if _, ok := asNumber(value); !ok {
			return fail("type_mismatch", "value must be a number")
		}
	case models.FieldTypeDate:
		if _, ok := asDate(value); !ok {
			return fail("type_mismatch", "value must be a date (YYYY-MM-DD or RFC 3339)")
		}
	case models.FieldTypeBoolean:
		if _, ok := value.(bool); !ok {
			return fail("type_mismatch", "value must be true or false")
		}
	case models.FieldTypeEnum:
		s, ok := value.(string)
		if !ok {
			return fail("type_mismatch", "value must be one of the field options")
		}
		if !field.HasOption(s) {
			return fail("invalid_option", fmt.Sprintf("value %q is not an option of %s", s, field.Name))
		}
	case models.FieldTypeText:
		if _, ok := value.(string); !ok {
			return fail("type_mismatch", "value must be text")
		}
	}
	return nil
}

func checkRange(path string, value any, field *models.Field) []FieldError {
	fail := func(code, msg string) []FieldError {
		return []FieldError{{Field: path, Kind: KindStructural, Code: code, Message: msg}}
	}

	items, ok := asList(value)
	if !ok || len(items) != 2 {
		return fail("invalid_range", "between requires exactly two values [min, max]")
	}

	wantDate := field != nil && field.Type == models.FieldTypeDate
	wantNumber := field != nil && field.Type == models.FieldTypeNumber

	if lo, ok := asNumber(items[0]); ok && !wantDate {
		hi, ok := asNumber(items[1])
		if !ok {
			return fail("type_mismatch", "between values must both be numbers")
		}
		if lo > hi {
			return fail("inverted_range", fmt.Sprintf("inverted range: min %s is greater than max %s", formatNumber(lo), formatNumber(hi)))
		}
		return nil
	}
	if lo, ok := asDate(items[0]); ok && !wantNumber {
		hi, ok := asDate(items[1])
		if !ok {
			return fail("type_mismatch", "between values must both be dates")
		}
		if lo.After(hi) {
			return fail("inverted_range", fmt.Sprintf("inverted range: min %v is greater than max %v", items[0], items[1]))
		}
		return nil
	}
	switch {
	case wantDate:
		return fail("type_mismatch", "between values must be dates")
	case wantNumber:
		return fail("type_mismatch", "between values must be numbers")
	default:
		return fail("type_mismatch", "between values must be numbers or dates")
	}
}

func asList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(v))
		for i, f := range v {
			out[i] = f
		}
		return out, true
	}
	return nil, false
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func asDate(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{"2006-01-02", time.RFC3339, time.RFC3339Nano} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
