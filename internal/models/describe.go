package models

import (
	"fmt"
	"strconv"
	"strings"
)

// DescribeCondition renders a condition as a short English sentence, for example
// "member.age greater than 30" or "Card Swipe has occurred at least 3 times in the last 30 days".
func DescribeCondition(c RuleCondition, events *EventCatalog) string {
	switch {
	case c.Property != nil:
		return describeProperty(*c.Property)
	case c.Activity != nil:
		return describeActivity(*c.Activity, events)
	case c.Association != nil:
		return describeAssociation(*c.Association)
	case c.Score != nil:
		return describeScore(*c.Score)
	}
	return "empty condition"
}

// DescribeRules joins the summaries of every condition with the rule logic
func DescribeRules(r QualificationRules, events *EventCatalog) string {
	if len(r.Conditions) == 0 {
		return "no conditions"
	}
	parts := make([]string, len(r.Conditions))
	for i, c := range r.Conditions {
		parts[i] = DescribeCondition(c, events)
	}
	return strings.Join(parts, " "+string(r.Logic)+" ")
}

func describeProperty(p PropertyCondition) string {
	subject := p.Object + "." + p.Field
	return strings.TrimSpace(subject + " " + describeComparison(p.Operator, p.Value))
}

func describeActivity(a ActivityCondition, events *EventCatalog) string {
	var b strings.Builder
	b.WriteString(events.DisplayName(a.EventType))

	switch a.Occurrence {
	case OccurrenceHasOccurred:
		b.WriteString(" has occurred")
	case OccurrenceHasNotOccurred:
		b.WriteString(" has not occurred")
	case OccurrenceCount:
		b.WriteString(" has occurred")
		if a.Value != nil {
			op := a.Operator
			if op == "" {
				op = OperatorGreaterThanOrEqual
			}
			fmt.Fprintf(&b, " %s %s times", op.Label(), formatNumber(*a.Value))
		}
	}

	if a.Timeframe != nil {
		fmt.Fprintf(&b, " in the last %d days", *a.Timeframe)
	}
	if len(a.Filters) > 0 {
		b.WriteString(" where ")
		b.WriteString(describeFilters(a.Filters))
	}
	return b.String()
}

func describeAssociation(a AssociationCondition) string {
	var b strings.Builder
	b.WriteString(a.AssociationType)

	switch a.ConditionType {
	case AssociationHasAny:
		fmt.Fprintf(&b, " has any %s", a.RelatedObject)
	case AssociationHasNone:
		fmt.Fprintf(&b, " has no %s", a.RelatedObject)
	case AssociationCount:
		op := a.Operator
		if op == "" {
			op = OperatorGreaterThanOrEqual
		}
		value := "?"
		if a.Value != nil {
			value = formatNumber(*a.Value)
		}
		fmt.Fprintf(&b, " has %s %s %s", op.Label(), value, a.RelatedObject)
	}

	if len(a.NestedFilters) > 0 {
		b.WriteString(" where ")
		b.WriteString(describeFilters(a.NestedFilters))
	}
	return b.String()
}

func describeScore(s ScoreCondition) string {
	out := strings.TrimSpace(s.ScoreField + " " + describeComparison(s.Operator, s.Value))
	if s.Hysteresis != nil {
		out += fmt.Sprintf(" (add at %s, remove below %s)",
			formatNumber(s.Hysteresis.AddThreshold), formatNumber(s.Hysteresis.RemoveThreshold))
	}
	return out
}

func describeFilters(filters []PropertyCondition) string {
	parts := make([]string, len(filters))
	for i, f := range filters {
		parts[i] = strings.TrimSpace(f.Field + " " + describeComparison(f.Operator, f.Value))
	}
	return strings.Join(parts, " and ")
}

func describeComparison(op Operator, value any) string {
	switch op.Arity() {
	case ArityNone:
		return op.Label()
	case ArityRange:
		items := listItems(value)
		if len(items) == 2 {
			return fmt.Sprintf("between %s and %s", items[0], items[1])
		}
		return "between ?"
	case ArityList:
		return op.Label() + " [" + strings.Join(listItems(value), ", ") + "]"
	default:
		return op.Label() + " " + formatValue(value)
	}
}

func listItems(value any) []string {
	switch v := value.(type) {
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = formatValue(item)
		}
		return out
	case []string:
		return append([]string(nil), v...)
	case []float64:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = formatNumber(item)
		}
		return out
	}
	return nil
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "?"
	case float64:
		return formatNumber(val)
	case int:
		return strconv.Itoa(val)
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
