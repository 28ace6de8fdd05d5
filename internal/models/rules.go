package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ConditionType is the discriminant of a RuleCondition and the rule type of a QualificationRules
type ConditionType string

const (
	ConditionTypeProperty    ConditionType = "property"
	ConditionTypeActivity    ConditionType = "activity"
	ConditionTypeAssociation ConditionType = "association"
	ConditionTypeScore       ConditionType = "score"
)

// ConditionTypes lists every condition variant. Adding a variant means adding it here,
// to RuleCondition, to InferConditionType and to the guard tests.
var ConditionTypes = []ConditionType{
	ConditionTypeProperty,
	ConditionTypeActivity,
	ConditionTypeAssociation,
	ConditionTypeScore,
}

// RuleLogic is the flat boolean combinator applied across all conditions
type RuleLogic string

const (
	RuleLogicAnd RuleLogic = "AND"
	RuleLogicOr  RuleLogic = "OR"
)

// Occurrence describes how an activity condition tests an event stream
type Occurrence string

const (
	OccurrenceHasOccurred    Occurrence = "has_occurred"
	OccurrenceHasNotOccurred Occurrence = "has_not_occurred"
	OccurrenceCount          Occurrence = "count"
)

// AssociationConditionType describes how an association condition tests related records
type AssociationConditionType string

const (
	AssociationHasAny  AssociationConditionType = "has_any"
	AssociationHasNone AssociationConditionType = "has_none"
	AssociationCount   AssociationConditionType = "count"
)

var (
	// ErrUnknownConditionType is returned when a condition carries an unsupported discriminant
	ErrUnknownConditionType = errors.New("unknown condition type")
	// ErrAmbiguousCondition is returned when a legacy condition matches more than one variant
	ErrAmbiguousCondition = errors.New("ambiguous condition shape")
	// ErrUnclassifiableCondition is returned when a legacy condition matches no variant
	ErrUnclassifiableCondition = errors.New("condition matches no known variant")
)

// QualificationRules is the boolean condition set owned by exactly one tag
type QualificationRules struct {
	RuleType   ConditionType   `json:"ruleType" validate:"required,rule_type"`
	Logic      RuleLogic       `json:"logic" validate:"required,rule_logic"`
	Conditions []RuleCondition `json:"conditions"`
}

// Clone returns a deep copy of the rules
func (r QualificationRules) Clone() QualificationRules {
	out := r
	if r.Conditions != nil {
		out.Conditions = make([]RuleCondition, len(r.Conditions))
		for i, c := range r.Conditions {
			out.Conditions[i] = c.Clone()
		}
	}
	return out
}

// WithRuleType switches the rule type. Conditions of the previous type can never be
// valid under the new one, so they are cleared.
func (r QualificationRules) WithRuleType(t ConditionType) QualificationRules {
	if t == r.RuleType {
		return r.Clone()
	}
	return QualificationRules{RuleType: t, Logic: r.Logic, Conditions: []RuleCondition{}}
}

// PropertyCondition tests a field of a data model entity
type PropertyCondition struct {
	Object   string   `json:"object" validate:"required,max=100"`
	Field    string   `json:"field" validate:"required,max=100"`
	Operator Operator `json:"operator" validate:"required,rule_operator"`
	Value    any      `json:"value,omitempty"`
}

// ActivityCondition tests the occurrence of an event type
type ActivityCondition struct {
	EventType  string              `json:"eventType" validate:"required,max=100"`
	Occurrence Occurrence          `json:"occurrence" validate:"required,occurrence"`
	Operator   Operator            `json:"operator,omitempty" validate:"omitempty,rule_operator"`
	Value      *float64            `json:"value,omitempty"`
	Timeframe  *int                `json:"timeframe,omitempty"`
	Filters    []PropertyCondition `json:"filters,omitempty"`
}

// AssociationCondition tests records related to the member
type AssociationCondition struct {
	AssociationType string                   `json:"associationType" validate:"required,max=100"`
	RelatedObject   string                   `json:"relatedObject" validate:"required,max=100"`
	ConditionType   AssociationConditionType `json:"conditionType" validate:"required,association_condition"`
	Operator        Operator                 `json:"operator,omitempty" validate:"omitempty,rule_operator"`
	Value           *float64                 `json:"value,omitempty"`
	NestedFilters   []PropertyCondition      `json:"nestedFilters,omitempty"`
}

// Hysteresis separates the entry and exit thresholds of a score condition so a score
// hovering around one boundary does not flip the assignment back and forth.
type Hysteresis struct {
	AddThreshold    float64 `json:"addThreshold"`
	RemoveThreshold float64 `json:"removeThreshold"`
}

// ScoreCondition compares a computed score against a threshold
type ScoreCondition struct {
	ScoreField string      `json:"scoreField" validate:"required,max=100"`
	Operator   Operator    `json:"operator" validate:"required,rule_operator"`
	Value      any         `json:"value,omitempty"`
	Hysteresis *Hysteresis `json:"hysteresis,omitempty"`
}

// RuleCondition is a tagged variant: Type selects exactly one non-nil payload
type RuleCondition struct {
	Type        ConditionType
	Property    *PropertyCondition
	Activity    *ActivityCondition
	Association *AssociationCondition
	Score       *ScoreCondition
}

// NewPropertyCondition wraps a property payload
func NewPropertyCondition(c PropertyCondition) RuleCondition {
	return RuleCondition{Type: ConditionTypeProperty, Property: &c}
}

// NewActivityCondition wraps an activity payload
func NewActivityCondition(c ActivityCondition) RuleCondition {
	return RuleCondition{Type: ConditionTypeActivity, Activity: &c}
}

// NewAssociationCondition wraps an association payload
func NewAssociationCondition(c AssociationCondition) RuleCondition {
	return RuleCondition{Type: ConditionTypeAssociation, Association: &c}
}

// NewScoreCondition wraps a score payload
func NewScoreCondition(c ScoreCondition) RuleCondition {
	return RuleCondition{Type: ConditionTypeScore, Score: &c}
}

// payloadCount returns how many payload pointers are set
func (c RuleCondition) payloadCount() int {
	n := 0
	if c.Property != nil {
		n++
	}
	if c.Activity != nil {
		n++
	}
	if c.Association != nil {
		n++
	}
	if c.Score != nil {
		n++
	}
	return n
}

// Check reports whether the discriminant and payload agree
func (c RuleCondition) Check() error {
	if c.payloadCount() != 1 {
		return fmt.Errorf("condition of type %q must carry exactly one payload, has %d", c.Type, c.payloadCount())
	}
	switch c.Type {
	case ConditionTypeProperty:
		if c.Property == nil {
			return fmt.Errorf("condition of type %q has no property payload", c.Type)
		}
	case ConditionTypeActivity:
		if c.Activity == nil {
			return fmt.Errorf("condition of type %q has no activity payload", c.Type)
		}
	case ConditionTypeAssociation:
		if c.Association == nil {
			return fmt.Errorf("condition of type %q has no association payload", c.Type)
		}
	case ConditionTypeScore:
		if c.Score == nil {
			return fmt.Errorf("condition of type %q has no score payload", c.Type)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownConditionType, c.Type)
	}
	return nil
}

// Clone returns a deep copy of the condition
func (c RuleCondition) Clone() RuleCondition {
	out := RuleCondition{Type: c.Type}
	if c.Property != nil {
		p := c.Property.Clone()
		out.Property = &p
	}
	if c.Activity != nil {
		a := *c.Activity
		a.Value = cloneFloat(c.Activity.Value)
		if c.Activity.Timeframe != nil {
			tf := *c.Activity.Timeframe
			a.Timeframe = &tf
		}
		a.Filters = clonePropertyConditions(c.Activity.Filters)
		out.Activity = &a
	}
	if c.Association != nil {
		a := *c.Association
		a.Value = cloneFloat(c.Association.Value)
		a.NestedFilters = clonePropertyConditions(c.Association.NestedFilters)
		out.Association = &a
	}
	if c.Score != nil {
		s := *c.Score
		s.Value = CloneValue(c.Score.Value)
		if c.Score.Hysteresis != nil {
			h := *c.Score.Hysteresis
			s.Hysteresis = &h
		}
		out.Score = &s
	}
	return out
}

// Clone returns a deep copy of the property condition
func (p PropertyCondition) Clone() PropertyCondition {
	out := p
	out.Value = CloneValue(p.Value)
	return out
}

// NestedFilters returns the property filters nested under an activity or association condition
func (c RuleCondition) NestedFilters() []PropertyCondition {
	switch {
	case c.Activity != nil:
		return c.Activity.Filters
	case c.Association != nil:
		return c.Association.NestedFilters
	}
	return nil
}

// MarshalJSON writes the payload flat alongside an explicit "type" discriminant
func (c RuleCondition) MarshalJSON() ([]byte, error) {
	if err := c.Check(); err != nil {
		return nil, err
	}
	switch c.Type {
	case ConditionTypeProperty:
		return json.Marshal(struct {
			Type ConditionType `json:"type"`
			*PropertyCondition
		}{c.Type, c.Property})
	case ConditionTypeActivity:
		return json.Marshal(struct {
			Type ConditionType `json:"type"`
			*ActivityCondition
		}{c.Type, c.Activity})
	case ConditionTypeAssociation:
		return json.Marshal(struct {
			Type ConditionType `json:"type"`
			*AssociationCondition
		}{c.Type, c.Association})
	default:
		return json.Marshal(struct {
			Type ConditionType `json:"type"`
			*ScoreCondition
		}{c.Type, c.Score})
	}
}

// UnmarshalJSON reads a flat condition. Records written before the discriminant
// existed are classified with InferConditionType.
func (c *RuleCondition) UnmarshalJSON(data []byte) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("condition must be an object: %w", err)
	}

	var typ ConditionType
	if raw, ok := keys["type"]; ok {
		if err := json.Unmarshal(raw, &typ); err != nil {
			return fmt.Errorf("condition type must be a string: %w", err)
		}
	} else {
		inferred, err := InferConditionType(keys)
		if err != nil {
			return err
		}
		typ = inferred
	}

	decoded := RuleCondition{Type: typ}
	switch typ {
	case ConditionTypeProperty:
		decoded.Property = &PropertyCondition{}
		if err := json.Unmarshal(data, decoded.Property); err != nil {
			return fmt.Errorf("decode property condition: %w", err)
		}
	case ConditionTypeActivity:
		decoded.Activity = &ActivityCondition{}
		if err := json.Unmarshal(data, decoded.Activity); err != nil {
			return fmt.Errorf("decode activity condition: %w", err)
		}
	case ConditionTypeAssociation:
		decoded.Association = &AssociationCondition{}
		if err := json.Unmarshal(data, decoded.Association); err != nil {
			return fmt.Errorf("decode association condition: %w", err)
		}
	case ConditionTypeScore:
		decoded.Score = &ScoreCondition{}
		if err := json.Unmarshal(data, decoded.Score); err != nil {
			return fmt.Errorf("decode score condition: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownConditionType, typ)
	}
	*c = decoded
	return nil
}

// InferConditionType classifies a condition that lacks a discriminant by its
// distinguishing keys. Exactly one variant must match.
func InferConditionType(keys map[string]json.RawMessage) (ConditionType, error) {
	has := func(k string) bool {
		_, ok := keys[k]
		return ok
	}

	var matches []ConditionType
	if has("object") && has("field") {
		matches = append(matches, ConditionTypeProperty)
	}
	if has("eventType") {
		matches = append(matches, ConditionTypeActivity)
	}
	if has("associationType") || has("relatedObject") {
		matches = append(matches, ConditionTypeAssociation)
	}
	if has("scoreField") {
		matches = append(matches, ConditionTypeScore)
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", ErrUnclassifiableCondition
	default:
		return "", fmt.Errorf("%w: matches %v", ErrAmbiguousCondition, matches)
	}
}

func clonePropertyConditions(in []PropertyCondition) []PropertyCondition {
	if in == nil {
		return nil
	}
	out := make([]PropertyCondition, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// CloneValue deep copies a decoded JSON value (scalars, lists, objects)
func CloneValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case []float64:
		return append([]float64(nil), val...)
	case []string:
		return append([]string(nil), val...)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}
