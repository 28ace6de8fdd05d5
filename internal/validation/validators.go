package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode"

	"github.com/benvon/cohort-tags/internal/models"
	"github.com/go-playground/validator/v10"
)

var (
	// Validate is a shared validator instance
	Validate *validator.Validate

	tagNamePattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9 _-]*$`)
	tagColorPattern  = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
	projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)
)

func init() {
	Validate = validator.New()

	// Report JSON names so field errors line up with the persisted document
	Validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	validators := map[string]validator.Func{
		"tag_category":          validateTagCategory,
		"tag_behavior":          validateTagBehavior,
		"tag_color":             validateTagColor,
		"tag_name":              validateTagName,
		"rule_type":             validateRuleType,
		"rule_logic":            validateRuleLogic,
		"rule_operator":         validateRuleOperator,
		"occurrence":            validateOccurrence,
		"association_condition": validateAssociationCondition,
	}
	// These should never fail in normal operation
	for name, fn := range validators {
		if err := Validate.RegisterValidation(name, fn); err != nil {
			panic(fmt.Sprintf("failed to register %s validator: %v", name, err))
		}
	}
}

// validateTagCategory validates that a string is a valid TagCategory enum value
func validateTagCategory(fl validator.FieldLevel) bool {
	switch models.TagCategory(fl.Field().String()) {
	case models.TagCategoryOrigin, models.TagCategoryBehavior, models.TagCategoryOpportunity:
		return true
	default:
		return false
	}
}

// validateTagBehavior validates that a string is a valid TagBehavior enum value
func validateTagBehavior(fl validator.FieldLevel) bool {
	switch models.TagBehavior(fl.Field().String()) {
	case models.TagBehaviorSetOnce, models.TagBehaviorDynamic, models.TagBehaviorEvolving:
		return true
	default:
		return false
	}
}

func validateTagColor(fl validator.FieldLevel) bool {
	return tagColorPattern.MatchString(fl.Field().String())
}

func validateTagName(fl validator.FieldLevel) bool {
	return tagNamePattern.MatchString(fl.Field().String())
}

func validateRuleType(fl validator.FieldLevel) bool {
	return isConditionType(models.ConditionType(fl.Field().String()))
}

func validateRuleLogic(fl validator.FieldLevel) bool {
	switch models.RuleLogic(fl.Field().String()) {
	case models.RuleLogicAnd, models.RuleLogicOr:
		return true
	default:
		return false
	}
}

func validateRuleOperator(fl validator.FieldLevel) bool {
	return models.Operator(fl.Field().String()).IsValid()
}

func validateOccurrence(fl validator.FieldLevel) bool {
	switch models.Occurrence(fl.Field().String()) {
	case models.OccurrenceHasOccurred, models.OccurrenceHasNotOccurred, models.OccurrenceCount:
		return true
	default:
		return false
	}
}

func validateAssociationCondition(fl validator.FieldLevel) bool {
	switch models.AssociationConditionType(fl.Field().String()) {
	case models.AssociationHasAny, models.AssociationHasNone, models.AssociationCount:
		return true
	default:
		return false
	}
}

func isConditionType(t models.ConditionType) bool {
	for _, ct := range models.ConditionTypes {
		if ct == t {
			return true
		}
	}
	return false
}

// SanitizeText sanitizes text input by trimming whitespace and removing control characters
func SanitizeText(text string) string {
	text = strings.TrimSpace(text)

	var sanitized strings.Builder
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		sanitized.WriteRune(r)
	}

	return sanitized.String()
}

// ValidateProjectID checks a project id taken from a URL or command line. Ids are
// used in storage keys, so only a conservative character set is accepted.
func ValidateProjectID(id string) error {
	if id == "" {
		return errors.New("project id is required")
	}
	if !projectIDPattern.MatchString(id) {
		return fmt.Errorf("invalid project id %q: use up to 64 letters, digits, '.', '_' or '-'", truncate(id, 80))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// enumMessages describes the accepted values for each custom validator
var enumMessages = map[string]string{
	"tag_category":          "must be one of origin, behavior, opportunity",
	"tag_behavior":          "must be one of set_once, dynamic, evolving",
	"tag_color":             "must be a 6-digit hex color such as #1A2B3C",
	"tag_name":              "must start with a letter and contain only letters, digits, spaces, underscores or hyphens",
	"rule_type":             "must be one of property, activity, association, score",
	"rule_logic":            "must be AND or OR",
	"rule_operator":         "is not a supported operator",
	"occurrence":            "must be one of has_occurred, has_not_occurred, count",
	"association_condition": "must be one of has_any, has_none, count",
}

// structErrors validates v with the shared validator and converts failures to
// field errors rooted at prefix
func structErrors(v any, prefix string) []FieldError {
	err := Validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Field: prefix, Kind: KindStructural, Code: "invalid", Message: err.Error()}}
	}

	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		field = joinPath(prefix, field)
		out = append(out, FieldError{
			Field:   field,
			Kind:    KindStructural,
			Code:    fe.Tag(),
			Message: describeFieldError(field, fe),
		})
	}
	return out
}

func describeFieldError(field string, fe validator.FieldError) string {
	if msg, ok := enumMessages[fe.Tag()]; ok {
		return field + " " + msg
	}
	unit := ""
	if fe.Kind() == reflect.String {
		unit = " characters"
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s%s", field, fe.Param(), unit)
	case "max":
		return fmt.Sprintf("%s must be at most %s%s", field, fe.Param(), unit)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

func joinPath(prefix, field string) string {
	switch {
	case prefix == "":
		return field
	case field == "":
		return prefix
	default:
		return prefix + "." + field
	}
}
