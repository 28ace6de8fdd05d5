package validation

import (
	"fmt"
	"strings"

	"github.com/benvon/cohort-tags/internal/models"
)

// ErrorKind classifies a validation failure
type ErrorKind string

const (
	KindStructural  ErrorKind = "structural"
	KindReferential ErrorKind = "referential"
	KindUniqueness  ErrorKind = "uniqueness"
	KindCycle       ErrorKind = "cycle"
)

// FieldError is a single field-scoped validation failure
type FieldError struct {
	// Field is the JSON path of the offending value, e.g. qualificationRules.conditions[0].value
	Field   string    `json:"field"`
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	// TagID names the tag the error belongs to when validating a dependency closure
	TagID string `json:"tagId,omitempty"`
	// Path is the dependency cycle, first node repeated at the end
	Path []string `json:"path,omitempty"`
}

// Result is the outcome of validating one tag or a closure of tags
type Result struct {
	Valid bool `json:"valid"`
	// Complete is false when the rule has no conditions yet. Drafts persist.
	Complete   bool         `json:"complete"`
	Errors     []FieldError `json:"errors"`
	Complexity *Complexity  `json:"complexity,omitempty"`
}

func newResult(errs []FieldError, complete bool) Result {
	if errs == nil {
		errs = []FieldError{}
	}
	return Result{Valid: len(errs) == 0, Complete: complete, Errors: errs}
}

// HasKind reports whether any error is of kind k
func (r Result) HasKind(k ErrorKind) bool {
	for _, e := range r.Errors {
		if e.Kind == k {
			return true
		}
	}
	return false
}

// ErrorsFor returns the errors reported against field
func (r Result) ErrorsFor(field string) []FieldError {
	var out []FieldError
	for _, e := range r.Errors {
		if e.Field == field {
			out = append(out, e)
		}
	}
	return out
}

// Fields returns the distinct fields with errors, in report order
func (r Result) Fields() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range r.Errors {
		if !seen[e.Field] {
			seen[e.Field] = true
			out = append(out, e.Field)
		}
	}
	return out
}

// Messages returns every error message
func (r Result) Messages() []string {
	out := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		out[i] = e.Message
	}
	return out
}

// CorruptionType maps the most severe error kind to the quarantine classification
func (r Result) CorruptionType() models.CorruptionType {
	switch {
	case r.HasKind(KindStructural):
		return models.CorruptionSchemaInvalid
	case r.HasKind(KindReferential):
		return models.CorruptionUnknownReference
	case r.HasKind(KindCycle):
		return models.CorruptionCyclicDependency
	default:
		return models.CorruptionDuplicateName
	}
}

// ValidationError wraps a failed Result so it can travel through error returns
type ValidationError struct {
	Result Result
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if len(e.Result.Errors) == 0 {
		return "validation failed"
	}
	msg := "validation failed: " + e.Result.Errors[0].Message
	if n := len(e.Result.Errors) - 1; n > 0 {
		msg += fmt.Sprintf(" (and %d more)", n)
	}
	return msg
}

// Summary joins every error message on one line
func (e *ValidationError) Summary() string {
	return strings.Join(e.Result.Messages(), "; ")
}
