package repository

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/benvon/cohort-tags/internal/validation"
)

// ErrLibraryTagNotFound is returned when importing an id the tag library does not define
var ErrLibraryTagNotFound = errors.New("library tag not found")

// DependencyConflictError blocks deleting a tag other tags still depend on
type DependencyConflictError struct {
	TagID      string
	Dependents []string
}

// Error implements the error interface
func (e *DependencyConflictError) Error() string {
	return fmt.Sprintf("tag %s is a dependency of %d tag(s): %s", e.TagID, len(e.Dependents), strings.Join(e.Dependents, ", "))
}

// BatchValidationError lists the tags of an aggregate write that failed validation
type BatchValidationError struct {
	Results map[string]validation.Result
}

// Error implements the error interface
func (e *BatchValidationError) Error() string {
	return fmt.Sprintf("%d tag(s) failed validation: %s", len(e.Results), strings.Join(e.IDs(), ", "))
}

// IDs returns the ids of the failing tags, sorted
func (e *BatchValidationError) IDs() []string {
	ids := make([]string, 0, len(e.Results))
	for id := range e.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
