package validation

import (
	"fmt"
	"strings"

	"github.com/benvon/cohort-tags/internal/models"
)

// Context is everything a tag is validated against
type Context struct {
	DataModel *models.DataModel
	Events    *models.EventCatalog
	// Tags is the full tag set of the project. The candidate may or may not be in it.
	Tags []models.Tag
}

// With returns a copy of the context with candidate substituted for the tag of
// the same id, or appended when the context does not yet contain it
func (c Context) With(candidate models.Tag) Context {
	tags := make([]models.Tag, 0, len(c.Tags)+1)
	replaced := false
	for _, t := range c.Tags {
		if t.ID == candidate.ID && candidate.ID != "" {
			tags = append(tags, candidate)
			replaced = true
			continue
		}
		tags = append(tags, t)
	}
	if !replaced {
		tags = append(tags, candidate)
	}
	c.Tags = tags
	return c
}

// Without returns a copy of the context with the tag of the given id removed
func (c Context) Without(id string) Context {
	tags := make([]models.Tag, 0, len(c.Tags))
	for _, t := range c.Tags {
		if t.ID != id {
			tags = append(tags, t)
		}
	}
	c.Tags = tags
	return c
}

// ValidateTag runs structural, referential, uniqueness and cycle checks on one tag.
// Failures are returned as data; a bad tag never produces a Go error or a panic.
func ValidateTag(tag models.Tag, ctx Context) Result {
	var errs []FieldError
	errs = append(errs, structErrors(tag, "")...)
	errs = append(errs, checkRules(tag.QualificationRules, ctx)...)
	errs = append(errs, checkDependencies(tag, ctx)...)
	errs = append(errs, checkUniqueness(tag, ctx)...)
	errs = append(errs, checkCycle(tag, ctx)...)

	res := newResult(errs, len(tag.QualificationRules.Conditions) > 0)
	complexity := AnalyzeComplexity(tag.QualificationRules)
	res.Complexity = &complexity
	return res
}

// ValidateClosure validates the candidate and every tag reachable through its
// dependencies, each against the context with the candidate substituted. A
// commit must not leave a half-broken reference graph behind.
func ValidateClosure(tag models.Tag, ctx Context) Result {
	ctx = ctx.With(tag)
	res := ValidateTag(tag, ctx)

	byID := make(map[string]models.Tag, len(ctx.Tags))
	for _, t := range ctx.Tags {
		byID[t.ID] = t
	}

	errs := res.Errors
	visited := map[string]bool{tag.ID: true}
	queue := append([]string(nil), tag.Dependencies...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		dep, ok := byID[id]
		if !ok {
			continue
		}
		for _, e := range ValidateTag(dep, ctx).Errors {
			// Cycles reachable from a dependency are reachable from the candidate
			if e.Kind == KindCycle {
				continue
			}
			e.TagID = dep.ID
			e.Message = fmt.Sprintf("dependency %s: %s", dep.Name, e.Message)
			errs = append(errs, e)
		}
		queue = append(queue, dep.Dependencies...)
	}

	out := newResult(errs, res.Complete)
	out.Complexity = res.Complexity
	return out
}

func checkDependencies(tag models.Tag, ctx Context) []FieldError {
	if len(tag.Dependencies) == 0 {
		return nil
	}
	known := make(map[string]bool, len(ctx.Tags)+1)
	for _, t := range ctx.Tags {
		known[t.ID] = true
	}
	known[tag.ID] = true

	var errs []FieldError
	for i, dep := range tag.Dependencies {
		if !known[dep] {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("dependencies[%d]", i),
				Kind:    KindReferential,
				Code:    "unknown_dependency",
				Message: fmt.Sprintf("dependency %q does not name a tag in this project", dep),
			})
		}
	}
	return errs
}

func checkUniqueness(tag models.Tag, ctx Context) []FieldError {
	name := strings.TrimSpace(tag.Name)
	if name == "" {
		return nil
	}
	for _, other := range ctx.Tags {
		if other.ID == tag.ID {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(other.Name), name) {
			return []FieldError{{
				Field:   "name",
				Kind:    KindUniqueness,
				Code:    "duplicate_name",
				Message: fmt.Sprintf("a tag named %q already exists", other.Name),
			}}
		}
	}
	return nil
}

func checkCycle(tag models.Tag, ctx Context) []FieldError {
	if len(tag.Dependencies) == 0 {
		return nil
	}
	path := newCycleFinder(ctx.With(tag).Tags).visit(tag.ID)
	if path == nil {
		return nil
	}
	return []FieldError{{
		Field:   "dependencies",
		Kind:    KindCycle,
		Code:    "cyclic_dependency",
		Message: "cyclic dependency: " + strings.Join(path, " -> "),
		Path:    path,
	}}
}
