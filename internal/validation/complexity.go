package validation

import "github.com/benvon/cohort-tags/internal/models"

// ComplexityLevel is the advisory band of a complexity score
type ComplexityLevel string

const (
	ComplexityLow    ComplexityLevel = "low"
	ComplexityMedium ComplexityLevel = "medium"
	ComplexityHigh   ComplexityLevel = "high"
)

const (
	pointsPerWeight = 5
	maxScore        = 100
)

// Complexity is an advisory measure of how hard a rule is to reason about.
// It never blocks a save.
type Complexity struct {
	Score          int             `json:"score"`
	Level          ComplexityLevel `json:"level"`
	ConditionCount int             `json:"conditionCount"`
	NestingDepth   int             `json:"nestingDepth"`
	Weight         int             `json:"weight"`
}

// AnalyzeComplexity scores a rule set. Weight is the number of conditions,
// nested filters included, plus two per nesting level.
func AnalyzeComplexity(rules models.QualificationRules) Complexity {
	count := 0
	depth := 0
	for _, c := range rules.Conditions {
		count++
		if filters := c.NestedFilters(); len(filters) > 0 {
			count += len(filters)
			depth = 1
		}
	}

	weight := count + 2*depth
	score := weight * pointsPerWeight
	if score > maxScore {
		score = maxScore
	}

	return Complexity{
		Score:          score,
		Level:          levelFor(score),
		ConditionCount: count,
		NestingDepth:   depth,
		Weight:         weight,
	}
}

func levelFor(score int) ComplexityLevel {
	switch {
	case score <= 33:
		return ComplexityLow
	case score <= 66:
		return ComplexityMedium
	default:
		return ComplexityHigh
	}
}
