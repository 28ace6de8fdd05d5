package validation

import (
	"testing"

	"github.com/benvon/cohort-tags/internal/models"
)

func repeatProperty(n int) []models.RuleCondition {
	out := make([]models.RuleCondition, n)
	for i := range out {
		out[i] = models.NewPropertyCondition(models.PropertyCondition{Object: "member", Field: "age", Operator: models.OperatorGreaterThan, Value: float64(i)})
	}
	return out
}

func TestAnalyzeComplexity(t *testing.T) {
	t.Parallel()

	filtered := models.NewActivityCondition(models.ActivityCondition{
		EventType:  "card_swipe",
		Occurrence: models.OccurrenceHasOccurred,
		Filters: []models.PropertyCondition{
			{Object: "transaction", Field: "amount", Operator: models.OperatorGreaterThan, Value: float64(1)},
			{Object: "transaction", Field: "amount", Operator: models.OperatorLessThan, Value: float64(100)},
		},
	})

	tests := []struct {
		name       string
		conditions []models.RuleCondition
		wantCount  int
		wantDepth  int
		wantWeight int
		wantScore  int
		wantLevel  ComplexityLevel
	}{
		{"empty", nil, 0, 0, 0, 0, ComplexityLow},
		{"one condition", repeatProperty(1), 1, 0, 1, 5, ComplexityLow},
		{"six conditions", repeatProperty(6), 6, 0, 6, 30, ComplexityLow},
		{"seven conditions", repeatProperty(7), 7, 0, 7, 35, ComplexityMedium},
		{"nested filters", []models.RuleCondition{filtered}, 3, 1, 5, 25, ComplexityLow},
		{"thirteen conditions", repeatProperty(13), 13, 0, 13, 65, ComplexityMedium},
		{"fourteen conditions", repeatProperty(14), 14, 0, 14, 70, ComplexityHigh},
		{"capped", repeatProperty(40), 40, 0, 40, 100, ComplexityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := AnalyzeComplexity(models.QualificationRules{RuleType: models.ConditionTypeProperty, Logic: models.RuleLogicAnd, Conditions: tt.conditions})
			if got.ConditionCount != tt.wantCount {
				t.Errorf("Expected count %d, got %d", tt.wantCount, got.ConditionCount)
			}
			if got.NestingDepth != tt.wantDepth {
				t.Errorf("Expected depth %d, got %d", tt.wantDepth, got.NestingDepth)
			}
			if got.Weight != tt.wantWeight {
				t.Errorf("Expected weight %d, got %d", tt.wantWeight, got.Weight)
			}
			if got.Score != tt.wantScore {
				t.Errorf("Expected score %d, got %d", tt.wantScore, got.Score)
			}
			if got.Level != tt.wantLevel {
				t.Errorf("Expected level %s, got %s", tt.wantLevel, got.Level)
			}
		})
	}
}

func TestAnalyzeComplexity_NeverBlocksValidation(t *testing.T) {
	t.Parallel()

	tag := propertyTag("p", "Very Complex")
	tag.QualificationRules.Conditions = repeatProperty(30)

	res := ValidateTag(tag, testContext())
	if !res.Valid {
		t.Errorf("Expected high complexity to stay advisory, got %+v", res.Errors)
	}
	if res.Complexity == nil || res.Complexity.Level != ComplexityHigh {
		t.Errorf("Expected high complexity attached to the result, got %+v", res.Complexity)
	}
}
