package models

import (
	"testing"
	"time"
)

func TestTagPatch_ApplyIsPure(t *testing.T) {
	t.Parallel()

	original := sampleActivityTag()
	name := "  Renamed Swiper "
	deps := []string{"a", "b"}
	patch := TagPatch{Name: &name, Dependencies: &deps}

	updated := patch.Apply(original)

	if updated.Name != "Renamed Swiper" {
		t.Errorf("Expected trimmed name, got %q", updated.Name)
	}
	if original.Name != "Frequent Swiper" {
		t.Errorf("Expected input unchanged, got %q", original.Name)
	}
	if len(original.Dependencies) != 1 {
		t.Errorf("Expected input dependencies unchanged, got %v", original.Dependencies)
	}
	deps[0] = "mutated"
	if updated.Dependencies[0] != "a" {
		t.Errorf("Expected patch slice to be copied, got %v", updated.Dependencies)
	}
}

func TestTagPatch_IsEmpty(t *testing.T) {
	t.Parallel()

	if !(TagPatch{}).IsEmpty() {
		t.Error("Expected zero patch to be empty")
	}
	color := "#000000"
	if (TagPatch{Color: &color}).IsEmpty() {
		t.Error("Expected patch with color to be non-empty")
	}
}

func TestTagPatch_ChangesRuleType(t *testing.T) {
	t.Parallel()

	tag := sampleActivityTag()
	same := tag.QualificationRules
	other := same.WithRuleType(ConditionTypeScore)

	if (TagPatch{QualificationRules: &same}).ChangesRuleType(tag) {
		t.Error("Expected same rule type not to count as a change")
	}
	if !(TagPatch{QualificationRules: &other}).ChangesRuleType(tag) {
		t.Error("Expected score rules to change the rule type")
	}
	if (TagPatch{}).ChangesRuleType(tag) {
		t.Error("Expected empty patch not to change the rule type")
	}
}

func TestSameContent(t *testing.T) {
	t.Parallel()

	a := sampleActivityTag()

	b := a.Clone()
	b.UpdatedAt = b.UpdatedAt.Add(24 * time.Hour)
	if !SameContent(a, b) {
		t.Error("Expected tags differing only in updatedAt to have the same content")
	}

	c := a.Clone()
	c.Dependencies = nil
	a2 := a.Clone()
	a2.Dependencies = []string{}
	if !SameContent(a2, c) {
		t.Error("Expected nil and empty dependencies to compare equal")
	}

	d := a.Clone()
	d.Color = "#FFFFFF"
	if SameContent(a, d) {
		t.Error("Expected different colors to differ")
	}

	e := a.Clone()
	e.CreatedAt = e.CreatedAt.Add(time.Second)
	if SameContent(a, e) {
		t.Error("Expected different createdAt to differ")
	}
}

func TestTag_WithoutDependency(t *testing.T) {
	t.Parallel()

	tag := sampleActivityTag()
	tag.Dependencies = []string{"x", "y", "x"}

	out := tag.WithoutDependency("x")
	if len(out.Dependencies) != 1 || out.Dependencies[0] != "y" {
		t.Errorf("Expected [y], got %v", out.Dependencies)
	}
	if len(tag.Dependencies) != 3 {
		t.Errorf("Expected input unchanged, got %v", tag.Dependencies)
	}
	if !tag.DependsOn("y") || out.DependsOn("x") {
		t.Error("Expected DependsOn to reflect dependencies")
	}
}

func TestTagCollection_FindAndAll(t *testing.T) {
	t.Parallel()

	coll := TagCollection{
		Library: []Tag{{ID: "lib-1"}},
		Custom:  []Tag{{ID: "cus-1", IsCustom: true}},
	}

	all := coll.All()
	if len(all) != 2 || all[0].ID != "lib-1" || all[1].ID != "cus-1" {
		t.Errorf("Expected library then custom, got %v", all)
	}

	_, kind, ok := coll.Find("cus-1")
	if !ok || kind != CollectionCustom {
		t.Errorf("Expected custom tag, got %v %v", kind, ok)
	}
	if _, _, ok := coll.Find("missing"); ok {
		t.Error("Expected missing tag not to be found")
	}
	if KindOf(all[0]) != CollectionLibrary || KindOf(all[1]) != CollectionCustom {
		t.Error("Expected KindOf to follow IsCustom")
	}
}

func TestGroupWarnings(t *testing.T) {
	t.Parallel()

	early := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Minute)
	warnings := GroupWarnings([]QuarantinedRecord{
		{ID: "a", Type: CorruptionSchemaInvalid, DetectedAt: late},
		{ID: "b", Type: CorruptionSchemaInvalid, DetectedAt: early},
		{ID: "c", Type: CorruptionCyclicDependency, DetectedAt: late},
	})

	if len(warnings) != 2 {
		t.Fatalf("Expected 2 warnings, got %d", len(warnings))
	}
	if warnings[0].Type != CorruptionCyclicDependency || warnings[0].Count != 1 {
		t.Errorf("Expected 1 cyclic warning first, got %+v", warnings[0])
	}
	if warnings[1].Type != CorruptionSchemaInvalid || warnings[1].Count != 2 {
		t.Errorf("Expected 2 schema warnings, got %+v", warnings[1])
	}
	if !warnings[1].DetectedAt.Equal(early) {
		t.Errorf("Expected earliest detection time, got %v", warnings[1].DetectedAt)
	}
	if len(GroupWarnings(nil)) != 0 {
		t.Error("Expected no warnings for no records")
	}
}
