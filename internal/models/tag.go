package models

import (
	"reflect"
	"strings"
	"time"
)

// TagCategory groups tags by the kind of signal they describe
type TagCategory string

const (
	TagCategoryOrigin      TagCategory = "origin"
	TagCategoryBehavior    TagCategory = "behavior"
	TagCategoryOpportunity TagCategory = "opportunity"
)

// TagBehavior describes how a tag assignment evolves once a member qualifies
type TagBehavior string

const (
	TagBehaviorSetOnce  TagBehavior = "set_once"
	TagBehaviorDynamic  TagBehavior = "dynamic"
	TagBehaviorEvolving TagBehavior = "evolving"
)

// CollectionKind names the half of a project's tag document a tag lives in
type CollectionKind string

const (
	CollectionLibrary CollectionKind = "library"
	CollectionCustom  CollectionKind = "custom"
)

// Tag is a named segmentation label with an attached qualification rule
type Tag struct {
	ID                 string             `json:"id" validate:"required,max=64"`
	Name               string             `json:"name" validate:"required,min=2,max=100,tag_name"`
	Category           TagCategory        `json:"category" validate:"required,tag_category"`
	Description        string             `json:"description" validate:"required,min=10,max=500"`
	Icon               string             `json:"icon" validate:"required,max=64"`
	Color              string             `json:"color" validate:"required,tag_color"`
	Behavior           TagBehavior        `json:"behavior" validate:"required,tag_behavior"`
	IsPermanent        bool               `json:"isPermanent"`
	QualificationRules QualificationRules `json:"qualificationRules"`
	Dependencies       []string           `json:"dependencies"`
	IsCustom           bool               `json:"isCustom"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// Clone returns a deep copy of the tag. Snapshots taken for rollback must never
// share slices or condition values with the live working set.
func (t Tag) Clone() Tag {
	out := t
	out.QualificationRules = t.QualificationRules.Clone()
	if t.Dependencies != nil {
		out.Dependencies = append([]string(nil), t.Dependencies...)
	}
	return out
}

// DependsOn reports whether id is one of the tag's direct dependencies
func (t Tag) DependsOn(id string) bool {
	for _, dep := range t.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// WithoutDependency returns a copy of the tag with id removed from its dependencies
func (t Tag) WithoutDependency(id string) Tag {
	out := t.Clone()
	deps := out.Dependencies[:0]
	for _, dep := range out.Dependencies {
		if dep != id {
			deps = append(deps, dep)
		}
	}
	out.Dependencies = deps
	return out
}

// SameContent reports whether two tags are equal ignoring UpdatedAt
func SameContent(a, b Tag) bool {
	a = a.Clone()
	b = b.Clone()
	a.UpdatedAt = time.Time{}
	b.UpdatedAt = time.Time{}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}
	a.CreatedAt = time.Time{}
	b.CreatedAt = time.Time{}
	if len(a.Dependencies) == 0 {
		a.Dependencies = nil
	}
	if len(b.Dependencies) == 0 {
		b.Dependencies = nil
	}
	if len(a.QualificationRules.Conditions) == 0 {
		a.QualificationRules.Conditions = nil
	}
	if len(b.QualificationRules.Conditions) == 0 {
		b.QualificationRules.Conditions = nil
	}
	return reflect.DeepEqual(a, b)
}

// TagPatch carries the mutable attributes of a tag. Nil fields are left unchanged.
type TagPatch struct {
	Name               *string             `json:"name,omitempty"`
	Category           *TagCategory        `json:"category,omitempty"`
	Description        *string             `json:"description,omitempty"`
	Icon               *string             `json:"icon,omitempty"`
	Color              *string             `json:"color,omitempty"`
	Behavior           *TagBehavior        `json:"behavior,omitempty"`
	IsPermanent        *bool               `json:"isPermanent,omitempty"`
	QualificationRules *QualificationRules `json:"qualificationRules,omitempty"`
	Dependencies       *[]string           `json:"dependencies,omitempty"`
}

// IsEmpty reports whether the patch changes nothing
func (p TagPatch) IsEmpty() bool {
	return p == TagPatch{}
}

// Apply returns a new tag with the patch applied. The input is not modified.
func (p TagPatch) Apply(t Tag) Tag {
	out := t.Clone()
	if p.Name != nil {
		out.Name = strings.TrimSpace(*p.Name)
	}
	if p.Category != nil {
		out.Category = *p.Category
	}
	if p.Description != nil {
		out.Description = strings.TrimSpace(*p.Description)
	}
	if p.Icon != nil {
		out.Icon = *p.Icon
	}
	if p.Color != nil {
		out.Color = *p.Color
	}
	if p.Behavior != nil {
		out.Behavior = *p.Behavior
	}
	if p.IsPermanent != nil {
		out.IsPermanent = *p.IsPermanent
	}
	if p.QualificationRules != nil {
		out.QualificationRules = p.QualificationRules.Clone()
	}
	if p.Dependencies != nil {
		out.Dependencies = append([]string{}, (*p.Dependencies)...)
	}
	return out
}

// ChangesRuleType reports whether applying the patch to t switches its rule type,
// which discards the existing conditions.
func (p TagPatch) ChangesRuleType(t Tag) bool {
	return p.QualificationRules != nil && p.QualificationRules.RuleType != t.QualificationRules.RuleType
}

// TagCollection is the persisted tag document of one project
type TagCollection struct {
	Library []Tag `json:"library"`
	Custom  []Tag `json:"custom"`
}

// All returns library tags followed by custom tags
func (c TagCollection) All() []Tag {
	out := make([]Tag, 0, len(c.Library)+len(c.Custom))
	out = append(out, c.Library...)
	out = append(out, c.Custom...)
	return out
}

// Find returns the tag with the given id and the collection it belongs to
func (c TagCollection) Find(id string) (Tag, CollectionKind, bool) {
	for _, t := range c.Library {
		if t.ID == id {
			return t, CollectionLibrary, true
		}
	}
	for _, t := range c.Custom {
		if t.ID == id {
			return t, CollectionCustom, true
		}
	}
	return Tag{}, "", false
}

// KindOf returns the collection a tag belongs to based on its IsCustom flag
func KindOf(t Tag) CollectionKind {
	if t.IsCustom {
		return CollectionCustom
	}
	return CollectionLibrary
}
