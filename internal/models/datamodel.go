package models

import "strings"

// FieldType is the data type of an entity field
type FieldType string

const (
	FieldTypeText    FieldType = "text"
	FieldTypeNumber  FieldType = "number"
	FieldTypeDate    FieldType = "date"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeEnum    FieldType = "enum"
)

// IsValid reports whether t is a known field type
func (t FieldType) IsValid() bool {
	switch t {
	case FieldTypeText, FieldTypeNumber, FieldTypeDate, FieldTypeBoolean, FieldTypeEnum:
		return true
	}
	return false
}

// Field is a typed attribute of a data model entity
type Field struct {
	Name    string    `json:"name"`
	Label   string    `json:"label"`
	Type    FieldType `json:"type"`
	Options []string  `json:"options,omitempty"`
}

// HasOption reports whether v is one of the field's enum options.
// Fields without declared options accept any value.
func (f Field) HasOption(v string) bool {
	if len(f.Options) == 0 {
		return true
	}
	for _, o := range f.Options {
		if o == v {
			return true
		}
	}
	return false
}

// Entity is an object type property rules can reference
type Entity struct {
	Name   string  `json:"name"`
	Label  string  `json:"label"`
	Fields []Field `json:"fields"`
}

// DataModel is the set of entities and fields available to property rules
type DataModel struct {
	Entities []Entity `json:"entities"`
}

// HasEntity reports whether the data model defines an entity with the given name
func (m *DataModel) HasEntity(name string) bool {
	_, ok := m.Entity(name)
	return ok
}

// Entity returns the entity with the given name
func (m *DataModel) Entity(name string) (Entity, bool) {
	if m == nil {
		return Entity{}, false
	}
	for _, e := range m.Entities {
		if e.Name == name {
			return e, true
		}
	}
	return Entity{}, false
}

// LookupField returns the field of object with the given name
func (m *DataModel) LookupField(object, field string) (Field, bool) {
	e, ok := m.Entity(object)
	if !ok {
		return Field{}, false
	}
	for _, f := range e.Fields {
		if f.Name == field {
			return f, true
		}
	}
	return Field{}, false
}

// EventType is a kind of member activity recorded by the platform
type EventType struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
}

// EventCatalog lists the event types activity rules can reference
type EventCatalog struct {
	Events []EventType `json:"events"`
}

// Has reports whether the catalog defines the event type
func (c *EventCatalog) Has(name string) bool {
	if c == nil {
		return false
	}
	for _, e := range c.Events {
		if e.Name == name {
			return true
		}
	}
	return false
}

// DisplayName returns the human label of an event type, falling back to a
// prettified form of the name when the catalog does not know it
func (c *EventCatalog) DisplayName(name string) string {
	if c != nil {
		for _, e := range c.Events {
			if e.Name == name && e.DisplayName != "" {
				return e.DisplayName
			}
		}
	}
	return strings.ReplaceAll(name, "_", " ")
}
