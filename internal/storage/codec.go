package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/benvon/cohort-tags/internal/models"
)

// RawCollection is a project's tag document with every record kept as the exact
// bytes read from storage. A record that no longer decodes survives a load untouched.
type RawCollection struct {
	Library []json.RawMessage `json:"library"`
	Custom  []json.RawMessage `json:"custom"`
}

// Len returns the number of records in both collections
func (c *RawCollection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Library) + len(c.Custom)
}

// Records returns a pointer to the record slice of the given kind
func (c *RawCollection) Records(kind models.CollectionKind) *[]json.RawMessage {
	if kind == models.CollectionCustom {
		return &c.Custom
	}
	return &c.Library
}

// Append adds a record to the collection of the given kind
func (c *RawCollection) Append(kind models.CollectionKind, raw json.RawMessage) {
	recs := c.Records(kind)
	*recs = append(*recs, raw)
}

// Clone returns a deep copy of the collection
func (c *RawCollection) Clone() *RawCollection {
	if c == nil {
		return &RawCollection{}
	}
	out := &RawCollection{
		Library: make([]json.RawMessage, len(c.Library)),
		Custom:  make([]json.RawMessage, len(c.Custom)),
	}
	for i, r := range c.Library {
		out.Library[i] = append(json.RawMessage(nil), r...)
	}
	for i, r := range c.Custom {
		out.Custom[i] = append(json.RawMessage(nil), r...)
	}
	return out
}

// tagFields drops the Tag method set so the wire struct can shadow the timestamps
type tagFields models.Tag

// tagRecord is the at-rest form of a tag: timestamps are ISO-8601 strings in UTC
type tagRecord struct {
	*tagFields
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z07:00", "2006-01-02"}

// EncodeTag converts a tag to its persisted representation
func EncodeTag(t models.Tag) (json.RawMessage, error) {
	fields := tagFields(t)
	if fields.Dependencies == nil {
		fields.Dependencies = []string{}
	}
	if fields.QualificationRules.Conditions == nil {
		fields.QualificationRules.Conditions = []models.RuleCondition{}
	}
	rec := tagRecord{
		tagFields: &fields,
		CreatedAt: formatTime(t.CreatedAt),
		UpdatedAt: formatTime(t.UpdatedAt),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tag %s: %w", t.ID, err)
	}
	return data, nil
}

// DecodeTag converts a persisted record back to a tag
func DecodeTag(raw json.RawMessage) (models.Tag, error) {
	var fields tagFields
	rec := tagRecord{tagFields: &fields}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.Tag{}, fmt.Errorf("failed to decode tag: %w", err)
	}
	created, err := parseTime(rec.CreatedAt)
	if err != nil {
		return models.Tag{}, fmt.Errorf("failed to decode createdAt: %w", err)
	}
	updated, err := parseTime(rec.UpdatedAt)
	if err != nil {
		return models.Tag{}, fmt.Errorf("failed to decode updatedAt: %w", err)
	}
	tag := models.Tag(fields)
	tag.CreatedAt = created
	tag.UpdatedAt = updated
	return tag, nil
}

// PeekIdentity extracts the id and name of a record without decoding it fully,
// so a record that fails to decode can still be reported
func PeekIdentity(raw json.RawMessage) (id, name string) {
	var ident struct {
		ID   any `json:"id"`
		Name any `json:"name"`
	}
	if err := json.Unmarshal(raw, &ident); err != nil {
		return "", ""
	}
	if s, ok := ident.ID.(string); ok {
		id = s
	} else if ident.ID != nil {
		id = fmt.Sprint(ident.ID)
	}
	if s, ok := ident.Name.(string); ok {
		name = s
	}
	return id, name
}

// EncodeCollection builds a raw collection from decoded tags
func EncodeCollection(coll models.TagCollection) (*RawCollection, error) {
	out := &RawCollection{Library: []json.RawMessage{}, Custom: []json.RawMessage{}}
	for _, t := range coll.Library {
		raw, err := EncodeTag(t)
		if err != nil {
			return nil, err
		}
		out.Library = append(out.Library, raw)
	}
	for _, t := range coll.Custom {
		raw, err := EncodeTag(t)
		if err != nil {
			return nil, err
		}
		out.Custom = append(out.Custom, raw)
	}
	return out, nil
}

func encodeDocument(c *RawCollection) ([]byte, error) {
	doc := RawCollection{Library: []json.RawMessage{}, Custom: []json.RawMessage{}}
	if c != nil {
		doc.Library = append(doc.Library, c.Library...)
		doc.Custom = append(doc.Custom, c.Custom...)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tag document: %w", err)
	}
	return data, nil
}

func decodeDocument(data []byte) (*RawCollection, error) {
	out := &RawCollection{Library: []json.RawMessage{}, Custom: []json.RawMessage{}}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to decode tag document: %w", err)
	}
	if out.Library == nil {
		out.Library = []json.RawMessage{}
	}
	if out.Custom == nil {
		out.Custom = []json.RawMessage{}
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
