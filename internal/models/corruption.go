package models

import (
	"encoding/json"
	"sort"
	"time"
)

// CorruptionType classifies why a persisted record was quarantined
type CorruptionType string

const (
	CorruptionSchemaInvalid    CorruptionType = "schema_invalid"
	CorruptionUnknownReference CorruptionType = "unknown_reference"
	CorruptionDuplicateName    CorruptionType = "duplicate_name"
	CorruptionCyclicDependency CorruptionType = "cyclic_dependency"
)

// CorruptionWarning is a grouped count of quarantined records of one type
type CorruptionWarning struct {
	Type       CorruptionType `json:"type"`
	Count      int            `json:"count"`
	DetectedAt time.Time      `json:"detectedAt"`
}

// QuarantinedRecord is a persisted tag that failed validation on load. Raw holds
// the exact bytes read from storage so the record can be written back unchanged.
type QuarantinedRecord struct {
	ID         string          `json:"id"`
	Name       string          `json:"name,omitempty"`
	Collection CollectionKind  `json:"collection"`
	Type       CorruptionType  `json:"type"`
	Reasons    []string        `json:"reasons"`
	Raw        json.RawMessage `json:"raw"`
	DetectedAt time.Time       `json:"detectedAt"`
}

// Clone returns a deep copy of the record
func (r QuarantinedRecord) Clone() QuarantinedRecord {
	out := r
	out.Reasons = append([]string(nil), r.Reasons...)
	out.Raw = append(json.RawMessage(nil), r.Raw...)
	return out
}

// GroupWarnings folds quarantined records into one warning per corruption type.
// DetectedAt is the earliest detection time in each group.
func GroupWarnings(records []QuarantinedRecord) []CorruptionWarning {
	byType := make(map[CorruptionType]*CorruptionWarning)
	for _, r := range records {
		w, ok := byType[r.Type]
		if !ok {
			w = &CorruptionWarning{Type: r.Type, DetectedAt: r.DetectedAt}
			byType[r.Type] = w
		}
		w.Count++
		if r.DetectedAt.Before(w.DetectedAt) {
			w.DetectedAt = r.DetectedAt
		}
	}

	out := make([]CorruptionWarning, 0, len(byType))
	for _, w := range byType {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
