package tagstate

import (
	"sort"

	"github.com/benvon/cohort-tags/internal/models"
	"github.com/benvon/cohort-tags/internal/repository"
)

// state is the working set of one project session. It is only changed by reduce.
type state struct {
	tags []models.Tag
	// committed is the last value storage confirmed for each tag
	committed   map[string]models.Tag
	dirty       map[string]bool
	quarantined []models.QuarantinedRecord
	warnings    []models.CorruptionWarning
}

func newState() state {
	return state{
		tags:        []models.Tag{},
		committed:   map[string]models.Tag{},
		dirty:       map[string]bool{},
		quarantined: []models.QuarantinedRecord{},
		warnings:    []models.CorruptionWarning{},
	}
}

// Action is a change to the working set
type Action interface {
	actionName() string
}

// Loaded replaces the working set with a fresh load
type Loaded struct {
	Result *repository.LoadResult
}

// TagAdded appends a tag, or replaces one with the same id
type TagAdded struct {
	Tag       models.Tag
	Committed bool
}

// TagReplaced swaps in a new value for an existing tag. Committed values also
// become the rollback point and clear the dirty mark when they match the current
// value.
type TagReplaced struct {
	Tag       models.Tag
	Committed bool
	Dirty     bool
}

// TagRemoved drops a tag from the working set, and from the committed set once
// storage confirmed the delete
type TagRemoved struct {
	ID        string
	Committed bool
}

// TagRestored puts a snapshot back at its original position. A nil Prev removes
// the tag, undoing an optimistic add.
type TagRestored struct {
	ID    string
	Prev  *models.Tag
	Index int
}

// QuarantineCleared drops records from quarantine. With First set only the
// first record of each id is dropped.
type QuarantineCleared struct {
	IDs   []string
	First bool
}

// QuarantineRestored puts records back into quarantine
type QuarantineRestored struct {
	Records []models.QuarantinedRecord
}

func (Loaded) actionName() string             { return "loaded" }
func (TagAdded) actionName() string           { return "tag_added" }
func (TagReplaced) actionName() string        { return "tag_replaced" }
func (TagRemoved) actionName() string         { return "tag_removed" }
func (TagRestored) actionName() string        { return "tag_restored" }
func (QuarantineCleared) actionName() string  { return "quarantine_cleared" }
func (QuarantineRestored) actionName() string { return "quarantine_restored" }

// reduce applies a to s. Values are cloned on the way in so callers keep no
// aliases into the working set.
func reduce(s state, a Action) state {
	switch a := a.(type) {
	case Loaded:
		next := newState()
		if a.Result == nil {
			return next
		}
		for _, t := range a.Result.Tags() {
			next.tags = append(next.tags, t.Clone())
			next.committed[t.ID] = t.Clone()
		}
		for _, q := range a.Result.Quarantined {
			next.quarantined = append(next.quarantined, q.Clone())
		}
		next.warnings = models.GroupWarnings(next.quarantined)
		return next

	case TagAdded:
		if i := indexOf(s.tags, a.Tag.ID); i >= 0 {
			s.tags[i] = a.Tag.Clone()
		} else {
			s.tags = append(s.tags, a.Tag.Clone())
		}
		if a.Committed {
			s.committed[a.Tag.ID] = a.Tag.Clone()
			delete(s.dirty, a.Tag.ID)
		}

	case TagReplaced:
		i := indexOf(s.tags, a.Tag.ID)
		if i < 0 {
			return s
		}
		s.tags[i] = a.Tag.Clone()
		if a.Committed {
			s.committed[a.Tag.ID] = a.Tag.Clone()
			delete(s.dirty, a.Tag.ID)
		}
		if a.Dirty {
			s.dirty[a.Tag.ID] = true
		}

	case TagRemoved:
		if i := indexOf(s.tags, a.ID); i >= 0 {
			s.tags = append(s.tags[:i:i], s.tags[i+1:]...)
		}
		delete(s.dirty, a.ID)
		if a.Committed {
			delete(s.committed, a.ID)
		}

	case TagRestored:
		i := indexOf(s.tags, a.ID)
		if a.Prev == nil {
			if i >= 0 {
				s.tags = append(s.tags[:i:i], s.tags[i+1:]...)
			}
			delete(s.dirty, a.ID)
			return s
		}
		prev := a.Prev.Clone()
		switch {
		case i >= 0:
			s.tags[i] = prev
		case a.Index >= 0 && a.Index <= len(s.tags):
			s.tags = append(s.tags[:a.Index:a.Index], append([]models.Tag{prev}, s.tags[a.Index:]...)...)
		default:
			s.tags = append(s.tags, prev)
		}
		if c, ok := s.committed[a.ID]; ok && models.SameContent(c, prev) {
			delete(s.dirty, a.ID)
		}

	case QuarantineCleared:
		drop := make(map[string]bool, len(a.IDs))
		for _, id := range a.IDs {
			drop[id] = true
		}
		kept := make([]models.QuarantinedRecord, 0, len(s.quarantined))
		for _, q := range s.quarantined {
			if !drop[q.ID] {
				kept = append(kept, q)
				continue
			}
			if a.First {
				delete(drop, q.ID)
			}
		}
		s.quarantined = kept
		s.warnings = models.GroupWarnings(kept)

	case QuarantineRestored:
		for _, q := range a.Records {
			s.quarantined = append(s.quarantined, q.Clone())
		}
		s.warnings = models.GroupWarnings(s.quarantined)
	}
	return s
}

func indexOf(tags []models.Tag, id string) int {
	for i, t := range tags {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func (s state) find(id string) (models.Tag, int, bool) {
	i := indexOf(s.tags, id)
	if i < 0 {
		return models.Tag{}, -1, false
	}
	return s.tags[i].Clone(), i, true
}

func (s state) snapshotTags() []models.Tag {
	out := make([]models.Tag, len(s.tags))
	for i, t := range s.tags {
		out[i] = t.Clone()
	}
	return out
}

func (s state) snapshotQuarantine() []models.QuarantinedRecord {
	out := make([]models.QuarantinedRecord, len(s.quarantined))
	for i, q := range s.quarantined {
		out[i] = q.Clone()
	}
	return out
}

// committedTags returns the last confirmed value of every tag, in working set
// order. Tags storage has not confirmed yet are left out.
func (s state) committedTags() []models.Tag {
	out := make([]models.Tag, 0, len(s.committed))
	seen := make(map[string]bool, len(s.tags))
	for _, t := range s.tags {
		if c, ok := s.committed[t.ID]; ok {
			out = append(out, c.Clone())
			seen[t.ID] = true
		}
	}
	rest := make([]string, 0, len(s.committed)-len(seen))
	for id := range s.committed {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		out = append(out, s.committed[id].Clone())
	}
	return out
}

func (s state) snapshotCommitted() map[string]models.Tag {
	out := make(map[string]models.Tag, len(s.committed))
	for id, t := range s.committed {
		out[id] = t.Clone()
	}
	return out
}
