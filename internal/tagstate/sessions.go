package tagstate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/benvon/cohort-tags/internal/logger"
)

// Sessions hands out one Store per project, loading it on first use
type Sessions struct {
	repo Repository
	opts Options

	mu     sync.Mutex
	stores map[string]*sessionEntry
}

type sessionEntry struct {
	store  *Store
	once   sync.Once
	loaded bool
	err    error
}

// NewSessions creates a session manager whose stores share opts
func NewSessions(repo Repository, opts Options) *Sessions {
	return &Sessions{repo: repo, opts: opts, stores: make(map[string]*sessionEntry)}
}

// Get returns the store of projectID, loading it the first time it is requested.
// A failed first load is retried by the next call.
func (m *Sessions) Get(ctx context.Context, projectID string) (*Store, error) {
	m.mu.Lock()
	entry, ok := m.stores[projectID]
	if !ok {
		entry = &sessionEntry{store: NewStore(projectID, m.repo, m.opts)}
		m.stores[projectID] = entry
	}
	m.mu.Unlock()

	entry.once.Do(func() {
		entry.err = entry.store.Load(ctx)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.err != nil {
		if m.stores[projectID] == entry {
			delete(m.stores, projectID)
		}
		return nil, entry.err
	}
	entry.loaded = true
	return entry.store, nil
}

// Projects returns the ids of the open sessions
func (m *Sessions) Projects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.stores))
	for id, e := range m.stores {
		if e.loaded {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SaveAll writes every open session that has unsaved edits. It is used on
// shutdown, which is not a user action: sessions with quarantined records are
// not written, and their unsaved drafts are reported in the returned error.
func (m *Sessions) SaveAll(ctx context.Context) error {
	m.mu.Lock()
	stores := make([]*Store, 0, len(m.stores))
	for _, e := range m.stores {
		if e.loaded {
			stores = append(stores, e.store)
		}
	}
	m.mu.Unlock()
	sort.Slice(stores, func(i, j int) bool { return stores[i].ProjectID() < stores[j].ProjectID() })

	var errs []error
	for _, s := range stores {
		if s.AutoSaveSuspended() {
			if dirty := s.Status().Dirty; len(dirty) > 0 {
				errs = append(errs, fmt.Errorf("project %s: %d unsaved draft(s) not written: %w",
					logger.SanitizeProjectID(s.ProjectID()), len(dirty), ErrCorruptionOutstanding))
			}
			continue
		}
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("project %s: %w", logger.SanitizeProjectID(s.ProjectID()), err))
		}
	}
	return errors.Join(errs...)
}

// Close stops every session's auto-save timer
func (m *Sessions) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.stores {
		e.store.Close()
	}
}
