// Package tagstate owns the in-memory working set of a project's tags. Mutations
// are applied optimistically, confirmed or rolled back against the repository,
// and draft edits are persisted by a debounced auto-save that is suspended while
// quarantined records are outstanding.
package tagstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benvon/cohort-tags/internal/logger"
	"github.com/benvon/cohort-tags/internal/metrics"
	"github.com/benvon/cohort-tags/internal/models"
	"github.com/benvon/cohort-tags/internal/repository"
	"github.com/benvon/cohort-tags/internal/storage"
	"github.com/benvon/cohort-tags/internal/validation"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultAutoSaveDelay is the debounce window between the last edit and a save
const DefaultAutoSaveDelay = 30 * time.Second

// MutationState is the lifecycle position of one mutation
type MutationState string

const (
	StateIdle              MutationState = "idle"
	StateOptimisticApplied MutationState = "optimistic_applied"
	StateCommitted         MutationState = "committed"
	StateRolledBack        MutationState = "rolled_back"
)

// MutationResult reports how a mutation ended
type MutationResult struct {
	State MutationState `json:"state"`
	Tag   *models.Tag   `json:"tag,omitempty"`
	// Updated lists dependents rewritten by a cascading delete
	Updated []models.Tag `json:"updated,omitempty"`
	Err     error        `json:"-"`
}

// Repository is what the store needs from the validation gate
type Repository interface {
	Load(ctx context.Context, projectID string) (*repository.LoadResult, error)
	Validate(ctx context.Context, projectID string, tag models.Tag, existing []models.Tag) (validation.Result, error)
	Create(ctx context.Context, projectID string, tag models.Tag, existing []models.Tag) (*models.Tag, error)
	Update(ctx context.Context, projectID, id string, patch models.TagPatch, existing []models.Tag) (*models.Tag, error)
	Delete(ctx context.Context, projectID, id string, opts repository.DeleteOptions, existing []models.Tag) (*repository.DeleteResult, error)
	SaveAll(ctx context.Context, projectID string, req repository.SaveRequest) error
}

// Options configures a Store
type Options struct {
	AutoSaveDelay time.Duration
	// SaveTimeout bounds a save started by the auto-save timer
	SaveTimeout time.Duration
	Scheduler   Scheduler
	Logger      *zap.Logger
	Now         func() time.Time
}

// Status is a point-in-time view of a session
type Status struct {
	ProjectID         string                     `json:"projectId"`
	Tags              int                        `json:"tags"`
	Dirty             []string                   `json:"dirty"`
	Quarantined       int                        `json:"quarantined"`
	Warnings          []models.CorruptionWarning `json:"warnings"`
	AutoSaveSuspended bool                       `json:"autoSaveSuspended"`
	PendingAutoSave   bool                       `json:"pendingAutoSave"`
	SkippedAutoSaves  int                        `json:"skippedAutoSaves"`
	LastSavedAt       *time.Time                 `json:"lastSavedAt,omitempty"`
	LastError         string                     `json:"lastError,omitempty"`
}

// Store is the only writer of a project's working set
type Store struct {
	repo        Repository
	sched       Scheduler
	delay       time.Duration
	saveTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
	// saveMu serializes the session's storage round trips: loads, immediate
	// mutations and aggregate writes. It is taken before mu.
	saveMu sync.Mutex

	mu        sync.Mutex
	projectID string
	st        state
	// epoch advances on every project switch; results from an older epoch are dropped
	epoch       uint64
	loadSeq     uint64
	pending     Task
	pendingGen  uint64
	skipped     int
	lastSavedAt time.Time
	lastErr     error
}

// NewStore creates a session store for projectID
func NewStore(projectID string, repo Repository, opts Options) *Store {
	if opts.AutoSaveDelay <= 0 {
		opts.AutoSaveDelay = DefaultAutoSaveDelay
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 30 * time.Second
	}
	if opts.Scheduler == nil {
		opts.Scheduler = TimerScheduler{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		repo:        repo,
		sched:       opts.Scheduler,
		delay:       opts.AutoSaveDelay,
		saveTimeout: opts.SaveTimeout,
		logger:      opts.Logger,
		now:         opts.Now,
		projectID:   projectID,
		st:          newState(),
	}
}

// dispatch applies an action. Callers hold s.mu.
func (s *Store) dispatch(a Action) {
	s.st = reduce(s.st, a)
	metrics.QuarantinedRecords.WithLabelValues(s.projectID).Set(float64(len(s.st.quarantined)))
}

// ProjectID returns the project the store is bound to
func (s *Store) ProjectID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectID
}

// Snapshot returns a deep copy of the working set
func (s *Store) Snapshot() []models.Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.snapshotTags()
}

// Tag returns a copy of one tag of the working set
func (s *Store) Tag(id string) (models.Tag, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, _, ok := s.st.find(id)
	return t, ok
}

// Quarantined returns a copy of the quarantined records
func (s *Store) Quarantined() []models.QuarantinedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.snapshotQuarantine()
}

// Warnings returns the corruption warnings grouped from the remaining quarantine
func (s *Store) Warnings() []models.CorruptionWarning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.GroupWarnings(s.st.quarantined)
}

// AutoSaveSuspended reports whether quarantined records block auto-save
func (s *Store) AutoSaveSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.quarantined) > 0
}

// Status returns a point-in-time view of the session
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ProjectID:         s.projectID,
		Tags:              len(s.st.tags),
		Dirty:             []string{},
		Quarantined:       len(s.st.quarantined),
		Warnings:          models.GroupWarnings(s.st.quarantined),
		AutoSaveSuspended: len(s.st.quarantined) > 0,
		PendingAutoSave:   s.pending != nil,
		SkippedAutoSaves:  s.skipped,
	}
	for _, t := range s.st.tags {
		if s.st.dirty[t.ID] {
			st.Dirty = append(st.Dirty, t.ID)
		}
	}
	if !s.lastSavedAt.IsZero() {
		saved := s.lastSavedAt
		st.LastSavedAt = &saved
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Load replaces the working set with the project's stored tags. A load that is
// overtaken by a newer load or a project switch returns ErrStaleLoad and changes
// nothing.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	s.loadSeq++
	seq := s.loadSeq
	projectID := s.projectID
	s.mu.Unlock()

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	superseded := seq != s.loadSeq
	s.mu.Unlock()
	if superseded {
		s.logger.Debug("stale_load_discarded", zap.String("project_id", logger.SanitizeProjectID(projectID)))
		return ErrStaleLoad
	}

	res, err := s.repo.Load(ctx, projectID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.loadSeq {
		s.logger.Debug("stale_load_discarded", zap.String("project_id", logger.SanitizeProjectID(projectID)))
		return ErrStaleLoad
	}
	if err != nil {
		s.lastErr = err
		return fmt.Errorf("failed to load tags: %w", err)
	}
	s.cancelPendingLocked()
	s.dispatch(Loaded{Result: res})
	if len(res.Quarantined) > 0 {
		s.logger.Warn("autosave_suspended_corruption",
			zap.String("project_id", logger.SanitizeProjectID(projectID)),
			zap.Int("quarantined", len(res.Quarantined)),
		)
	}
	return nil
}

// SwitchProject rebinds the store to another project. In-flight loads become
// stale, the pending auto-save is cancelled and the working set is cleared.
func (s *Store) SwitchProject(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadSeq++
	s.epoch++
	s.cancelPendingLocked()
	metrics.QuarantinedRecords.DeleteLabelValues(s.projectID)
	s.projectID = projectID
	s.st = newState()
	s.skipped = 0
	s.lastSavedAt = time.Time{}
	s.lastErr = nil
}

// Create adds a tag optimistically and confirms it through the repository
func (s *Store) Create(ctx context.Context, tag models.Tag) MutationResult {
	tag = tag.Clone()
	if tag.ID == "" {
		tag.ID = uuid.New().String()
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if _, _, exists := s.st.find(tag.ID); exists {
		s.mu.Unlock()
		return MutationResult{State: StateIdle, Err: fmt.Errorf("%w: %s", storage.ErrAlreadyExists, tag.ID)}
	}
	epoch, projectID := s.epoch, s.projectID
	existing := s.st.committedTags()
	s.dispatch(TagAdded{Tag: tag})
	s.mu.Unlock()

	created, err := s.repo.Create(ctx, projectID, tag, existing)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return MutationResult{State: StateIdle, Err: ErrSessionChanged}
	}
	if err != nil {
		s.dispatch(TagRestored{ID: tag.ID, Prev: nil})
		s.recordRollback("create", projectID, tag.ID, err)
		return MutationResult{State: StateRolledBack, Err: err}
	}
	s.dispatch(TagReplaced{Tag: *created, Committed: true})
	metrics.TagCommits.WithLabelValues("create").Inc()
	out := created.Clone()
	return MutationResult{State: StateCommitted, Tag: &out}
}

// Update applies patch optimistically and persists it immediately. The patch is
// applied to and validated against the committed tags, not drafts. A pending
// draft of the same tag is superseded by the confirmed value.
func (s *Store) Update(ctx context.Context, id string, patch models.TagPatch) MutationResult {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	prev, idx, ok := s.st.find(id)
	if !ok {
		s.mu.Unlock()
		return MutationResult{State: StateIdle, Err: fmt.Errorf("%w: %s", ErrTagNotFound, id)}
	}
	epoch, projectID := s.epoch, s.projectID
	existing := s.st.committedTags()
	optimistic := patch.Apply(prev)
	s.dispatch(TagReplaced{Tag: optimistic})
	s.mu.Unlock()

	updated, err := s.repo.Update(ctx, projectID, id, patch, existing)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return MutationResult{State: StateIdle, Err: ErrSessionChanged}
	}
	if err != nil {
		s.dispatch(TagRestored{ID: id, Prev: &prev, Index: idx})
		s.recordRollback("update", projectID, id, err)
		return MutationResult{State: StateRolledBack, Err: err}
	}
	s.dispatch(TagReplaced{Tag: *updated, Committed: true})
	metrics.TagCommits.WithLabelValues("update").Inc()
	out := updated.Clone()
	return MutationResult{State: StateCommitted, Tag: &out}
}

// Delete removes a tag optimistically and confirms it through the repository
func (s *Store) Delete(ctx context.Context, id string, opts repository.DeleteOptions) MutationResult {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	prev, idx, ok := s.st.find(id)
	if !ok {
		s.mu.Unlock()
		return MutationResult{State: StateIdle, Err: fmt.Errorf("%w: %s", ErrTagNotFound, id)}
	}
	epoch, projectID := s.epoch, s.projectID
	existing := s.st.committedTags()
	s.dispatch(TagRemoved{ID: id})
	s.mu.Unlock()

	res, err := s.repo.Delete(ctx, projectID, id, opts, existing)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return MutationResult{State: StateIdle, Err: ErrSessionChanged}
	}
	if err != nil {
		s.dispatch(TagRestored{ID: id, Prev: &prev, Index: idx})
		s.recordRollback("delete", projectID, id, err)
		return MutationResult{State: StateRolledBack, Err: err}
	}
	s.dispatch(TagRemoved{ID: id, Committed: true})
	for _, t := range res.Updated {
		s.dispatch(TagReplaced{Tag: t, Committed: true})
	}
	metrics.TagCommits.WithLabelValues("delete").Inc()
	return MutationResult{State: StateCommitted, Tag: &prev, Updated: res.Updated}
}

// Edit applies a draft change in memory only. The tag is marked dirty and the
// auto-save timer restarts.
func (s *Store) Edit(id string, patch models.TagPatch) (models.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, _, ok := s.st.find(id)
	if !ok {
		return models.Tag{}, fmt.Errorf("%w: %s", ErrTagNotFound, id)
	}
	edited := patch.Apply(current)
	edited.UpdatedAt = s.now()
	s.dispatch(TagReplaced{Tag: edited, Dirty: true})
	s.scheduleLocked()
	return edited.Clone(), nil
}

// Flush persists the working set if any tag is dirty
func (s *Store) Flush(ctx context.Context) error {
	return s.flush(ctx, false)
}

// Save cancels the pending auto-save and writes the working set now, together
// with any quarantined records
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	s.cancelPendingLocked()
	s.mu.Unlock()
	return s.flush(ctx, true)
}

// DiscardQuarantined drops quarantined records for good and persists the drop
func (s *Store) DiscardQuarantined(ctx context.Context, ids ...string) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	var dropped []models.QuarantinedRecord
	for _, id := range ids {
		rec, ok := s.findQuarantinedLocked(id)
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrQuarantineNotFound, id)
		}
		dropped = append(dropped, rec)
	}
	s.dispatch(QuarantineCleared{IDs: ids})
	s.mu.Unlock()

	if err := s.flushLocked(ctx, true); err != nil {
		s.mu.Lock()
		s.dispatch(QuarantineRestored{Records: dropped})
		s.mu.Unlock()
		return err
	}
	s.logger.Info("quarantine_discarded",
		zap.String("project_id", logger.SanitizeProjectID(s.ProjectID())),
		zap.Int("records", len(dropped)),
	)
	return nil
}

// ResolveQuarantined replaces a quarantined record with a corrected tag. The tag
// keeps the record's id and collection, must pass validation against the
// committed tags, and is persisted before it joins the working set. A record
// whose id is held by an active tag cannot be resolved in place; it has to be
// discarded or re-created under a new id.
func (s *Store) ResolveQuarantined(ctx context.Context, id string, tag models.Tag) MutationResult {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	rec, ok := s.findQuarantinedLocked(id)
	if !ok || id == "" {
		s.mu.Unlock()
		return MutationResult{State: StateIdle, Err: fmt.Errorf("%w: %q", ErrQuarantineNotFound, id)}
	}
	if _, _, active := s.st.find(id); active {
		s.mu.Unlock()
		return MutationResult{State: StateIdle, Err: fmt.Errorf("%w: %s is held by an active tag", storage.ErrAlreadyExists, id)}
	}
	projectID := s.projectID
	existing := s.st.committedTags()
	s.mu.Unlock()

	tag = tag.Clone()
	tag.ID = id
	tag.IsCustom = rec.Collection == models.CollectionCustom
	now := s.now()
	if tag.CreatedAt.IsZero() {
		tag.CreatedAt = now
	}
	tag.UpdatedAt = now

	res, err := s.repo.Validate(ctx, projectID, tag, existing)
	if err != nil {
		return MutationResult{State: StateIdle, Err: err}
	}
	if !res.Valid {
		return MutationResult{State: StateIdle, Err: &validation.ValidationError{Result: res}}
	}

	s.mu.Lock()
	s.dispatch(TagAdded{Tag: tag})
	s.dispatch(QuarantineCleared{IDs: []string{id}, First: true})
	s.mu.Unlock()

	if err := s.flushLocked(ctx, true); err != nil {
		s.mu.Lock()
		s.dispatch(TagRestored{ID: id, Prev: nil})
		s.dispatch(QuarantineRestored{Records: []models.QuarantinedRecord{rec}})
		s.mu.Unlock()
		s.recordRollback("resolve", projectID, id, err)
		return MutationResult{State: StateRolledBack, Err: err}
	}
	s.mu.Lock()
	s.dispatch(TagAdded{Tag: tag, Committed: true})
	s.mu.Unlock()
	metrics.TagCommits.WithLabelValues("resolve").Inc()
	return MutationResult{State: StateCommitted, Tag: &tag}
}

// Close cancels the pending auto-save
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelPendingLocked()
}

func (s *Store) findQuarantinedLocked(id string) (models.QuarantinedRecord, bool) {
	for _, q := range s.st.quarantined {
		if q.ID == id {
			return q.Clone(), true
		}
	}
	return models.QuarantinedRecord{}, false
}

func (s *Store) flush(ctx context.Context, force bool) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return s.flushLocked(ctx, force)
}

// flushLocked writes the working set. Callers hold s.saveMu.
func (s *Store) flushLocked(ctx context.Context, force bool) error {
	s.mu.Lock()
	if !force && len(s.st.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}
	epoch, projectID := s.epoch, s.projectID
	sent := s.st.snapshotTags()
	dirty := make(map[string]bool, len(s.st.dirty))
	for id := range s.st.dirty {
		dirty[id] = true
	}
	req := repository.SaveRequest{
		Tags:      sent,
		Preserved: s.st.snapshotQuarantine(),
		Committed: s.st.snapshotCommitted(),
	}
	s.mu.Unlock()

	err := s.repo.SaveAll(ctx, projectID, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return ErrSessionChanged
	}

	var batch *repository.BatchValidationError
	if err != nil && !errors.As(err, &batch) {
		// Nothing was written: every dirty tag of the batch goes back to its committed value
		for id := range dirty {
			s.restoreCommittedLocked(id)
			s.recordRollback("save", projectID, id, err)
		}
		s.lastErr = err
		s.logger.Warn("tags_save_failed",
			zap.String("project_id", logger.SanitizeProjectID(projectID)),
			zap.Int("dirty", len(dirty)),
			zap.Bool("retryable", storage.IsRetryable(err)),
			zap.String("error", logger.SanitizeError(err)),
		)
		return err
	}

	for _, t := range sent {
		if batch != nil {
			if _, failed := batch.Results[t.ID]; failed {
				s.restoreCommittedLocked(t.ID)
				s.recordRollback("save", projectID, t.ID, &validation.ValidationError{Result: batch.Results[t.ID]})
				continue
			}
		}
		// An edit made while the write was in flight stays dirty
		if current, _, ok := s.st.find(t.ID); ok && models.SameContent(current, t) {
			s.dispatch(TagReplaced{Tag: current, Committed: true})
		} else if ok {
			s.st.committed[t.ID] = t.Clone()
		}
	}
	s.lastSavedAt = s.now()
	s.lastErr = nil
	if batch != nil {
		s.lastErr = batch
		return batch
	}
	return nil
}

func (s *Store) restoreCommittedLocked(id string) {
	prev, ok := s.st.committed[id]
	if !ok {
		s.dispatch(TagRestored{ID: id, Prev: nil})
		return
	}
	s.dispatch(TagRestored{ID: id, Prev: &prev, Index: -1})
}

func (s *Store) scheduleLocked() {
	s.cancelPendingLocked()
	s.pendingGen++
	gen := s.pendingGen
	s.pending = s.sched.AfterFunc(s.delay, func() { s.autoSave(gen) })
}

func (s *Store) cancelPendingLocked() {
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.pendingGen++
}

// autoSave is the timer callback. It persists nothing while quarantined records
// are outstanding.
func (s *Store) autoSave(gen uint64) {
	s.mu.Lock()
	if gen != s.pendingGen {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	projectID := s.projectID
	if len(s.st.quarantined) > 0 {
		s.skipped++
		s.lastErr = ErrCorruptionOutstanding
		s.mu.Unlock()
		metrics.AutoSaveRuns.WithLabelValues(metrics.OutcomeSkipped).Inc()
		s.logger.Warn("autosave_skipped_corruption", zap.String("project_id", logger.SanitizeProjectID(projectID)))
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	defer cancel()

	err := s.flush(ctx, false)
	var batch *repository.BatchValidationError
	switch {
	case err == nil:
		metrics.AutoSaveRuns.WithLabelValues(metrics.OutcomeSaved).Inc()
		s.logger.Debug("autosave_completed", zap.String("project_id", logger.SanitizeProjectID(projectID)))
	case errors.As(err, &batch):
		metrics.AutoSaveRuns.WithLabelValues(metrics.OutcomePartial).Inc()
		s.logger.Info("autosave_partial", zap.String("project_id", logger.SanitizeProjectID(projectID)),
			zap.Strings("rejected", batch.IDs()))
	default:
		metrics.AutoSaveRuns.WithLabelValues(metrics.OutcomeFailed).Inc()
	}
}

func (s *Store) recordRollback(op, projectID, id string, err error) {
	reason := metrics.ReasonStorage
	var ve *validation.ValidationError
	switch {
	case errors.As(err, &ve):
		reason = metrics.ReasonValidation
	case repository.IsConflict(err):
		reason = metrics.ReasonConflict
	}
	metrics.TagRollbacks.WithLabelValues(op, reason).Inc()
	detail := logger.SanitizeError(err)
	if ve != nil {
		detail = logger.SanitizeString(ve.Summary(), 0)
	}
	s.logger.Info("tag_mutation_rolled_back",
		zap.String("op", op),
		zap.String("project_id", logger.SanitizeProjectID(projectID)),
		zap.String("tag_id", logger.SanitizeProjectID(id)),
		zap.String("reason", reason),
		zap.String("detail", detail),
	)
}
