package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benvon/cohort-tags/internal/keylock"
	"github.com/benvon/cohort-tags/internal/logger"
	"github.com/benvon/cohort-tags/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Adapter is the CRUD contract every storage backend satisfies. Methods return
// (data, error) and never panic across the boundary.
type Adapter interface {
	GetAll(ctx context.Context, projectID string) (*RawCollection, error)
	Get(ctx context.Context, projectID, id string) (*models.Tag, error)
	Create(ctx context.Context, projectID string, tag models.Tag) (*models.Tag, error)
	Update(ctx context.Context, projectID, id string, patch models.TagPatch) (*models.Tag, error)
	Delete(ctx context.Context, projectID, id string) error
	SaveAll(ctx context.Context, projectID string, coll *RawCollection) error
}

// BlobStore persists one tag document per project. Load returns nil data when the
// project has no document yet.
type BlobStore interface {
	Load(ctx context.Context, projectID string) ([]byte, error)
	Store(ctx context.Context, projectID string, data []byte) error
}

// ProjectLister is implemented by blob stores that can enumerate their projects
type ProjectLister interface {
	ListProjectIDs(ctx context.Context) ([]string, error)
}

// CollectionAdapter implements Adapter over any BlobStore, so every backend
// produces the same logical results for the same inputs
type CollectionAdapter struct {
	store  BlobStore
	logger *zap.Logger
	locks  *keylock.Map
	now    func() time.Time
	newID  func() string
}

// Option configures a CollectionAdapter
type Option func(*CollectionAdapter)

// WithClock overrides the clock used for createdAt/updatedAt
func WithClock(now func() time.Time) Option {
	return func(a *CollectionAdapter) { a.now = now }
}

// WithIDGenerator overrides the generator used for tags created without an id
func WithIDGenerator(newID func() string) Option {
	return func(a *CollectionAdapter) { a.newID = newID }
}

// NewCollectionAdapter creates an adapter over store
func NewCollectionAdapter(store BlobStore, log *zap.Logger, opts ...Option) *CollectionAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	a := &CollectionAdapter{
		store:  store,
		logger: log,
		locks:  keylock.New(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Store returns the underlying blob store
func (a *CollectionAdapter) Store() BlobStore {
	return a.store
}

// GetAll returns the raw records of a project
func (a *CollectionAdapter) GetAll(ctx context.Context, projectID string) (*RawCollection, error) {
	return a.load(ctx, "get_all", projectID)
}

// Get returns one decoded tag
func (a *CollectionAdapter) Get(ctx context.Context, projectID, id string) (*models.Tag, error) {
	coll, err := a.load(ctx, "get", projectID)
	if err != nil {
		return nil, err
	}
	_, idx, ok := findRecord(coll, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	tag, err := DecodeTag((*coll.Records(idx.kind()))[idx.pos])
	if err != nil {
		return nil, fmt.Errorf("failed to read tag %s: %w", id, err)
	}
	return &tag, nil
}

// Create stores a new tag, assigning its id and timestamps
func (a *CollectionAdapter) Create(ctx context.Context, projectID string, tag models.Tag) (*models.Tag, error) {
	unlock := a.locks.Lock(projectID)
	defer unlock()

	coll, err := a.load(ctx, "create", projectID)
	if err != nil {
		return nil, err
	}

	created := tag.Clone()
	if created.ID == "" {
		created.ID = a.newID()
	}
	if _, _, exists := findRecord(coll, created.ID); exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, created.ID)
	}
	now := a.now()
	created.CreatedAt = now
	created.UpdatedAt = now

	raw, err := EncodeTag(created)
	if err != nil {
		return nil, err
	}
	coll.Append(models.KindOf(created), raw)

	if err := a.write(ctx, "create", projectID, coll); err != nil {
		return nil, err
	}
	a.logger.Debug("tag_stored",
		zap.String("project_id", logger.SanitizeProjectID(projectID)),
		zap.String("tag_id", logger.SanitizeProjectID(created.ID)),
	)
	return &created, nil
}

// Update applies patch to a stored tag. UpdatedAt only moves when the patch changes
// the tag, so applying the same patch twice leaves the same persisted state.
func (a *CollectionAdapter) Update(ctx context.Context, projectID, id string, patch models.TagPatch) (*models.Tag, error) {
	unlock := a.locks.Lock(projectID)
	defer unlock()

	coll, err := a.load(ctx, "update", projectID)
	if err != nil {
		return nil, err
	}
	_, idx, ok := findRecord(coll, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	records := coll.Records(idx.kind())

	current, err := DecodeTag((*records)[idx.pos])
	if err != nil {
		return nil, fmt.Errorf("failed to read tag %s: %w", id, err)
	}

	updated := patch.Apply(current)
	updated.ID = current.ID
	updated.IsCustom = current.IsCustom
	updated.CreatedAt = current.CreatedAt
	if models.SameContent(current, updated) {
		return &current, nil
	}
	updated.UpdatedAt = a.now()

	raw, err := EncodeTag(updated)
	if err != nil {
		return nil, err
	}
	(*records)[idx.pos] = raw

	if err := a.write(ctx, "update", projectID, coll); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete removes a tag
func (a *CollectionAdapter) Delete(ctx context.Context, projectID, id string) error {
	unlock := a.locks.Lock(projectID)
	defer unlock()

	coll, err := a.load(ctx, "delete", projectID)
	if err != nil {
		return err
	}
	_, idx, ok := findRecord(coll, id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	records := coll.Records(idx.kind())
	*records = append((*records)[:idx.pos], (*records)[idx.pos+1:]...)

	return a.write(ctx, "delete", projectID, coll)
}

// SaveAll replaces the whole project document in one write
func (a *CollectionAdapter) SaveAll(ctx context.Context, projectID string, coll *RawCollection) error {
	unlock := a.locks.Lock(projectID)
	defer unlock()

	return a.write(ctx, "save_all", projectID, coll)
}

func (a *CollectionAdapter) load(ctx context.Context, op, projectID string) (*RawCollection, error) {
	data, err := a.store.Load(ctx, projectID)
	if err != nil {
		return nil, wrapBackend(op, projectID, err)
	}
	coll, err := decodeDocument(data)
	if err != nil {
		return nil, &AdapterError{Op: op, ProjectID: projectID, Err: err}
	}
	return coll, nil
}

func (a *CollectionAdapter) write(ctx context.Context, op, projectID string, coll *RawCollection) error {
	data, err := encodeDocument(coll)
	if err != nil {
		return &AdapterError{Op: op, ProjectID: projectID, Err: err}
	}
	if err := a.store.Store(ctx, projectID, data); err != nil {
		a.logger.Warn("tag_document_write_failed",
			zap.String("op", op),
			zap.String("project_id", logger.SanitizeProjectID(projectID)),
			zap.String("error", logger.SanitizeError(err)),
		)
		return wrapBackend(op, projectID, err)
	}
	return nil
}

type recordIndex struct {
	custom bool
	pos    int
}

func (idx recordIndex) kind() models.CollectionKind {
	if idx.custom {
		return models.CollectionCustom
	}
	return models.CollectionLibrary
}

// findRecord locates a record by id without requiring it to decode
func findRecord(coll *RawCollection, id string) (json.RawMessage, recordIndex, bool) {
	for i, raw := range coll.Library {
		if rid, _ := PeekIdentity(raw); rid == id {
			return raw, recordIndex{pos: i}, true
		}
	}
	for i, raw := range coll.Custom {
		if rid, _ := PeekIdentity(raw); rid == id {
			return raw, recordIndex{custom: true, pos: i}, true
		}
	}
	return nil, recordIndex{}, false
}

var _ Adapter = (*CollectionAdapter)(nil)
