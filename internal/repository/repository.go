package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benvon/cohort-tags/internal/logger"
	"github.com/benvon/cohort-tags/internal/models"
	"github.com/benvon/cohort-tags/internal/storage"
	"github.com/benvon/cohort-tags/internal/telemetry"
	"github.com/benvon/cohort-tags/internal/validation"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DataModelProvider returns the data model property rules of a project are checked against
type DataModelProvider interface {
	DataModel(ctx context.Context, projectID string) (*models.DataModel, error)
}

// EventCatalogProvider returns the event types activity rules of a project may reference
type EventCatalogProvider interface {
	EventCatalog(ctx context.Context, projectID string) (*models.EventCatalog, error)
}

// LibraryProvider serves the predefined tags projects can import
type LibraryProvider interface {
	LibraryTags(ctx context.Context) ([]models.Tag, error)
}

// LoadResult is a project's tag document split into the working set and the
// records that failed validation
type LoadResult struct {
	Library     []models.Tag               `json:"library"`
	Custom      []models.Tag               `json:"custom"`
	Quarantined []models.QuarantinedRecord `json:"quarantined"`
	Warnings    []models.CorruptionWarning `json:"warnings"`
}

// Tags returns library tags followed by custom tags
func (r *LoadResult) Tags() []models.Tag {
	return models.TagCollection{Library: r.Library, Custom: r.Custom}.All()
}

// DeleteOptions controls what Delete does with dependent tags
type DeleteOptions struct {
	// Cascade removes the deleted tag from the dependencies of every dependent
	Cascade bool
}

// DeleteResult lists the dependents rewritten by a cascading delete
type DeleteResult struct {
	Updated []models.Tag `json:"updated"`
}

// SaveRequest is one aggregate write of a project's working set
type SaveRequest struct {
	Tags []models.Tag
	// Preserved quarantined records are written back byte for byte
	Preserved []models.QuarantinedRecord
	// Committed holds the last persisted value of each tag by id. A tag failing
	// validation is written as its committed value, or left out if it has none.
	Committed map[string]models.Tag
}

// Repository is the validation gate in front of a storage adapter. Nothing
// reaches the adapter's mutation methods without passing through it.
type Repository struct {
	adapter   storage.Adapter
	dataModel DataModelProvider
	events    EventCatalogProvider
	library   LibraryProvider
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// New creates a repository. Nil providers disable the referential checks they back.
func New(adapter storage.Adapter, dataModel DataModelProvider, events EventCatalogProvider, library LibraryProvider, log *zap.Logger) *Repository {
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository{
		adapter:   adapter,
		dataModel: dataModel,
		events:    events,
		library:   library,
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
}

// Load fetches a project's tags and validates every record on its own. Records
// that fail are quarantined with their raw bytes instead of failing the load.
func (r *Repository) Load(ctx context.Context, projectID string) (res *LoadResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repository", "load", projectID)
	defer func() { telemetry.EndSpan(span, err) }()

	raw, err := r.adapter.GetAll(ctx, projectID)
	if err != nil {
		return nil, err
	}
	vctx, err := r.validationContext(ctx, projectID, nil)
	if err != nil {
		return nil, err
	}

	detectedAt := r.now()
	res = &LoadResult{Library: []models.Tag{}, Custom: []models.Tag{}, Quarantined: []models.QuarantinedRecord{}}

	type entry struct {
		tag  models.Tag
		kind models.CollectionKind
		raw  []byte
	}
	var decoded []entry
	for _, kind := range []models.CollectionKind{models.CollectionLibrary, models.CollectionCustom} {
		for _, rec := range *raw.Records(kind) {
			tag, err := storage.DecodeTag(rec)
			if err != nil {
				id, name := storage.PeekIdentity(rec)
				res.Quarantined = append(res.Quarantined, models.QuarantinedRecord{
					ID:         id,
					Name:       name,
					Collection: kind,
					Type:       models.CorruptionSchemaInvalid,
					Reasons:    []string{err.Error()},
					Raw:        append([]byte(nil), rec...),
					DetectedAt: detectedAt,
				})
				continue
			}
			decoded = append(decoded, entry{tag: tag, kind: kind, raw: rec})
		}
	}

	for _, e := range decoded {
		vctx.Tags = append(vctx.Tags, e.tag)
	}

	// The first record to claim a name or id keeps it
	seenNames := make(map[string]bool)
	seenIDs := make(map[string]bool)
	for _, e := range decoded {
		result := validation.ValidateTag(e.tag, vctx)
		errs := withoutKind(result.Errors, validation.KindUniqueness)

		key := strings.ToLower(strings.TrimSpace(e.tag.Name))
		duplicate := ""
		switch {
		case e.tag.ID != "" && seenIDs[e.tag.ID]:
			duplicate = fmt.Sprintf("id %q is used by an earlier record", e.tag.ID)
		case key != "" && seenNames[key]:
			duplicate = fmt.Sprintf("a tag named %q already exists", e.tag.Name)
		}

		if len(errs) == 0 && duplicate == "" {
			seenIDs[e.tag.ID] = true
			if key != "" {
				seenNames[key] = true
			}
			if e.kind == models.CollectionCustom {
				res.Custom = append(res.Custom, e.tag)
			} else {
				res.Library = append(res.Library, e.tag)
			}
			continue
		}

		rec := models.QuarantinedRecord{
			ID:         e.tag.ID,
			Name:       e.tag.Name,
			Collection: e.kind,
			Raw:        append([]byte(nil), e.raw...),
			DetectedAt: detectedAt,
		}
		if len(errs) > 0 {
			filtered := validation.Result{Errors: errs}
			rec.Type = filtered.CorruptionType()
			rec.Reasons = filtered.Messages()
		} else {
			rec.Type = models.CorruptionDuplicateName
		}
		if duplicate != "" {
			rec.Reasons = append(rec.Reasons, duplicate)
		}
		res.Quarantined = append(res.Quarantined, rec)
	}

	res.Warnings = models.GroupWarnings(res.Quarantined)
	span.SetAttributes(
		attribute.Int("cohort_tags.tags", len(res.Library)+len(res.Custom)),
		attribute.Int("cohort_tags.quarantined", len(res.Quarantined)),
	)
	if len(res.Quarantined) > 0 {
		fields := []zap.Field{
			zap.String("project_id", logger.SanitizeProjectID(projectID)),
			zap.Int("quarantined", len(res.Quarantined)),
		}
		for _, w := range res.Warnings {
			fields = append(fields, zap.Int(string(w.Type), w.Count))
		}
		r.logger.Warn("tags_quarantined_on_load", fields...)
	}
	return res, nil
}

// List returns the valid tags of a project
func (r *Repository) List(ctx context.Context, projectID string) ([]models.Tag, error) {
	res, err := r.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return res.Tags(), nil
}

// Get returns one tag
func (r *Repository) Get(ctx context.Context, projectID, id string) (tag *models.Tag, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repository", "get", projectID, attribute.String("cohort_tags.tag_id", id))
	defer func() { telemetry.EndSpan(span, err) }()

	return r.adapter.Get(ctx, projectID, id)
}

// Validate runs the commit-time checks on tag against existing without persisting
func (r *Repository) Validate(ctx context.Context, projectID string, tag models.Tag, existing []models.Tag) (validation.Result, error) {
	vctx, err := r.validationContext(ctx, projectID, existing)
	if err != nil {
		return validation.Result{}, err
	}
	return validation.ValidateClosure(tag, vctx), nil
}

// Create validates tag against existing and stores it. A tag without an id is
// assigned one. Validation failures return *validation.ValidationError and never
// reach the adapter.
func (r *Repository) Create(ctx context.Context, projectID string, tag models.Tag, existing []models.Tag) (created *models.Tag, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repository", "create", projectID)
	defer func() { telemetry.EndSpan(span, err) }()

	tag = tag.Clone()
	if tag.ID == "" {
		tag.ID = r.newID()
	}
	span.SetAttributes(attribute.String("cohort_tags.tag_id", tag.ID))

	if err := r.gate(ctx, projectID, "create", tag, existing); err != nil {
		return nil, err
	}

	created, err = r.adapter.Create(ctx, projectID, tag)
	if err != nil {
		return nil, err
	}
	r.logger.Info("tag_created",
		zap.String("project_id", logger.SanitizeProjectID(projectID)),
		zap.String("tag_id", logger.SanitizeProjectID(created.ID)),
		zap.String("tag_name", logger.SanitizeTagName(created.Name)),
	)
	return created, nil
}

// Update applies patch to the stored value of a tag, validates the result
// against existing and stores it. The validated candidate is the value the
// adapter writes, whatever drafts of the tag exist in memory.
func (r *Repository) Update(ctx context.Context, projectID, id string, patch models.TagPatch, existing []models.Tag) (updated *models.Tag, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repository", "update", projectID, attribute.String("cohort_tags.tag_id", id))
	defer func() { telemetry.EndSpan(span, err) }()

	stored, err := r.adapter.Get(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	candidate := patch.Apply(*stored)
	if err := r.gate(ctx, projectID, "update", candidate, existing); err != nil {
		return nil, err
	}

	updated, err = r.adapter.Update(ctx, projectID, id, patch)
	if err != nil {
		return nil, err
	}
	r.logger.Info("tag_updated",
		zap.String("project_id", logger.SanitizeProjectID(projectID)),
		zap.String("tag_id", logger.SanitizeProjectID(id)),
	)
	return updated, nil
}

// Delete removes a tag. Tags that depend on it block the delete with a
// *DependencyConflictError unless opts.Cascade is set, in which case each
// dependent is rewritten without the reference first.
func (r *Repository) Delete(ctx context.Context, projectID, id string, opts DeleteOptions, existing []models.Tag) (res *DeleteResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repository", "delete", projectID,
		attribute.String("cohort_tags.tag_id", id),
		attribute.Bool("cohort_tags.cascade", opts.Cascade),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	var dependents []models.Tag
	for _, t := range existing {
		if t.ID != id && t.DependsOn(id) {
			dependents = append(dependents, t)
		}
	}

	if len(dependents) > 0 && !opts.Cascade {
		ids := make([]string, len(dependents))
		for i, t := range dependents {
			ids[i] = t.ID
		}
		return nil, &DependencyConflictError{TagID: id, Dependents: ids}
	}

	res = &DeleteResult{Updated: []models.Tag{}}
	working := cloneTags(existing)
	for _, dep := range dependents {
		deps := dep.WithoutDependency(id).Dependencies
		updated, err := r.Update(ctx, projectID, dep.ID, models.TagPatch{Dependencies: &deps}, working)
		if err != nil {
			return nil, fmt.Errorf("failed to detach dependent %s: %w", dep.ID, err)
		}
		working = replaceTag(working, *updated)
		res.Updated = append(res.Updated, *updated)
	}

	if err := r.adapter.Delete(ctx, projectID, id); err != nil {
		return nil, err
	}
	r.logger.Info("tag_deleted",
		zap.String("project_id", logger.SanitizeProjectID(projectID)),
		zap.String("tag_id", logger.SanitizeProjectID(id)),
		zap.Int("dependents_updated", len(res.Updated)),
	)
	return res, nil
}

// SaveAll writes a project's whole working set in one aggregate write. Every tag
// is validated against the full set; tags that fail are written as their last
// committed value and reported in a *BatchValidationError, which is returned
// after the valid tags have been persisted.
func (r *Repository) SaveAll(ctx context.Context, projectID string, req SaveRequest) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "repository", "save_all", projectID,
		attribute.Int("cohort_tags.tags", len(req.Tags)),
		attribute.Int("cohort_tags.preserved", len(req.Preserved)),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	vctx, err := r.validationContext(ctx, projectID, req.Tags)
	if err != nil {
		return err
	}

	coll := models.TagCollection{Library: []models.Tag{}, Custom: []models.Tag{}}
	failed := make(map[string]validation.Result)
	add := func(t models.Tag) {
		if t.IsCustom {
			coll.Custom = append(coll.Custom, t)
		} else {
			coll.Library = append(coll.Library, t)
		}
	}
	for _, t := range req.Tags {
		result := validation.ValidateTag(t, vctx)
		if result.Valid {
			add(t)
			continue
		}
		failed[t.ID] = result
		if prev, ok := req.Committed[t.ID]; ok {
			add(prev)
		}
	}

	raw, err := storage.EncodeCollection(coll)
	if err != nil {
		return err
	}
	for _, q := range req.Preserved {
		raw.Append(q.Collection, append([]byte(nil), q.Raw...))
	}

	if err := r.adapter.SaveAll(ctx, projectID, raw); err != nil {
		return err
	}
	r.logger.Info("tags_saved",
		zap.String("project_id", logger.SanitizeProjectID(projectID)),
		zap.Int("tags", len(coll.Library)+len(coll.Custom)),
		zap.Int("preserved", len(req.Preserved)),
		zap.Int("rejected", len(failed)),
	)

	if len(failed) > 0 {
		return &BatchValidationError{Results: failed}
	}
	return nil
}

// ImportFromLibrary copies a predefined tag into the project's library collection
// under a new id and stores it through the same gate as Create
func (r *Repository) ImportFromLibrary(ctx context.Context, projectID, libraryID string, existing []models.Tag) (*models.Tag, error) {
	tag, err := r.LibraryTag(ctx, libraryID)
	if err != nil {
		return nil, err
	}
	return r.Create(ctx, projectID, tag, existing)
}

// LibraryTag returns a copy of a predefined tag ready to be created in a project:
// no id, no timestamps, library collection
func (r *Repository) LibraryTag(ctx context.Context, libraryID string) (models.Tag, error) {
	if r.library == nil {
		return models.Tag{}, fmt.Errorf("%w: %s", ErrLibraryTagNotFound, libraryID)
	}
	tags, err := r.library.LibraryTags(ctx)
	if err != nil {
		return models.Tag{}, fmt.Errorf("failed to read tag library: %w", err)
	}
	source, ok := findTag(tags, libraryID)
	if !ok {
		return models.Tag{}, fmt.Errorf("%w: %s", ErrLibraryTagNotFound, libraryID)
	}

	tag := source.Clone()
	tag.ID = ""
	tag.IsCustom = false
	tag.CreatedAt = time.Time{}
	tag.UpdatedAt = time.Time{}
	return tag, nil
}

// gate validates candidate against existing and logs a rejection
func (r *Repository) gate(ctx context.Context, projectID, op string, candidate models.Tag, existing []models.Tag) error {
	vctx, err := r.validationContext(ctx, projectID, existing)
	if err != nil {
		return err
	}
	result := validation.ValidateClosure(candidate, vctx)
	if result.Valid {
		return nil
	}
	r.logger.Info("tag_rejected",
		zap.String("op", op),
		zap.String("project_id", logger.SanitizeProjectID(projectID)),
		zap.String("tag_id", logger.SanitizeProjectID(candidate.ID)),
		zap.Strings("fields", result.Fields()),
	)
	return &validation.ValidationError{Result: result}
}

func (r *Repository) validationContext(ctx context.Context, projectID string, tags []models.Tag) (validation.Context, error) {
	vctx := validation.Context{Tags: tags}
	if r.dataModel != nil {
		dm, err := r.dataModel.DataModel(ctx, projectID)
		if err != nil {
			return vctx, fmt.Errorf("failed to read data model: %w", err)
		}
		vctx.DataModel = dm
	}
	if r.events != nil {
		events, err := r.events.EventCatalog(ctx, projectID)
		if err != nil {
			return vctx, fmt.Errorf("failed to read event catalog: %w", err)
		}
		vctx.Events = events
	}
	return vctx, nil
}

func withoutKind(errs []validation.FieldError, kind validation.ErrorKind) []validation.FieldError {
	out := errs[:0:0]
	for _, e := range errs {
		if e.Kind != kind {
			out = append(out, e)
		}
	}
	return out
}

func findTag(tags []models.Tag, id string) (models.Tag, bool) {
	for _, t := range tags {
		if t.ID == id {
			return t, true
		}
	}
	return models.Tag{}, false
}

func cloneTags(tags []models.Tag) []models.Tag {
	out := make([]models.Tag, len(tags))
	for i, t := range tags {
		out[i] = t.Clone()
	}
	return out
}

func replaceTag(tags []models.Tag, tag models.Tag) []models.Tag {
	for i, t := range tags {
		if t.ID == tag.ID {
			tags[i] = tag
			return tags
		}
	}
	return append(tags, tag)
}

// IsConflict reports whether err is a dependency conflict
func IsConflict(err error) bool {
	var dce *DependencyConflictError
	return errors.As(err, &dce)
}
