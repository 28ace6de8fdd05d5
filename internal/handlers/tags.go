package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/benvon/cohort-tags/internal/logger"
	"github.com/benvon/cohort-tags/internal/models"
	"github.com/benvon/cohort-tags/internal/repository"
	"github.com/benvon/cohort-tags/internal/request"
	"github.com/benvon/cohort-tags/internal/tagstate"
	"github.com/benvon/cohort-tags/internal/validation"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// SessionProvider hands out the working-set store of a project
type SessionProvider interface {
	Get(ctx context.Context, projectID string) (*tagstate.Store, error)
}

// TagService is the part of the repository the API calls outside the working set
type TagService interface {
	Validate(ctx context.Context, projectID string, tag models.Tag, existing []models.Tag) (validation.Result, error)
	LibraryTag(ctx context.Context, libraryID string) (models.Tag, error)
}

// TagHandler serves the tag API of one project
type TagHandler struct {
	sessions SessionProvider
	service  TagService
	events   repository.EventCatalogProvider
	logger   *zap.Logger
}

// NewTagHandler creates a new tag handler
func NewTagHandler(sessions SessionProvider, service TagService, events repository.EventCatalogProvider, log *zap.Logger) *TagHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &TagHandler{sessions: sessions, service: service, events: events, logger: log}
}

// RegisterRoutes registers tag routes. The router should already carry the
// /projects/{projectID} prefix.
func (h *TagHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/tags", h.ListTags).Methods("GET")
	r.HandleFunc("/tags", h.CreateTag).Methods("POST")
	r.HandleFunc("/tags/validate", h.ValidateTag).Methods("POST")
	r.HandleFunc("/tags/{id}", h.GetTag).Methods("GET")
	r.HandleFunc("/tags/{id}", h.UpdateTag).Methods("PATCH")
	r.HandleFunc("/tags/{id}", h.DeleteTag).Methods("DELETE")
	r.HandleFunc("/tags/{id}/draft", h.EditDraft).Methods("PATCH")
	r.HandleFunc("/tags/{id}/complexity", h.TagComplexity).Methods("GET")
	r.HandleFunc("/tags/{id}/summary", h.TagSummary).Methods("GET")
	r.HandleFunc("/save", h.Save).Methods("POST")
	r.HandleFunc("/reload", h.Reload).Methods("POST")
	r.HandleFunc("/status", h.Status).Methods("GET")
	r.HandleFunc("/quarantine", h.ListQuarantine).Methods("GET")
	r.HandleFunc("/quarantine/discard", h.DiscardQuarantine).Methods("POST")
	r.HandleFunc("/quarantine/{id}", h.ResolveQuarantine).Methods("PUT")
	r.HandleFunc("/library/{libraryID}/import", h.ImportLibraryTag).Methods("POST")
}

// CorruptionBlock tells the client that quarantined records are outstanding.
// It cannot be dismissed; only discarding or resolving the records clears it.
type CorruptionBlock struct {
	Outstanding bool                       `json:"outstanding"`
	Dismissible bool                       `json:"dismissible"`
	Quarantined int                        `json:"quarantined"`
	Warnings    []models.CorruptionWarning `json:"warnings"`
}

// ListTagsResponse is the working set of a project with its save state
type ListTagsResponse struct {
	Tags       []models.Tag    `json:"tags"`
	Corruption CorruptionBlock `json:"corruption"`
	AutoSave   tagstate.Status `json:"autosave"`
}

// MutationResponse reports a committed mutation
type MutationResponse struct {
	State   tagstate.MutationState `json:"state"`
	Tag     *models.Tag            `json:"tag,omitempty"`
	Updated []models.Tag           `json:"updated,omitempty"`
}

// DiscardRequest lists quarantined record ids to drop
type DiscardRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,dive,required,max=64"`
}

// ComplexityResponse is the advisory complexity of a tag
type ComplexityResponse struct {
	TagID      string                `json:"tagId"`
	Complexity validation.Complexity `json:"complexity"`
}

// SummaryResponse is the human-readable form of a tag's rules
type SummaryResponse struct {
	TagID      string   `json:"tagId"`
	Summary    string   `json:"summary"`
	Conditions []string `json:"conditions"`
}

// store resolves the project's session store, answering the client on failure
func (h *TagHandler) store(w http.ResponseWriter, r *http.Request) (*tagstate.Store, bool) {
	projectID := request.ProjectID(r)
	if err := validation.ValidateProjectID(projectID); err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return nil, false
	}
	s, err := h.sessions.Get(r.Context(), projectID)
	if err != nil {
		respondError(w, r, h.logger, err)
		return nil, false
	}
	return s, true
}

func listResponse(s *tagstate.Store) ListTagsResponse {
	status := s.Status()
	return ListTagsResponse{
		Tags: s.Snapshot(),
		Corruption: CorruptionBlock{
			Outstanding: status.Quarantined > 0,
			Dismissible: false,
			Quarantined: status.Quarantined,
			Warnings:    status.Warnings,
		},
		AutoSave: status,
	}
}

// ListTags returns the working set, the corruption block and the auto-save status
func (h *TagHandler) ListTags(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, listResponse(s))
}

// GetTag returns one tag of the working set
func (h *TagHandler) GetTag(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	tag, found := s.Tag(id)
	if !found {
		respondJSONError(w, http.StatusNotFound, "Not Found", "Tag not found")
		return
	}
	respondJSON(w, http.StatusOK, tag)
}

// CreateTag adds a tag through the optimistic path
func (h *TagHandler) CreateTag(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	var tag models.Tag
	if !decodeJSON(w, r, &tag) {
		return
	}
	// the server owns these
	tag.CreatedAt, tag.UpdatedAt = time.Time{}, time.Time{}
	tag.Name = validation.SanitizeText(tag.Name)
	tag.Description = validation.SanitizeText(tag.Description)

	res := s.Create(r.Context(), tag)
	if res.Err != nil {
		respondError(w, r, h.logger, res.Err)
		return
	}
	h.logger.Info("tag_created_via_api",
		zap.String("project_id", logger.SanitizeProjectID(s.ProjectID())),
		zap.String("tag_id", logger.SanitizeProjectID(res.Tag.ID)),
		zap.String("tag_name", logger.SanitizeTagName(res.Tag.Name)),
	)
	respondJSON(w, http.StatusCreated, MutationResponse{State: res.State, Tag: res.Tag})
}

// UpdateTag applies a patch and persists it immediately. Switching the rule type
// clears the conditions of the old type and needs ?confirm=true.
func (h *TagHandler) UpdateTag(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	patch, ok := h.decodePatch(w, r, s, id)
	if !ok {
		return
	}

	res := s.Update(r.Context(), id, patch)
	if res.Err != nil {
		respondError(w, r, h.logger, res.Err)
		return
	}
	respondJSON(w, http.StatusOK, MutationResponse{State: res.State, Tag: res.Tag})
}

// EditDraft applies a patch in memory only; the debounced auto-save persists it
func (h *TagHandler) EditDraft(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	patch, ok := h.decodePatch(w, r, s, id)
	if !ok {
		return
	}

	tag, err := s.Edit(id, patch)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"tag":      tag,
		"autosave": s.Status(),
	})
}

func (h *TagHandler) decodePatch(w http.ResponseWriter, r *http.Request, s *tagstate.Store, id string) (models.TagPatch, bool) {
	var patch models.TagPatch
	if !decodeJSON(w, r, &patch) {
		return patch, false
	}
	current, found := s.Tag(id)
	if !found {
		respondJSONError(w, http.StatusNotFound, "Not Found", "Tag not found")
		return patch, false
	}
	if patch.ChangesRuleType(current) && !queryBool(r, "confirm") {
		respondJSONErrorDetails(w, http.StatusPreconditionRequired, "Confirmation Required",
			"changing the rule type discards the existing conditions; repeat the request with confirm=true",
			map[string]any{
				"from": current.QualificationRules.RuleType,
				"to":   patch.QualificationRules.RuleType,
			})
		return patch, false
	}
	return patch, true
}

// DeleteTag removes a tag. Dependents block the delete unless ?cascade=true.
func (h *TagHandler) DeleteTag(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	res := s.Delete(r.Context(), id, repository.DeleteOptions{Cascade: queryBool(r, "cascade")})
	if res.Err != nil {
		respondError(w, r, h.logger, res.Err)
		return
	}
	respondJSON(w, http.StatusOK, MutationResponse{State: res.State, Tag: res.Tag, Updated: res.Updated})
}

// ValidateTag dry-runs validation of a candidate against the working set
func (h *TagHandler) ValidateTag(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	var tag models.Tag
	if !decodeJSON(w, r, &tag) {
		return
	}
	if tag.ID == "" {
		tag.ID = uuid.New().String()
	}

	res, err := h.service.Validate(r.Context(), s.ProjectID(), tag, s.Snapshot())
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	complexity := validation.AnalyzeComplexity(tag.QualificationRules)
	res.Complexity = &complexity
	respondJSON(w, http.StatusOK, res)
}

// TagComplexity returns the advisory complexity score of a tag
func (h *TagHandler) TagComplexity(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	tag, found := s.Tag(id)
	if !found {
		respondJSONError(w, http.StatusNotFound, "Not Found", "Tag not found")
		return
	}
	respondJSON(w, http.StatusOK, ComplexityResponse{TagID: id, Complexity: validation.AnalyzeComplexity(tag.QualificationRules)})
}

// TagSummary describes a tag's rules in words
func (h *TagHandler) TagSummary(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	tag, found := s.Tag(id)
	if !found {
		respondJSONError(w, http.StatusNotFound, "Not Found", "Tag not found")
		return
	}

	var events *models.EventCatalog
	if h.events != nil {
		var err error
		if events, err = h.events.EventCatalog(r.Context(), s.ProjectID()); err != nil {
			respondError(w, r, h.logger, err)
			return
		}
	}
	conditions := make([]string, 0, len(tag.QualificationRules.Conditions))
	for _, c := range tag.QualificationRules.Conditions {
		conditions = append(conditions, models.DescribeCondition(c, events))
	}
	respondJSON(w, http.StatusOK, SummaryResponse{
		TagID:      id,
		Summary:    models.DescribeRules(tag.QualificationRules, events),
		Conditions: conditions,
	})
}

// Save writes the working set now, including quarantined records
func (h *TagHandler) Save(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	if err := s.Save(r.Context()); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, s.Status())
}

// Reload discards drafts and reads the project from storage again
func (h *TagHandler) Reload(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	if err := s.Load(r.Context()); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, listResponse(s))
}

// Status returns the auto-save status of the session
func (h *TagHandler) Status(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.Status())
}

// ListQuarantine returns the quarantined records with their raw payloads
func (h *TagHandler) ListQuarantine(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"records":           s.Quarantined(),
		"warnings":          s.Warnings(),
		"autoSaveSuspended": s.AutoSaveSuspended(),
	})
}

// DiscardQuarantine drops quarantined records for good
func (h *TagHandler) DiscardQuarantine(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	var req DiscardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validation.Validate.Struct(req); err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", "ids must list at least one quarantined record id")
		return
	}
	if err := s.DiscardQuarantined(r.Context(), req.IDs...); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, listResponse(s))
}

// ResolveQuarantine replaces a quarantined record with a corrected tag
func (h *TagHandler) ResolveQuarantine(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	var tag models.Tag
	if !decodeJSON(w, r, &tag) {
		return
	}
	res := s.ResolveQuarantined(r.Context(), mux.Vars(r)["id"], tag)
	if res.Err != nil {
		respondError(w, r, h.logger, res.Err)
		return
	}
	respondJSON(w, http.StatusOK, MutationResponse{State: res.State, Tag: res.Tag})
}

// ImportLibraryTag copies a predefined tag into the project
func (h *TagHandler) ImportLibraryTag(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	tag, err := h.service.LibraryTag(r.Context(), mux.Vars(r)["libraryID"])
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	res := s.Create(r.Context(), tag)
	if res.Err != nil {
		respondError(w, r, h.logger, res.Err)
		return
	}
	respondJSON(w, http.StatusCreated, MutationResponse{State: res.State, Tag: res.Tag})
}
