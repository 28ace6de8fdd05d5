package handlers

import (
	"context"
	"net/http"

	"github.com/benvon/cohort-tags/internal/models"
	"github.com/benvon/cohort-tags/internal/validation"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// CatalogSource supplies the reference data the rule builder offers
type CatalogSource interface {
	DataModel(ctx context.Context, projectID string) (*models.DataModel, error)
	EventCatalog(ctx context.Context, projectID string) (*models.EventCatalog, error)
	LibraryTags(ctx context.Context) ([]models.Tag, error)
}

// CatalogHandler serves the data model, event catalog, tag library and operators
type CatalogHandler struct {
	source CatalogSource
	logger *zap.Logger
}

// NewCatalogHandler creates a new catalog handler
func NewCatalogHandler(source CatalogSource, log *zap.Logger) *CatalogHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &CatalogHandler{source: source, logger: log}
}

// RegisterRoutes registers catalog routes on the /api/v1 router
func (h *CatalogHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/library", h.ListLibrary).Methods("GET")
	r.HandleFunc("/datamodel", h.GetDataModel).Methods("GET")
	r.HandleFunc("/events", h.ListEvents).Methods("GET")
	r.HandleFunc("/operators", h.ListOperators).Methods("GET")
}

// LibraryTagResponse is a predefined tag with its complexity
type LibraryTagResponse struct {
	models.Tag
	Complexity validation.Complexity `json:"complexity"`
}

// OperatorResponse describes one operator
type OperatorResponse struct {
	Operator models.Operator `json:"operator"`
	Label    string          `json:"label"`
}

// ListLibrary returns the predefined tags
func (h *CatalogHandler) ListLibrary(w http.ResponseWriter, r *http.Request) {
	tags, err := h.source.LibraryTags(r.Context())
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	out := make([]LibraryTagResponse, 0, len(tags))
	for _, t := range tags {
		out = append(out, LibraryTagResponse{Tag: t, Complexity: validation.AnalyzeComplexity(t.QualificationRules)})
	}
	respondJSON(w, http.StatusOK, out)
}

// GetDataModel returns the entities and fields conditions may reference
func (h *CatalogHandler) GetDataModel(w http.ResponseWriter, r *http.Request) {
	dm, err := h.source.DataModel(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, dm)
}

// ListEvents returns the event types activity conditions may reference
func (h *CatalogHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.source.EventCatalog(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

// ListOperators returns the operators, filtered by ?fieldType= when given
func (h *CatalogHandler) ListOperators(w http.ResponseWriter, r *http.Request) {
	ops := models.Operators
	if ft := r.URL.Query().Get("fieldType"); ft != "" {
		fieldType := models.FieldType(ft)
		if !fieldType.IsValid() {
			respondJSONError(w, http.StatusBadRequest, "Bad Request", "fieldType must be one of text, number, date, boolean, enum")
			return
		}
		ops = models.OperatorsForFieldType(fieldType)
	}
	out := make([]OperatorResponse, 0, len(ops))
	for _, op := range ops {
		out = append(out, OperatorResponse{Operator: op, Label: op.Label()})
	}
	respondJSON(w, http.StatusOK, out)
}
