package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/benvon/cohort-tags/internal/logger"
	"github.com/benvon/cohort-tags/internal/repository"
	"github.com/benvon/cohort-tags/internal/request"
	"github.com/benvon/cohort-tags/internal/storage"
	"github.com/benvon/cohort-tags/internal/tagstate"
	"github.com/benvon/cohort-tags/internal/validation"
	"go.uber.org/zap"
)

const maxErrorMessageLength = 200

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := map[string]any{
		"success":   true,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// sanitizeErrorMessage strips control characters and bounds the length of a client-facing message
func sanitizeErrorMessage(message string) string {
	return logger.SanitizeString(message, maxErrorMessageLength)
}

// respondJSONError sends an error JSON response with sanitized error messages
func respondJSONError(w http.ResponseWriter, status int, errorType, message string) {
	respondJSONErrorDetails(w, status, errorType, message, nil)
}

// respondJSONErrorDetails is respondJSONError with extra top-level fields
func respondJSONErrorDetails(w http.ResponseWriter, status int, errorType, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := map[string]any{
		"success":   false,
		"error":     errorType,
		"message":   sanitizeErrorMessage(message),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range details {
		response[k] = v
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// respondError maps a domain error to its HTTP status and body
func respondError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	var (
		ve  *validation.ValidationError
		bve *repository.BatchValidationError
		dce *repository.DependencyConflictError
		ae  *storage.AdapterError
	)

	switch {
	case errors.As(err, &ve):
		respondJSONErrorDetails(w, http.StatusUnprocessableEntity, "Validation Failed", ve.Error(), map[string]any{
			"errors": ve.Result.Errors,
		})
	case errors.As(err, &bve):
		respondJSONErrorDetails(w, http.StatusUnprocessableEntity, "Validation Failed", bve.Error(), map[string]any{
			"results":    bve.Results,
			"rolledBack": bve.IDs(),
		})
	case errors.As(err, &dce):
		respondJSONErrorDetails(w, http.StatusConflict, "Dependency Conflict", dce.Error(), map[string]any{
			"tagId":      dce.TagID,
			"dependents": dce.Dependents,
		})
	case errors.Is(err, storage.ErrAlreadyExists):
		respondJSONError(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, tagstate.ErrSessionChanged), errors.Is(err, tagstate.ErrStaleLoad):
		respondJSONError(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, tagstate.ErrTagNotFound),
		errors.Is(err, tagstate.ErrQuarantineNotFound),
		errors.Is(err, repository.ErrLibraryTagNotFound):
		respondJSONError(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &ae):
		log.Warn("storage_unavailable",
			zap.String("op", ae.Op),
			zap.String("project_id", logger.SanitizeProjectID(ae.ProjectID)),
			zap.Bool("retryable", ae.Retryable),
			zap.String("error", logger.SanitizeError(err)),
			zap.String("request_id", request.RequestID(r)),
		)
		respondJSONErrorDetails(w, http.StatusServiceUnavailable, "Service Unavailable", "tag storage is unavailable", map[string]any{
			"retryable": ae.Retryable,
		})
	default:
		log.Error("request_failed",
			zap.String("path", logger.SanitizePath(r.URL.Path)),
			zap.String("error", logger.SanitizeError(err)),
			zap.String("request_id", request.RequestID(r)),
		)
		respondJSONError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred")
	}
}

// decodeJSON decodes the request body into v, answering the client on failure
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			respondJSONError(w, http.StatusRequestEntityTooLarge, "Request Entity Too Large", fmt.Sprintf("Request body exceeds maximum size of %d bytes", maxBytesErr.Limit))
			return false
		}
		respondJSONError(w, http.StatusBadRequest, "Bad Request", "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// queryBool reads a boolean query flag; "true" and "1" count as set
func queryBool(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "true", "1", "yes":
		return true
	}
	return false
}
