package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/benvon/cohort-tags/internal/logger"
	"github.com/benvon/cohort-tags/internal/request"
	"go.uber.org/zap"
)

// ErrorResponse is the error envelope shared by middleware and handlers
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Path      string `json:"path"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorHandler recovers panics in downstream handlers and answers with a JSON 500
func ErrorHandler(log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic_recovered",
						zap.Any("error", rec),
						zap.String("path", logger.SanitizePath(r.URL.Path)),
						zap.String("method", r.Method),
						zap.String("request_id", request.RequestID(r)),
					)
					WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred", log)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// WriteError sends an ErrorResponse with the given status
func WriteError(w http.ResponseWriter, r *http.Request, status int, errorType, message string, log *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := ErrorResponse{
		Success:   false,
		Error:     errorType,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      r.URL.Path,
		RequestID: request.RequestID(r),
	}

	if err := json.NewEncoder(w).Encode(response); err != nil && log != nil {
		log.Error("failed_to_encode_error_response",
			zap.String("error", logger.SanitizeError(err)),
			zap.Int("status_code", status),
			zap.String("path", logger.SanitizePath(r.URL.Path)),
		)
	}
}
