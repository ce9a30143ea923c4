package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/p-arndt/codesandbox/internal/session"
)

// Error codes returned in API responses
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeSessionNotFound  = "SESSION_NOT_FOUND"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeArtifactTooLarge = "ARTIFACT_TOO_LARGE"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeUnavailable      = "UNAVAILABLE"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string         `json:"error_code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeAPIError maps a session error to a status code. Invalid ids and paths
// answer 404 like a missing file, so the endpoint does not reveal which part
// of the URL was wrong.
func writeAPIError(w http.ResponseWriter, err error) {
	var apiErr APIError
	statusCode := http.StatusInternalServerError

	// Only the session error's own message is shown; context wrapped around
	// it stays in the log.
	var e *session.Error
	if !errors.As(err, &e) {
		writeJSON(w, statusCode, APIError{Code: ErrCodeInternalError, Message: "internal error"})
		return
	}

	switch e.Kind {
	case session.KindSessionNotFound:
		apiErr = APIError{Code: ErrCodeSessionNotFound, Message: e.Message}
		statusCode = http.StatusNotFound

	case session.KindNotFound, session.KindInvalidPath, session.KindInvalidFilename, session.KindInvalidSessionID:
		apiErr = APIError{Code: ErrCodeNotFound, Message: "file not found"}
		statusCode = http.StatusNotFound

	case session.KindArtifactTooLarge:
		apiErr = APIError{
			Code:    ErrCodeArtifactTooLarge,
			Message: e.Message,
			Details: map[string]any{
				"size_bytes":  e.SizeBytes,
				"limit_bytes": e.LimitBytes,
			},
		}
		statusCode = http.StatusRequestEntityTooLarge

	default:
		// Runtime detail stays in the log.
		apiErr = APIError{Code: ErrCodeInternalError, Message: "internal error"}
	}

	writeJSON(w, statusCode, apiErr)
}

func writeRateLimitError(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeJSON(w, http.StatusTooManyRequests, APIError{
		Code:    ErrCodeRateLimited,
		Message: "too many requests",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
