package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/property-catalog/internal/errors"
	"github.com/property-catalog/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeUnauthorized       = apperrors.CodeUnauthorized
	ErrCodeRateLimited        = apperrors.CodeRateLimitExceeded
	ErrCodeInternalError      = apperrors.CodeInternal
	ErrCodeServiceUnavailable = apperrors.CodeServiceUnavailable
)

// respondCategorized sends an error built for the client as-is, details
// included.
func respondCategorized(w http.ResponseWriter, err *apperrors.CategorizedError) {
	respondError(w, err.StatusCode, err.Code, err.Message, err.Details)
}

// respondServiceError maps a service error onto its HTTP status. Internal
// causes are never echoed to the client.
func respondServiceError(w http.ResponseWriter, err error) {
	status, code, message := mapServiceError(err)
	respondError(w, status, code, message, nil)
}

// mapServiceError maps service errors to HTTP status codes.
func mapServiceError(err error) (int, string, string) {
	ce := apperrors.Categorize(err)
	status := ce.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	switch ce.Category {
	case apperrors.CategorySystem, apperrors.CategoryDatabase, apperrors.CategoryCache:
		if status == http.StatusServiceUnavailable {
			return status, ErrCodeServiceUnavailable, ce.Message
		}
		return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
	default:
		return status, ce.Code, ce.Message
	}
}
