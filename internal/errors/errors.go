package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/property-catalog/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryProvider represents inventory provider errors
	CategoryProvider ErrorCategory = "provider"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// Error codes shared by the sync pipeline and the query engine.
const (
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeProviderRateLimited = "PROVIDER_RATE_LIMITED"
	CodeProviderAuth        = "PROVIDER_AUTH_ERROR"
	CodeNormalization       = "NORMALIZATION_ERROR"
	CodeStorageConflict     = "STORAGE_CONFLICT"
	CodeQueryValidation     = "QUERY_VALIDATION_ERROR"
	CodeRunCancelled        = "RUN_CANCELLED"
	CodeSyncInProgress      = "SYNC_IN_PROGRESS"
	CodeNotFound            = "NOT_FOUND"
	CodeDatabase            = "DATABASE_ERROR"
	CodeInternal            = "INTERNAL_ERROR"
	CodeCache               = "CACHE_ERROR"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	// RetryAfter is the provider's pacing hint for rate limited errors.
	RetryAfter time.Duration
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Provider errors

// NewProviderUnavailableError is returned for network failures, timeouts and 5xx responses.
func NewProviderUnavailableError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeProviderUnavailable,
		Message:    fmt.Sprintf("provider unavailable during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewProviderRateLimitedError carries the provider's retry-after hint.
func NewProviderRateLimitedError(operation string, retryAfter time.Duration) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeProviderRateLimited,
		Message:    fmt.Sprintf("provider rate limited %s", operation),
		RetryAfter: retryAfter,
		Details: map[string]interface{}{
			"operation":  operation,
			"retryAfter": retryAfter.Seconds(),
		},
	}
}

// NewProviderAuthError is fatal to a run and never retried.
func NewProviderAuthError(status int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusBadGateway,
		Code:       CodeProviderAuth,
		Message:    fmt.Sprintf("provider rejected credential (HTTP %d)", status),
		Details: map[string]interface{}{
			"providerStatus": status,
		},
	}
}

// NewNormalizationError marks a single raw record as unusable.
func NewNormalizationError(externalID string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeNormalization,
		Message:    fmt.Sprintf("cannot normalize record %q: %s", externalID, reason),
		Details: map[string]interface{}{
			"externalId": externalID,
			"reason":     reason,
		},
	}
}

// NewStorageConflictError signals a lost race on a single upsert.
func NewStorageConflictError(entity string, externalID string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeStorageConflict,
		Message:    fmt.Sprintf("concurrent write on %s %q", entity, externalID),
		Cause:      cause,
		Details: map[string]interface{}{
			"entity":     entity,
			"externalId": externalID,
		},
	}
}

// NewQueryValidationError records a query parameter that was clamped or dropped.
func NewQueryValidationError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeQueryValidation,
		Message:    fmt.Sprintf("invalid query parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewRunCancelledError is recorded on runs stopped by an operator or shutdown.
func NewRunCancelledError(runID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusConflict,
		Code:       CodeRunCancelled,
		Message:    fmt.Sprintf("sync run %s cancelled", runID),
	}
}

// NewSyncInProgressError is returned when another process holds the feed's
// sync lock and its run cannot be identified.
func NewSyncInProgressError(feed string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeSyncInProgress,
		Message:    fmt.Sprintf("a sync of feed %s is running in another process", feed),
		Details: map[string]interface{}{
			"feed": feed,
		},
	}
}

// Request errors

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeUnauthorized,
		Message:    message,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewRateLimitError creates a rate limit error for inbound API callers
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// System errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabase,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeCache,
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeServiceUnavailable,
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// Categorize categorizes an existing error, looking through wrapping
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	out := &CategorizedError{
		Code:    err.Code,
		Message: err.Message,
		Details: err.Details,
	}
	switch err.Code {
	case CodeNotFound, "PROPERTY_NOT_FOUND", "RUN_NOT_FOUND":
		out.Category, out.StatusCode = CategoryNotFound, http.StatusNotFound
	case CodeUnauthorized:
		out.Category, out.StatusCode = CategoryAuthorization, http.StatusUnauthorized
	case CodeQueryValidation:
		out.Category, out.StatusCode = CategoryValidation, http.StatusBadRequest
	default:
		out.Category, out.StatusCode = CategorySystem, http.StatusInternalServerError
	}
	return out
}

// HasCode reports whether err, or anything it wraps, is a CategorizedError with code.
func HasCode(err error, code string) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Code == code
}

// IsProviderUnavailable reports whether err is a transient provider failure
func IsProviderUnavailable(err error) bool {
	return HasCode(err, CodeProviderUnavailable)
}

// IsProviderAuth reports whether the provider rejected the credential
func IsProviderAuth(err error) bool {
	return HasCode(err, CodeProviderAuth)
}

// IsNormalization reports whether err is a per-record normalization failure
func IsNormalization(err error) bool {
	return HasCode(err, CodeNormalization)
}

// IsStorageConflict reports whether err is a lost upsert race
func IsStorageConflict(err error) bool {
	return HasCode(err, CodeStorageConflict)
}

// IsNotFound reports whether err is a not found error
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// RateLimited returns the retry-after hint when err is a provider rate limit.
func RateLimited(err error) (time.Duration, bool) {
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) && catErr.Code == CodeProviderRateLimited {
		return catErr.RetryAfter, true
	}
	return 0, false
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Code {
	case CodeProviderAuth, CodeNormalization, CodeRunCancelled:
		return false
	case CodeProviderUnavailable, CodeProviderRateLimited, CodeStorageConflict:
		return true
	}

	switch catErr.Category {
	case CategoryDatabase, CategoryCache:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
