// Package apperrors implements the error taxonomy of the image-analysis
// serving layer. Every domain error carries a stable upper-snake-case code so
// that downstream callers (batch item records, HTTP envelopes) can format it
// without inspecting Go error types.
package apperrors

import (
	"errors"
	"fmt"
)

// Code is one of the taxonomy entries. HTTP mapping is transport concern and
// lives in internal/httpapi, not here.
type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeNotFound           Code = "NOT_FOUND"
	CodeImageNotFound      Code = "IMAGE_NOT_FOUND"
	CodeRateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CodeVisionService      Code = "VISION_SERVICE_ERROR"
	CodeStorage            Code = "STORAGE_ERROR"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeTimeout            Code = "TIMEOUT"
	CodeCache              Code = "CACHE_ERROR"
	CodeProcessing         Code = "PROCESSING_ERROR"
)

// Error is the single error type produced by every internal package. It
// implements errors.Is against the Code sentinels below so callers can branch
// with errors.Is(err, apperrors.ErrValidation) without type-asserting.
type Error struct {
	Code           Code
	Message        string
	Details        map[string]any
	RetryAfterSecs int
	// Operation and Context give ProcessingError diagnostics.
	Operation string
	Context   map[string]any
	cause     error
}

func (e *Error) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Operation, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches against the family sentinels (ErrValidation, ErrNotFound, ...),
// which all carry a Code and no Message, so two *Error values are considered
// equal for errors.Is purposes when their Codes match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newSentinel(c Code, msg string) *Error { return &Error{Code: c, Message: msg} }

// Sentinels for errors.Is comparisons.
var (
	ErrValidation         = newSentinel(CodeValidation, "validation error")
	ErrNotFound           = newSentinel(CodeNotFound, "not found")
	ErrImageNotFound      = newSentinel(CodeImageNotFound, "image not found")
	ErrRateLimitExceeded  = newSentinel(CodeRateLimitExceeded, "rate limit exceeded")
	ErrVisionService      = newSentinel(CodeVisionService, "vision service error")
	ErrStorage            = newSentinel(CodeStorage, "storage error")
	ErrServiceUnavailable = newSentinel(CodeServiceUnavailable, "service unavailable")
	ErrTimeout            = newSentinel(CodeTimeout, "timeout")
	ErrCache              = newSentinel(CodeCache, "cache error")
	ErrProcessing         = newSentinel(CodeProcessing, "processing error")
)

// Validation builds a ValidationError.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// ImageNotFound builds a NotFoundError for an unknown image hash.
func ImageNotFound(hash string) *Error {
	return &Error{Code: CodeImageNotFound, Message: "image not found", Details: map[string]any{"image_hash": hash}}
}

// Storage wraps a lower-level error as a StorageError.
func Storage(op string, cause error) *Error {
	return &Error{Code: CodeStorage, Message: cause.Error(), Operation: op, cause: cause}
}

// VisionService builds a VisionServiceError, optionally with a retry hint.
func VisionService(message string, retryAfterSecs int, cause error) *Error {
	return &Error{Code: CodeVisionService, Message: message, RetryAfterSecs: retryAfterSecs, cause: cause}
}

// ServiceUnavailable builds a ServiceUnavailableError with a retry hint, used
// when the vision client's circuit breaker is open.
func ServiceUnavailable(message string, retryAfterSecs int) *Error {
	return &Error{Code: CodeServiceUnavailable, Message: message, RetryAfterSecs: retryAfterSecs}
}

// Timeout builds a TimeoutError for an operation that exceeded its deadline.
func Timeout(op string) *Error {
	return &Error{Code: CodeTimeout, Message: "operation timed out", Operation: op}
}

// Cache wraps a cache-layer failure. It is never surfaced to clients;
// callers must treat it as a MISS and skip the write.
func Cache(op string, cause error) *Error {
	return &Error{Code: CodeCache, Message: cause.Error(), Operation: op, cause: cause}
}

// Processing builds a catch-all internal transform failure with diagnostics.
func Processing(op string, context map[string]any, cause error) *Error {
	msg := "processing failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: CodeProcessing, Message: msg, Operation: op, Context: context, cause: cause}
}

// RateLimitExceeded builds the error carried through from the rate-limit
// collaborator: the core consumes a decision, it does not implement
// bucketing itself.
func RateLimitExceeded(retryAfterSecs int) *Error {
	return &Error{Code: CodeRateLimitExceeded, Message: "rate limit exceeded", RetryAfterSecs: retryAfterSecs}
}

// IsRetryable reports whether err belongs to a transient class that the
// retry and batch-retry policies should attempt again.
func IsRetryable(err error) bool {
	var ae *Error
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.Code {
	case CodeServiceUnavailable, CodeTimeout, CodeVisionService, CodeStorage:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether err should not be retried even once more.
func IsTerminal(err error) bool {
	var ae *Error
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.Code {
	case CodeValidation, CodeNotFound, CodeImageNotFound:
		return true
	default:
		return false
	}
}

// As is a thin re-export of errors.As so callers importing only apperrors
// don't need a second import for the common case of unwrapping an *Error.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}

// httpStatus maps codes to HTTP statuses for transport clarity only.
// The core emits Codes, never status codes; internal/httpapi is the only
// caller of this function, and it is the single place that crosses from the
// taxonomy into a transport concern.
var httpStatus = map[Code]int{
	CodeValidation:         400,
	CodeNotFound:           404,
	CodeImageNotFound:      404,
	CodeRateLimitExceeded:  429,
	CodeVisionService:      502,
	CodeStorage:            502,
	CodeServiceUnavailable: 503,
	CodeTimeout:            504,
	CodeProcessing:         500,
}

// HTTPStatus maps code to its transport status per the table above. Code
// CACHE_ERROR has no entry since it is never surfaced to clients; callers
// that somehow receive one should treat it as a 500.
func HTTPStatus(code Code) int {
	if s, ok := httpStatus[code]; ok {
		return s
	}
	return 500
}
