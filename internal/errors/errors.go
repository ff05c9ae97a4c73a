package errors

import (
	stderrors "errors"
	"fmt"
)

// MemnonError is the structured error type for Memnon.
// It carries enough context for the caller to decide between fallback,
// retry and abort without string matching.
type MemnonError struct {
	// Code is the unique error code (e.g., "ERR_201_STORE_UNAVAILABLE").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Store, External, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *MemnonError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *MemnonError) Unwrap() error {
	return e.Cause
}

// Is matches by code so sentinel values work with errors.Is.
func (e *MemnonError) Is(target error) bool {
	if t, ok := target.(*MemnonError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *MemnonError) WithDetail(key, value string) *MemnonError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *MemnonError) WithSuggestion(suggestion string) *MemnonError {
	e.Suggestion = suggestion
	return e
}

// New creates a new MemnonError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *MemnonError {
	return &MemnonError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a MemnonError from an existing error.
// The error's message becomes the MemnonError message.
func Wrap(code string, err error) *MemnonError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinel values for errors.Is comparisons. Only the code is compared.
var (
	ErrStoreUnavailable  = &MemnonError{Code: ErrCodeStoreUnavailable}
	ErrModelUnavailable  = &MemnonError{Code: ErrCodeModelUnavailable}
	ErrConfigInvalid     = &MemnonError{Code: ErrCodeConfigInvalid}
	ErrUnknownModel      = &MemnonError{Code: ErrCodeUnknownModel}
	ErrMalformedPosition = &MemnonError{Code: ErrCodeMalformedPosition}
	ErrDimensionMismatch = &MemnonError{Code: ErrCodeDimensionMismatch}
	ErrCausalityViolated = &MemnonError{Code: ErrCodeCausalityViolated}
)

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *MemnonError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// StoreUnavailable creates the fatal-for-query backing store error.
func StoreUnavailable(message string, cause error) *MemnonError {
	return New(ErrCodeStoreUnavailable, message, cause).
		WithSuggestion("check that the backing store is reachable and not closed")
}

// ModelUnavailable creates a recoverable model error.
func ModelUnavailable(modelID string, cause error) *MemnonError {
	return New(ErrCodeModelUnavailable, fmt.Sprintf("model %q unavailable", modelID), cause).
		WithDetail("model_id", modelID)
}

// IntegrityError creates a data-integrity error for a single record.
func IntegrityError(code string, message string) *MemnonError {
	return New(code, message, nil)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *MemnonError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *MemnonError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if any MemnonError in the chain is retryable.
func IsRetryable(err error) bool {
	var me *MemnonError
	if stderrors.As(err, &me) {
		return me.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	var me *MemnonError
	if stderrors.As(err, &me) {
		return me.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from the first MemnonError in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	var me *MemnonError
	if stderrors.As(err, &me) {
		return me.Code
	}
	return ""
}

// GetCategory extracts the category from a MemnonError.
func GetCategory(err error) Category {
	var me *MemnonError
	if stderrors.As(err, &me) {
		return me.Category
	}
	return ""
}
