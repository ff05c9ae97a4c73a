// Package errors provides structured error handling for Memnon.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Backing store errors
//   - 3XX: External service errors (models, planner, reranker)
//   - 4XX: Validation errors
//   - 5XX: Internal errors
//   - 6XX: Data integrity errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStore indicates backing store errors.
	CategoryStore Category = "STORE"
	// CategoryExternal indicates failures of models or remote services.
	CategoryExternal Category = "EXTERNAL"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
	// CategoryIntegrity indicates malformed persisted data.
	CategoryIntegrity Category = "INTEGRITY"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound   = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid    = "ERR_102_CONFIG_INVALID"
	ErrCodeUnknownModel     = "ERR_103_UNKNOWN_MODEL"
	ErrCodeMalformedWeights = "ERR_104_MALFORMED_WEIGHTS"

	// Store errors (200-299)
	ErrCodeStoreUnavailable = "ERR_201_STORE_UNAVAILABLE"
	ErrCodeStoreWrite       = "ERR_202_STORE_WRITE"
	ErrCodeNotFound         = "ERR_203_NOT_FOUND"
	ErrCodeLockHeld         = "ERR_204_LOCK_HELD"

	// External service errors (300-399)
	ErrCodeNetworkTimeout   = "ERR_301_NETWORK_TIMEOUT"
	ErrCodeModelUnavailable = "ERR_302_MODEL_UNAVAILABLE"
	ErrCodePlannerFailed    = "ERR_303_PLANNER_FAILED"
	ErrCodeRerankFailed     = "ERR_304_RERANK_FAILED"
	ErrCodeCircuitOpen      = "ERR_305_CIRCUIT_OPEN"

	// Validation errors (400-499)
	ErrCodeInvalidInput  = "ERR_401_INVALID_INPUT"
	ErrCodeQueryEmpty    = "ERR_402_QUERY_EMPTY"
	ErrCodeInvalidAnchor = "ERR_403_INVALID_ANCHOR"
	ErrCodeInvalidLimit  = "ERR_404_INVALID_LIMIT"
	ErrCodePositionOrder = "ERR_405_POSITION_ORDER"

	// Internal errors (500-599)
	ErrCodeInternal          = "ERR_501_INTERNAL"
	ErrCodeCausalityViolated = "ERR_502_CAUSALITY_VIOLATED"
	ErrCodeEmbeddingFailed   = "ERR_503_EMBEDDING_FAILED"

	// Data integrity errors (600-699)
	ErrCodeMalformedPosition = "ERR_601_MALFORMED_POSITION"
	ErrCodeDimensionMismatch = "ERR_602_DIMENSION_MISMATCH"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Numeric portion, e.g. "201" from "ERR_201_STORE_UNAVAILABLE"
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStore
	case '3':
		return CategoryExternal
	case '4':
		return CategoryValidation
	case '6':
		return CategoryIntegrity
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeConfigInvalid, ErrCodeUnknownModel, ErrCodeMalformedWeights,
		ErrCodeStoreUnavailable, ErrCodeCausalityViolated:
		return SeverityFatal
	case ErrCodeMalformedPosition, ErrCodeDimensionMismatch:
		return SeverityWarning
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeNetworkTimeout, ErrCodeModelUnavailable, ErrCodePlannerFailed,
		ErrCodeRerankFailed, ErrCodeCircuitOpen:
		return true
	default:
		return false
	}
}
