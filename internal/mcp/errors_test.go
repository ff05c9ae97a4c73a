package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

func TestMapError_NilError(t *testing.T) {
	assert.Nil(t, MapError(nil))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{"empty query", merrors.New(merrors.ErrCodeQueryEmpty, "query is empty", nil), ErrCodeInvalidParams, "query is empty"},
		{"negative anchor", merrors.New(merrors.ErrCodeInvalidAnchor, "anchor -1 is negative", nil), ErrCodeInvalidParams, "anchor -1"},
		{"store down", merrors.StoreUnavailable("read chunks", errors.New("closed")), ErrCodeStoreUnavailable, "read chunks"},
		{"missing chunk", merrors.New(merrors.ErrCodeNotFound, "no chunk at position 9", nil), ErrCodeNotFound, "position 9"},
		{"model down", merrors.ModelUnavailable("small", nil), ErrCodeModelUnavailable, "small"},
		{"timeout", merrors.New(merrors.ErrCodeNetworkTimeout, "planner timed out", nil), ErrCodeTimeout, "timed out"},
		{"causality", merrors.New(merrors.ErrCodeCausalityViolated, "position 12 after anchor 10", nil), ErrCodeIntegrity, "anchor 10"},
		{"dimension mismatch", merrors.New(merrors.ErrCodeDimensionMismatch, "want 8 got 16", nil), ErrCodeIntegrity, "want 8"},
		{"config", merrors.ConfigError("bad weights", nil), ErrCodeInternalError, "bad weights"},
		{"wrapped", fmt.Errorf("search: %w", merrors.ValidationError("unknown query type", nil)), ErrCodeInvalidParams, "unknown query type"},
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout, "timed out"},
		{"canceled", context.Canceled, ErrCodeTimeout, "canceled"},
		{"already mapped", NewInvalidParamsError("k too big"), ErrCodeInvalidParams, "k too big"},
		{"unknown", errors.New("boom"), ErrCodeInternalError, "Internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// When: mapping the error
			got := MapError(tt.err)

			// Then: code and message follow the error's category
			require.NotNil(t, got)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Contains(t, got.Message, tt.wantMsg)
		})
	}
}

func TestMapError_IncludesSuggestion(t *testing.T) {
	err := merrors.New(merrors.ErrCodeQueryEmpty, "query is empty", nil).
		WithSuggestion("Provide a non-empty query")

	got := MapError(err)

	assert.Equal(t, "query is empty. Provide a non-empty query", got.Message)
}

func TestMCPError_Error(t *testing.T) {
	err := &MCPError{Code: ErrCodeNotFound, Message: "gone"}

	assert.Equal(t, "MCP error -32004: gone", err.Error())
}
