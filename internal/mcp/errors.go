// Package mcp exposes memory retrieval to agents over the Model Context
// Protocol.
package mcp

import (
	"context"
	"errors"
	"fmt"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

// Custom MCP error codes.
const (
	// ErrCodeStoreUnavailable indicates the backing store cannot be reached.
	ErrCodeStoreUnavailable = -32001

	// ErrCodeModelUnavailable indicates an embedding or scoring service is down.
	ErrCodeModelUnavailable = -32002

	// ErrCodeTimeout indicates the request timed out or was canceled.
	ErrCodeTimeout = -32003

	// ErrCodeNotFound indicates a chunk or entity does not exist.
	ErrCodeNotFound = -32004

	// ErrCodeIntegrity indicates stored data or results broke an invariant.
	ErrCodeIntegrity = -32005

	// Standard JSON-RPC error codes.
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCPError is an MCP protocol error with code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts internal errors to MCP errors.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var me *merrors.MemnonError
	if errors.As(err, &me) {
		return mapMemnonError(me)
	}

	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: "Internal server error."}
	}
}

// NewInvalidParamsError creates an error for invalid parameters.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}

// NewNotFoundError creates an error for a missing resource.
func NewNotFoundError(uri string) *MCPError {
	return &MCPError{Code: ErrCodeNotFound, Message: fmt.Sprintf("Resource '%s' not found.", uri)}
}

func mapMemnonError(me *merrors.MemnonError) *MCPError {
	message := me.Message
	if me.Suggestion != "" {
		message = fmt.Sprintf("%s. %s", me.Message, me.Suggestion)
	}

	code := ErrCodeInternalError
	switch me.Category {
	case merrors.CategoryValidation:
		code = ErrCodeInvalidParams
	case merrors.CategoryStore:
		if me.Code == merrors.ErrCodeNotFound {
			code = ErrCodeNotFound
		} else {
			code = ErrCodeStoreUnavailable
		}
	case merrors.CategoryExternal:
		if me.Code == merrors.ErrCodeNetworkTimeout {
			code = ErrCodeTimeout
		} else {
			code = ErrCodeModelUnavailable
		}
	case merrors.CategoryIntegrity:
		code = ErrCodeIntegrity
	case merrors.CategoryInternal:
		if me.Code == merrors.ErrCodeCausalityViolated {
			code = ErrCodeIntegrity
		}
	}
	return &MCPError{Code: code, Message: message}
}
