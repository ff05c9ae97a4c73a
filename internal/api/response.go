package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

// ErrorResponse is the error body of every failed request.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure.
type ErrorDetail struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	RequestID  string            `json:"request_id"`
}

// Codes for failures that do not come from the core.
const (
	ErrCodeBadRequest     = "BAD_REQUEST"
	ErrCodeInternalServer = "INTERNAL_SERVER_ERROR"
)

// writeJSON writes data with the given status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("http_encode_failed", slog.String("error", err.Error()))
	}
}

// writeError writes err as an ErrorResponse. MEMNON errors keep their code
// and pick the status from their category.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	detail := ErrorDetail{
		Code:      ErrCodeInternalServer,
		Message:   "internal server error",
		RequestID: GetRequestID(r.Context()),
	}
	status := http.StatusInternalServerError

	var me *merrors.MemnonError
	if errors.As(err, &me) {
		detail.Code = me.Code
		detail.Message = me.Message
		detail.Suggestion = me.Suggestion
		detail.Details = me.Details
		status = StatusFor(me)
	}
	writeJSON(w, status, ErrorResponse{Error: detail})
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
		Code:      ErrCodeBadRequest,
		Message:   msg,
		RequestID: GetRequestID(r.Context()),
	}})
}

// StatusFor maps a MEMNON error to an HTTP status.
func StatusFor(me *merrors.MemnonError) int {
	switch me.Code {
	case merrors.ErrCodeNotFound:
		return http.StatusNotFound
	case merrors.ErrCodeLockHeld, merrors.ErrCodePositionOrder:
		return http.StatusConflict
	case merrors.ErrCodeNetworkTimeout:
		return http.StatusGatewayTimeout
	}
	switch me.Category {
	case merrors.CategoryValidation:
		return http.StatusBadRequest
	case merrors.CategoryStore:
		return http.StatusServiceUnavailable
	case merrors.CategoryExternal:
		return http.StatusBadGateway
	case merrors.CategoryIntegrity:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
