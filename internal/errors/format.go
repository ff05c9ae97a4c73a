package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

func asMemnon(err error) *MemnonError {
	var me *MemnonError
	if stderrors.As(err, &me) {
		return me
	}
	return Wrap(ErrCodeInternal, err)
}

// FormatForCLI formats an error for terminal display.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}
	me := asMemnon(err)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", me.Message))
	if me.Cause != nil && me.Cause.Error() != me.Message {
		sb.WriteString(fmt.Sprintf("  Cause: %v\n", me.Cause))
	}
	if me.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  Hint: %s\n", me.Suggestion))
	}
	sb.WriteString(fmt.Sprintf("  Code: %s\n", me.Code))
	return sb.String()
}

// jsonError is the wire representation of an error for HTTP and MCP callers.
type jsonError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Category   string            `json:"category"`
	Severity   string            `json:"severity"`
	Details    map[string]string `json:"details,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
	Cause      string            `json:"cause,omitempty"`
	Retryable  bool              `json:"retryable"`
}

// FormatJSON returns a JSON representation of the error.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(nil)
	}
	me := asMemnon(err)

	je := jsonError{
		Code:       me.Code,
		Message:    me.Message,
		Category:   string(me.Category),
		Severity:   string(me.Severity),
		Details:    me.Details,
		Suggestion: me.Suggestion,
		Retryable:  me.Retryable,
	}
	if me.Cause != nil {
		je.Cause = me.Cause.Error()
	}
	return json.Marshal(je)
}

// LogAttrs returns key-value pairs for slog.
func LogAttrs(err error) []any {
	if err == nil {
		return nil
	}
	var me *MemnonError
	if !stderrors.As(err, &me) {
		return []any{"error", err.Error()}
	}

	attrs := []any{
		"error_code", me.Code,
		"error", me.Message,
		"category", string(me.Category),
		"retryable", me.Retryable,
	}
	if me.Cause != nil {
		attrs = append(attrs, "cause", me.Cause.Error())
	}
	for k, v := range me.Details {
		attrs = append(attrs, "detail_"+k, v)
	}
	return attrs
}
