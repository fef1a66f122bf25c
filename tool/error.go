package tool

import (
	"errors"
	"fmt"
)

// Tool invocation error codes, a closed set stable across adapters.
const (
	// ToolErrorCodeInvalidRequest is returned when request construction fails.
	ToolErrorCodeInvalidRequest = "INVALID_REQUEST"
	// ToolErrorCodeTransportFailure is returned when transport I/O fails.
	ToolErrorCodeTransportFailure = "TRANSPORT_FAILURE"
	// ToolErrorCodeUpstreamFailure is returned for non-success upstream responses.
	ToolErrorCodeUpstreamFailure = "UPSTREAM_FAILURE"
	// ToolErrorCodeDecodeFailure is returned when response decoding fails.
	ToolErrorCodeDecodeFailure = "DECODE_FAILURE"
	// ToolErrorCodeInvocationFailed is the generic fallback.
	ToolErrorCodeInvocationFailed = "INVOCATION_FAILED"
)

// ToolError is a structured invocation error that crosses the adapter
// boundary without losing retryability or its machine-readable code.
// The retry wrapper keys off Retryable; the interpreter converts
// exhausted ToolErrors into message failures.
type ToolError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

func (e *ToolError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Code == "" && e.Message == "":
		return ToolErrorCodeInvocationFailed
	case e.Code == "":
		return e.Message
	case e.Message == "":
		return e.Code
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newToolError(code, message string, retryable bool, cause error) *ToolError {
	if code == "" {
		code = ToolErrorCodeInvocationFailed
	}
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{Code: code, Message: message, Retryable: retryable, Cause: cause}
}

func withToolErrorDetails(err *ToolError, details map[string]any) *ToolError {
	if err == nil || len(details) == 0 {
		return err
	}
	if err.Details == nil {
		err.Details = make(map[string]any, len(details))
	}
	for key, value := range details {
		err.Details[key] = value
	}
	return err
}

func toolErrorFrom(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}
