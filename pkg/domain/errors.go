package domain

import (
	"errors"
	"fmt"
)

// Configuration and fetch errors shared across packages.
var (
	ErrPatternSyntax = errors.New("invalid pattern syntax")
	ErrPatternGroups = errors.New("pattern has no capture group 1")
	ErrInvalidURL    = errors.New("invalid form url")
	ErrEndpointUnset = errors.New("form endpoint not configured")
	ErrTokenNotFound = errors.New("token not found in form response")
	ErrFetchFailed   = errors.New("form fetch failed")
	ErrConfigInvalid = errors.New("invalid configuration")
	ErrUnknownTool   = errors.New("unknown tool")
)

// ConfigError reports a rejected configuration value. The previously active
// value stays in effect whenever a ConfigError is returned.
type ConfigError struct {
	Field string
	Value string
	Err   error
	Cause error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %q: %v: %v", e.Field, e.Value, e.Err, e.Cause)
	}
	return fmt.Sprintf("%s %q: %v", e.Field, e.Value, e.Err)
}

// Unwrap exposes both the sentinel classification and the underlying cause.
func (e *ConfigError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// ErrorResponse is the JSON error body returned by the intercept and admin APIs.
type ErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	TraceID string            `json:"trace_id,omitempty"`
}

// ErrorCode maps a fetch or configuration error onto a stable machine-readable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEndpointUnset):
		return "ENDPOINT_UNSET"
	case errors.Is(err, ErrTokenNotFound):
		return "TOKEN_NOT_FOUND"
	case errors.Is(err, ErrFetchFailed):
		return "FETCH_FAILED"
	case errors.Is(err, ErrPatternSyntax), errors.Is(err, ErrPatternGroups):
		return "PATTERN_INVALID"
	case errors.Is(err, ErrInvalidURL):
		return "URL_INVALID"
	case errors.Is(err, ErrUnknownTool):
		return "TOOL_UNKNOWN"
	default:
		return "INTERNAL"
	}
}
