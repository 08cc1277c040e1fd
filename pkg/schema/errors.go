package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeExpression     = "EXPRESSION_ERROR"
	ErrCodeSandbox        = "SANDBOX_FAULT"
	ErrCodePluginDispatch = "PLUGIN_DISPATCH_ERROR"
	ErrCodeSearch         = "SEARCH_ERROR"
	ErrCodeExecution      = "EXECUTION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeStore          = "STORE_ERROR"
)

// FlowError is the structured error type for all runtime operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeKey string         `json:"node_key,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeKey != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeKey, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node key to the error.
func (e *FlowError) WithNode(nodeKey string) *FlowError {
	e.NodeKey = nodeKey
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// CodeOf extracts the error code from err, or "" when err carries none.
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
