package errors

import (
	"errors"
	"fmt"
)

// QueryError is the structured error type for astmcp.
// It carries enough context for boundary mapping, logging, and user hints.
type QueryError struct {
	// Code is the unique error code (e.g., "ERR_DIMENSION_MISMATCH").
	Code string

	// Message is the human-readable error message.
	Message string

	// Kind decides how the error crosses the MCP boundary.
	Kind Kind

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable hint for the operator.
	Suggestion string
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *QueryError) Unwrap() error {
	return e.Cause
}

// Is matches by code, enabling errors.Is against sentinel QueryErrors.
func (e *QueryError) Is(target error) bool {
	if t, ok := target.(*QueryError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *QueryError) WithDetail(key, value string) *QueryError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the operator.
func (e *QueryError) WithSuggestion(s string) *QueryError {
	e.Suggestion = s
	return e
}

// New creates a QueryError with the given code and message.
// Kind and the retryable flag are derived from the code.
func New(code, message string, cause error) *QueryError {
	kind := kindFromCode(code)
	return &QueryError{
		Code:      code,
		Message:   message,
		Kind:      kind,
		Cause:     cause,
		Retryable: retryableKinds[kind],
	}
}

// Newf creates a QueryError with a formatted message.
func Newf(code string, cause error, format string, args ...any) *QueryError {
	return New(code, fmt.Sprintf(format, args...), cause)
}

// KindOf extracts the Kind from an error chain.
// Unclassified errors report KindTransient.
func KindOf(err error) Kind {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindTransient
}

// IsFatal reports whether the error chain contains a fatal error.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}

// IsCorruption reports whether the error indicates unrecoverable storage
// corruption, which maps to process exit code 2.
func IsCorruption(err error) bool {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Code == ErrCodeStoreCorrupt || qe.Code == ErrCodeIndexCorrupt
	}
	return false
}
