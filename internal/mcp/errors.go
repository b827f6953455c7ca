// Package mcp implements the Model Context Protocol front-end for the
// astmcp query engine.
package mcp

import (
	"context"
	"errors"
	"fmt"

	qerrors "github.com/astmcp/astmcp/internal/errors"
)

// Application error codes in the JSON-RPC -32000..-32099 range.
const (
	// ErrCodeNotReady indicates the index is empty or the store is not
	// open; the client should retry after ingest.
	ErrCodeNotReady = -32001

	// ErrCodeOverloaded indicates the concurrency bound was exceeded.
	ErrCodeOverloaded = -32002

	// ErrCodeTimeout indicates the request deadline was exceeded or the
	// request was cancelled.
	ErrCodeTimeout = -32003

	// ErrCodeStorage indicates a fatal error: storage corruption, a
	// persistent dimension mismatch or a failed model initialisation.
	ErrCodeStorage = -32004

	// ErrCodeInternal is the catch-all application failure.
	ErrCodeInternal = -32000

	// Standard JSON-RPC error codes.
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
)

// Error is a JSON-RPC error with code, message and optional data.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// NewInvalidParamsError creates a -32602 error.
func NewInvalidParamsError(msg string) *Error {
	return &Error{Code: ErrCodeInvalidParams, Message: msg}
}

// MapError converts internal errors to protocol errors. Degraded
// responses never reach here: fallback is a success with an annotated
// search_strategy, not an error.
func MapError(err error) *Error {
	if err == nil {
		return nil
	}

	var mcpErr *Error
	if errors.As(err, &mcpErr) {
		return mcpErr
	}

	code := ErrCodeInternal
	switch qerrors.KindOf(err) {
	case qerrors.KindInvalidRequest:
		code = ErrCodeInvalidParams
	case qerrors.KindNotReady:
		code = ErrCodeNotReady
	case qerrors.KindResourceExhausted:
		code = ErrCodeOverloaded
	case qerrors.KindFatal:
		code = ErrCodeStorage
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		code = ErrCodeTimeout
	}

	e := &Error{
		Code:    code,
		Message: err.Error(),
		Data:    map[string]any{"error": err.Error()},
	}

	var qe *qerrors.QueryError
	if errors.As(err, &qe) {
		e.Data["kind"] = string(qe.Kind)
		e.Data["retryable"] = qe.Retryable
		if qe.Suggestion != "" {
			e.Data["suggestion"] = qe.Suggestion
		}
	}
	return e
}
