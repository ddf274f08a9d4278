// Package tools provides the tool registry and the error taxonomy used
// when planned steps are validated and executed.
//
// This file defines the typed errors shared by the registry, the MCP
// client and the agent loop.
package tools

import (
	"errors"
	"fmt"
)

// UnavailableError is returned when a tool or action is not present in
// the registry. This is a capability mismatch, not a transient failure.
type UnavailableError struct {
	Tool   string
	Action string
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("tool %q is not registered", e.Tool)
	}
	return fmt.Sprintf("tool %q has no action %q", e.Tool, e.Action)
}

// ValidationError reports arguments that fail the action's declared
// schema. Steps that fail validation are rejected at plan time and never
// executed.
type ValidationError struct {
	Tool   string
	Action string
	Err    error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s.%s: invalid arguments: %v", e.Tool, e.Action, e.Err)
}

// Unwrap returns the underlying schema error.
func (e *ValidationError) Unwrap() error { return e.Err }

// ToolError is a logical failure reported by the tool itself (bad query
// syntax, missing field, rate limit). It is retried with a correction.
type ToolError struct {
	Tool    string
	Message string
	// Code is the JSON-RPC error code or HTTP status when known.
	Code int
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Tool == "" {
		return "tool error: " + e.Message
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

// TransportError is an infrastructure failure: connection refused, HTTP
// 5xx, a malformed response or a protocol violation. It is retried and
// forces a fresh session handshake.
type TransportError struct {
	Op     string
	Status int
	// Timeout is set when the server or the network reported a timeout
	// (HTTP 408/504, i/o deadline).
	Timeout bool
	Err     error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	msg := e.Op
	if e.Status != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is or wraps a [*TransportError].
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
