package mcp

import (
	"context"
	"errors"
	"strings"
)

// ErrNotInitialized reports that the server no longer recognizes the
// session (or never completed its handshake). The client discards the
// session and handshakes again.
var ErrNotInitialized = errors.New("mcp: session not initialized")

// Reply is what a transport returns for one request.
type Reply struct {
	// Response is nil when the server acknowledged the request without a
	// body (HTTP 202/204).
	Response *Response
	// SessionID is the session identifier the server assigned, if any.
	SessionID string
	// Status is the HTTP status code, zero for stdio.
	Status int
}

// Accepted reports whether the server acknowledged the request
// asynchronously instead of returning a result.
func (r *Reply) Accepted() bool { return r != nil && r.Response == nil }

// Transport delivers JSON-RPC messages to one MCP server.
//
// Implementations return a [*tools.TransportError] for connection and
// protocol failures, a [*tools.ToolError] for server-reported request
// rejections, and wrap [ErrNotInitialized] when the server rejects the
// session.
type Transport interface {
	// Send delivers req within the given session ("" before the handshake).
	Send(ctx context.Context, sessionID string, req *Request) (*Reply, error)

	// Notify delivers a notification within the given session. Any 2xx
	// acknowledgment counts as success.
	Notify(ctx context.Context, sessionID string, notif *Notification) error

	// Terminate ends a session on the server, best-effort.
	Terminate(ctx context.Context, sessionID string) error

	// Close releases the transport. For stdio this stops the subprocess.
	Close() error
}

// isNotInitialized reports whether a server message describes a missing
// or expired session.
func isNotInitialized(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "not initialized") ||
		strings.Contains(m, "not been initialized") ||
		strings.Contains(m, "session not found") ||
		strings.Contains(m, "no valid session")
}

// rpcError maps a JSON-RPC error object to relay's error taxonomy.
func rpcError(server string, e *RPCError) error {
	switch {
	case e.Code == CodeNotInitialized || isNotInitialized(e.Message):
		return transportErr("jsonrpc", 0, errors.Join(ErrNotInitialized, e))
	case e.Code == CodeParseError || e.Code == CodeInvalidRequest:
		return transportErr("jsonrpc", 0, e)
	default:
		return toolErr(server, e.Message, e.Code)
	}
}
