package mcp

import (
	"errors"
	"net"
	"net/http"

	"github.com/nugget/relay/internal/tools"
)

func transportErr(op string, status int, err error) *tools.TransportError {
	te := &tools.TransportError{Op: op, Status: status, Err: err}
	var ne net.Error
	if status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout ||
		(errors.As(err, &ne) && ne.Timeout()) {
		te.Timeout = true
	}
	return te
}

func toolErr(server, msg string, code int) *tools.ToolError {
	return &tools.ToolError{Tool: server, Message: msg, Code: code}
}

// statusError maps a non-success HTTP status to relay's taxonomy.
func statusError(server, op string, status int, body string, hadSession bool) error {
	switch {
	case status == http.StatusNotFound && hadSession, isNotInitialized(body):
		return transportErr(op, status, ErrNotInitialized)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return transportErr(op, status, errors.New(body))
	case status == http.StatusTooManyRequests:
		return toolErr(server, "rate limit exceeded: "+body, status)
	case status >= 400 && status < 500:
		return toolErr(server, body, status)
	default:
		return transportErr(op, status, errors.New(body))
	}
}

// handshakeErr reports a failed session setup as a transport error. A
// server that rejects initialize has not run any tool, so its 4xx
// answers are never tool errors.
func handshakeErr(op string, err error) error {
	if tools.IsTransport(err) {
		return err
	}
	var tle *tools.ToolError
	if errors.As(err, &tle) {
		return transportErr(op, tle.Code, errors.New(tle.Message))
	}
	return transportErr(op, 0, err)
}
