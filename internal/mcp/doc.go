// Package mcp is relay's MCP (Model Context Protocol) client.
//
// MCP is JSON-RPC 2.0 over streamable HTTP or a stdio subprocess. Every
// exchange with a server starts with the three-step handshake
// (initialize, the server's acknowledgment, notifications/initialized);
// only a completed handshake yields a [Session], and tools/call takes a
// Session, so no call can be sent on an unestablished session.
//
// Each request owns its sessions through [Sessions]. A server reporting
// a stale session is handled by discarding it and handshaking again
// before the error would reach the caller.
package mcp
