package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nugget/relay/internal/buildinfo"
	"github.com/nugget/relay/internal/events"
	"github.com/nugget/relay/internal/metrics"
	"github.com/nugget/relay/internal/tools"
)

// ProtocolVersion is the MCP protocol version announced in initialize.
const ProtocolVersion = "2025-03-26"

const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"
)

// DefaultHandshakeTimeout bounds initialize + initialized.
const DefaultHandshakeTimeout = 15 * time.Second

// ErrNoSession is returned by Invoke for a session this client did not
// create or has already discarded.
var ErrNoSession = errors.New("mcp: no established session")

var tracer = otel.Tracer("github.com/nugget/relay/internal/mcp")

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ServerInfo identifies the server in the initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
	SessionID       string         `json:"sessionId,omitempty"`
}

type callToolResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// Session is an established MCP session. Only a completed handshake
// creates one, so a tool call can never precede initialization.
//
// wire holds the server-assigned identifier sent with each request and
// is empty when the server assigned none; id falls back to a local UUID.
type Session struct {
	id              string
	wire            string
	server          string
	protocolVersion string
	serverInfo      ServerInfo
	capabilities    map[string]any
	established     time.Time
	owner           *Client
	discarded       atomic.Bool
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Server returns the configured server name.
func (s *Session) Server() string { return s.server }

// ProtocolVersion returns the version the server agreed to.
func (s *Session) ProtocolVersion() string { return s.protocolVersion }

// ServerInfo returns the server's self-description.
func (s *Session) ServerInfo() ServerInfo { return s.serverInfo }

// Capabilities returns the capability set the server advertised.
func (s *Session) Capabilities() map[string]any { return s.capabilities }

// Established returns when the handshake completed.
func (s *Session) Established() time.Time { return s.established }

// Initialized reports whether the session is usable: the handshake
// completed and the session has not been discarded.
func (s *Session) Initialized() bool { return s != nil && !s.discarded.Load() }

// Result is the outcome of one tools/call.
type Result struct {
	// Raw is the complete JSON-RPC result object.
	Raw json.RawMessage
	// Structured is the structuredContent field when present.
	Structured json.RawMessage
	Content    []ContentBlock
	// Text joins the text content blocks.
	Text string
	// Accepted is set when the server acknowledged the call
	// asynchronously (HTTP 202/204). It is a success with no payload.
	Accepted bool
}

// Payload returns the value handed downstream: structured content when
// the server sent it, otherwise the raw result.
func (r *Result) Payload() json.RawMessage {
	if r == nil || r.Accepted {
		return nil
	}
	if len(r.Structured) > 0 {
		return r.Structured
	}
	return r.Raw
}

// ClientOptions configures a Client.
type ClientOptions struct {
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
	Bus              *events.Bus
	Metrics          *metrics.Metrics
}

// Client speaks MCP to one server. It is safe for concurrent use; each
// request obtains its own Session from it.
type Client struct {
	name             string
	transport        Transport
	handshakeTimeout time.Duration
	logger           *slog.Logger
	bus              *events.Bus
	metrics          *metrics.Metrics
	nextID           atomic.Int64

	mu    sync.Mutex
	live  map[*Session]struct{}
	tools []ToolDefinition
}

// NewClient creates a client for the named server over transport.
func NewClient(name string, transport Transport, opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Client{
		name:             name,
		transport:        transport,
		handshakeTimeout: opts.HandshakeTimeout,
		logger:           opts.Logger.With("mcp_server", name),
		bus:              opts.Bus,
		metrics:          opts.Metrics,
		live:             make(map[*Session]struct{}),
	}
}

// Name returns the server name.
func (c *Client) Name() string { return c.name }

// EnsureSession returns cur if it is still usable, otherwise performs a
// fresh handshake.
func (c *Client) EnsureSession(ctx context.Context, cur *Session) (*Session, error) {
	if cur.Initialized() && cur.owner == c {
		return cur, nil
	}
	return c.Handshake(ctx)
}

// Handshake runs initialize, waits for the server acknowledgment, then
// sends notifications/initialized. The exchange is bounded by the
// handshake timeout, independent of per-call timeouts.
func (c *Client) Handshake(ctx context.Context) (sess *Session, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "mcp.handshake")
	span.SetAttributes(attribute.String("mcp.server", c.name))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		c.metrics.ObserveHandshake(c.name, err == nil)
		data := map[string]any{"server": c.name, "ok": err == nil}
		if sess != nil {
			data["session_id"] = sess.id
		}
		c.bus.Emit(events.SourceMCP, events.KindHandshake, data)
	}()

	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "relay",
			"version": buildinfo.Version,
		},
	}

	reply, err := c.transport.Send(ctx, "", NewRequest(c.nextID.Add(1), methodInitialize, params))
	if err != nil {
		return nil, fmt.Errorf("initialize %s: %w", c.name, handshakeErr(methodInitialize, err))
	}
	if reply.Accepted() {
		return nil, fmt.Errorf("initialize %s: %w", c.name,
			transportErr(methodInitialize, reply.Status, errors.New("server acknowledged initialize without a result")))
	}
	if reply.Response.Error != nil {
		return nil, fmt.Errorf("initialize %s: %w", c.name, transportErr(methodInitialize, 0, reply.Response.Error))
	}

	var result initializeResult
	if err := json.Unmarshal(reply.Response.Result, &result); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", c.name, transportErr(methodInitialize, 0, err))
	}

	wireID := reply.SessionID
	if wireID == "" {
		wireID = result.SessionID
	}
	id := wireID
	if id == "" {
		// Transports without server-assigned sessions (stdio) get a
		// local identifier for attribution only.
		id = uuid.NewString()
	}

	// The session is not usable until the server has been told the
	// client is ready.
	if err := c.transport.Notify(ctx, wireID, NewNotification(methodInitialized, nil)); err != nil {
		if wireID != "" {
			tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if terr := c.transport.Terminate(tctx, wireID); terr != nil {
				c.logger.Debug("MCP session termination failed", "session_id", wireID, "error", terr)
			}
			cancel()
		}
		return nil, fmt.Errorf("initialized notification %s: %w", c.name, handshakeErr(methodInitialized, err))
	}

	sess = &Session{
		id:              id,
		wire:            wireID,
		server:          c.name,
		protocolVersion: result.ProtocolVersion,
		serverInfo:      result.ServerInfo,
		capabilities:    result.Capabilities,
		established:     time.Now(),
		owner:           c,
	}

	c.mu.Lock()
	c.live[sess] = struct{}{}
	c.mu.Unlock()

	c.logger.Debug("MCP session established",
		"session_id", sess.id,
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return sess, nil
}

func (s *Session) wireID() string { return s.wire }

// Invoke sends one tools/call over sess. It does not recover from a
// stale session; see [Client.Call].
func (c *Client) Invoke(ctx context.Context, sess *Session, name string, args map[string]any) (*Result, error) {
	if !sess.Initialized() || sess.owner != c {
		return nil, ErrNoSession
	}
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	reply, err := c.transport.Send(ctx, sess.wireID(), NewRequest(c.nextID.Add(1), methodToolsCall, params))
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	if reply.Accepted() {
		return &Result{Accepted: true}, nil
	}
	if reply.Response.Error != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, rpcError(c.name, reply.Response.Error))
	}

	var result callToolResult
	if err := json.Unmarshal(reply.Response.Result, &result); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, transportErr(methodToolsCall, 0, err))
	}

	text := extractText(result.Content)
	if result.IsError {
		return nil, &tools.ToolError{Tool: name, Message: text}
	}

	return &Result{
		Raw:        reply.Response.Result,
		Structured: result.StructuredContent,
		Content:    result.Content,
		Text:       text,
	}, nil
}

// Call invokes a tool, establishing or repairing the session as
// needed. When the server reports the session is not initialized, the
// session is discarded and the call is retried once on a fresh
// handshake before any error reaches the caller. Any other transport
// failure discards the session so the next call handshakes again. The
// returned session is the one to use for subsequent calls (nil after a
// discard).
func (c *Client) Call(ctx context.Context, sess *Session, name string, args map[string]any) (*Result, *Session, error) {
	sess, err := c.EnsureSession(ctx, sess)
	if err != nil {
		return nil, nil, err
	}

	res, err := c.Invoke(ctx, sess, name, args)
	if errors.Is(err, ErrNotInitialized) {
		c.logger.Info("MCP session rejected by server, re-handshaking", "session_id", sess.id)
		c.Discard(ctx, sess, "not initialized")

		sess, err = c.Handshake(ctx)
		if err != nil {
			return nil, nil, err
		}
		res, err = c.Invoke(ctx, sess, name, args)
	}
	if err != nil && tools.IsTransport(err) {
		c.Discard(ctx, sess, "transport error")
		return nil, nil, err
	}
	return res, sess, err
}

// ListTools calls tools/list over sess. Results are cached per client.
func (c *Client) ListTools(ctx context.Context, sess *Session) ([]ToolDefinition, error) {
	c.mu.Lock()
	cached := c.tools
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	if !sess.Initialized() || sess.owner != c {
		return nil, ErrNoSession
	}

	reply, err := c.transport.Send(ctx, sess.wireID(), NewRequest(c.nextID.Add(1), methodToolsList, nil))
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	if reply.Accepted() {
		return nil, fmt.Errorf("tools/list: %w", transportErr(methodToolsList, reply.Status, errors.New("no result")))
	}
	if reply.Response.Error != nil {
		return nil, fmt.Errorf("tools/list: %w", rpcError(c.name, reply.Response.Error))
	}

	var result toolsListResult
	if err := json.Unmarshal(reply.Response.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// Discard invalidates sess and asks the server to end it. Discarding
// twice is harmless.
func (c *Client) Discard(ctx context.Context, sess *Session, reason string) {
	if sess == nil || sess.owner != c || !sess.discarded.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	delete(c.live, sess)
	c.mu.Unlock()

	c.bus.Emit(events.SourceMCP, events.KindSessionDiscarded, map[string]any{
		"server":     c.name,
		"session_id": sess.id,
		"reason":     reason,
	})

	if id := sess.wireID(); id != "" {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.transport.Terminate(tctx, id); err != nil {
			c.logger.Debug("MCP session termination failed", "session_id", sess.id, "error", err)
		}
	}
}

// LiveSessions returns the number of sessions not yet discarded.
func (c *Client) LiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// Close discards every live session and closes the transport.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	live := make([]*Session, 0, len(c.live))
	for s := range c.live {
		live = append(live, s)
	}
	c.mu.Unlock()

	for _, s := range live {
		c.Discard(ctx, s, "shutdown")
	}
	c.logger.Debug("closing MCP client")
	return c.transport.Close()
}

// extractText joins text content blocks. Other block types are
// rendered as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "":
			continue
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
