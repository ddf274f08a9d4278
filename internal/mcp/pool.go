package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nugget/relay/internal/config"
	"github.com/nugget/relay/internal/events"
	"github.com/nugget/relay/internal/metrics"
)

// Pool holds one Client per configured MCP server. It is built once at
// startup and shared read-only by every request.
type Pool struct {
	clients map[string]*Client
}

// PoolOptions configures NewPool.
type PoolOptions struct {
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
	Bus              *events.Bus
	Metrics          *metrics.Metrics
}

// NewPool creates clients for the configured servers. Endpoints come
// only from configuration; a server without a URL or command is an
// error.
func NewPool(servers []config.MCPServerConfig, opts PoolOptions) (*Pool, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Pool{clients: make(map[string]*Client, len(servers))}
	for _, sc := range servers {
		var tr Transport
		switch {
		case sc.URL != "":
			tr = NewHTTPTransport(HTTPConfig{
				Name:    sc.Name,
				URL:     sc.URL,
				Headers: sc.Headers,
				Logger:  opts.Logger.With("mcp_server", sc.Name),
			})
		case sc.Command != "":
			tr = NewStdioTransport(StdioConfig{
				Name:    sc.Name,
				Command: sc.Command,
				Args:    sc.Args,
				Env:     sc.Env,
				Logger:  opts.Logger.With("mcp_server", sc.Name),
			})
		default:
			return nil, fmt.Errorf("mcp server %s: no url or command configured (set %s)", sc.Name, config.ServerURLEnv(sc.Name))
		}
		p.Add(NewClient(sc.Name, tr, ClientOptions{
			HandshakeTimeout: opts.HandshakeTimeout,
			Logger:           opts.Logger,
			Bus:              opts.Bus,
			Metrics:          opts.Metrics,
		}))
	}
	return p, nil
}

// NewPoolOf builds a pool from existing clients.
func NewPoolOf(clients ...*Client) *Pool {
	p := &Pool{clients: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		p.Add(c)
	}
	return p
}

// Add registers a client under its server name. Call before the pool is
// shared.
func (p *Pool) Add(c *Client) {
	p.clients[c.Name()] = c
}

// Client returns the client for a server.
func (p *Pool) Client(server string) (*Client, bool) {
	c, ok := p.clients[server]
	return c, ok
}

// Names returns the configured server names, sorted.
func (p *Pool) Names() []string {
	out := make([]string, 0, len(p.clients))
	for name := range p.clients {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of servers.
func (p *Pool) Len() int { return len(p.clients) }

// Close closes every client, ending their live sessions.
func (p *Pool) Close(ctx context.Context) error {
	var errs []error
	for _, name := range p.Names() {
		if err := p.clients[name].Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Sessions is the set of sessions owned by one request. Sessions are
// created lazily on the first call to each server, reused across the
// request's steps, and never shared with other requests. Concurrent
// callers within the request share a single handshake per server.
type Sessions struct {
	pool  *Pool
	group singleflight.Group

	mu   sync.Mutex
	live map[string]*Session
}

// NewSessions creates an empty per-request session set.
func (p *Pool) NewSessions() *Sessions {
	return &Sessions{pool: p, live: make(map[string]*Session)}
}

// Session returns the request's session with server, performing the
// handshake on first use or after the previous session was discarded.
func (s *Sessions) Session(ctx context.Context, server string) (*Session, error) {
	c, ok := s.pool.Client(server)
	if !ok {
		return nil, fmt.Errorf("mcp server %q is not configured", server)
	}

	s.mu.Lock()
	cur := s.live[server]
	s.mu.Unlock()
	if cur.Initialized() {
		return cur, nil
	}

	v, err, _ := s.group.Do(server, func() (any, error) {
		s.mu.Lock()
		cur := s.live[server]
		s.mu.Unlock()

		sess, err := c.EnsureSession(ctx, cur)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.live[server] = sess
		s.mu.Unlock()
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Call invokes a tool on server within this request's session,
// re-handshaking transparently when the server rejects a stale session.
func (s *Sessions) Call(ctx context.Context, server, tool string, args map[string]any) (*Result, error) {
	c, ok := s.pool.Client(server)
	if !ok {
		return nil, fmt.Errorf("mcp server %q is not configured", server)
	}
	sess, err := s.Session(ctx, server)
	if err != nil {
		return nil, err
	}

	res, next, err := c.Call(ctx, sess, tool, args)

	s.mu.Lock()
	if s.live[server] == sess {
		if next == nil {
			delete(s.live, server)
		} else {
			s.live[server] = next
		}
	}
	s.mu.Unlock()

	return res, err
}

// Close ends every session this request opened.
func (s *Sessions) Close(ctx context.Context) {
	s.mu.Lock()
	live := s.live
	s.live = make(map[string]*Session)
	s.mu.Unlock()

	for server, sess := range live {
		if c, ok := s.pool.Client(server); ok {
			c.Discard(ctx, sess, "request complete")
		}
	}
}
