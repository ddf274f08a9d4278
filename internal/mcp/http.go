package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/nugget/relay/internal/config"
	"github.com/nugget/relay/internal/httpkit"
)

// SessionHeader carries the MCP session identifier on streamable HTTP.
const SessionHeader = "Mcp-Session-Id"

const maxResponseBytes = 10 << 20

// HTTPConfig configures a streamable HTTP transport.
type HTTPConfig struct {
	// Name is the server name used in error attribution.
	Name string
	// URL is the MCP endpoint. It has no default.
	URL string
	// Headers are sent with every request (e.g. Authorization).
	Headers map[string]string
	// Client overrides the HTTP client (tests).
	Client *http.Client
	Logger *slog.Logger
}

// HTTPTransport speaks JSON-RPC over HTTP POST. Responses may be plain
// JSON or a text/event-stream carrying the JSON-RPC response.
type HTTPTransport struct {
	name       string
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPTransport creates an HTTP transport. Per-call deadlines come
// from the request context, so the client carries no overall timeout.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithLogger(logger),
		)
	}
	return &HTTPTransport{
		name:       cfg.Name,
		url:        cfg.URL,
		httpClient: client,
		logger:     logger,
	}
}

// Send posts req and decodes the JSON-RPC response.
func (t *HTTPTransport) Send(ctx context.Context, sessionID string, req *Request) (*Reply, error) {
	op := "POST " + req.Method
	resp, err := t.post(ctx, sessionID, req)
	if err != nil {
		return nil, transportErr(op, 0, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	reply := &Reply{SessionID: resp.Header.Get(SessionHeader), Status: resp.StatusCode}

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		return reply, nil
	case resp.StatusCode != http.StatusOK:
		return nil, t.statusError(op, resp, sessionID != "")
	}

	rpc, err := t.decode(resp, req.ID)
	if err != nil {
		return nil, transportErr(op, resp.StatusCode, err)
	}
	reply.Response = rpc
	return reply, nil
}

// Notify posts a notification. 200, 202 and 204 all count as delivered.
func (t *HTTPTransport) Notify(ctx context.Context, sessionID string, notif *Notification) error {
	op := "POST " + notif.Method
	resp, err := t.post(ctx, sessionID, notif)
	if err != nil {
		return transportErr(op, 0, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		return t.statusError(op, resp, sessionID != "")
	}
}

// Terminate sends DELETE with the session header. Servers that do not
// support explicit termination answer 405, which is not an error.
func (t *HTTPTransport) Terminate(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set(SessionHeader, sessionID)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return transportErr("DELETE session", 0, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<16)

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusMethodNotAllowed && resp.StatusCode != http.StatusNotFound {
		return transportErr("DELETE session", resp.StatusCode, nil)
	}
	return nil
}

// Close is a no-op; connections are pooled by the shared transport.
func (t *HTTPTransport) Close() error {
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, sessionID string, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "MCP request", "url", t.url, "body", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}

	return t.httpClient.Do(req)
}

func (t *HTTPTransport) statusError(op string, resp *http.Response, hadSession bool) error {
	body := strings.TrimSpace(httpkit.ReadErrorBody(resp.Body, 4096))
	if body == "" {
		body = http.StatusText(resp.StatusCode)
	}
	t.logger.Debug("MCP server returned error status",
		"op", op,
		"status", resp.StatusCode,
		"body", body,
	)
	return statusError(t.name, op, resp.StatusCode, body, hadSession)
}

func (t *HTTPTransport) decode(resp *http.Response, id int64) (*Response, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	body := io.LimitReader(resp.Body, maxResponseBytes)

	if mediaType == "text/event-stream" {
		return t.decodeStream(body, id)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	t.logger.Log(context.Background(), config.LevelTrace, "MCP response", "body", string(data))

	var rpc Response
	if err := json.Unmarshal(data, &rpc); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpc.ID != id {
		return nil, fmt.Errorf("response id %d does not match request id %d", rpc.ID, id)
	}
	return &rpc, nil
}

// decodeStream scans SSE data lines until the response matching id
// arrives. Server notifications interleaved on the stream are skipped.
func (t *HTTPTransport) decodeStream(r io.Reader, id int64) (*Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)

	var data strings.Builder
	flush := func() (*Response, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var rpc Response
		if err := json.Unmarshal([]byte(data.String()), &rpc); err != nil {
			t.logger.Debug("skipping undecodable SSE event", "data", data.String())
			return nil, false
		}
		if rpc.ID != id || (rpc.Result == nil && rpc.Error == nil) {
			return nil, false
		}
		return &rpc, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if rpc, ok := flush(); ok {
				return rpc, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if rpc, ok := flush(); ok {
		return rpc, nil
	}
	return nil, fmt.Errorf("event stream ended without response %d", id)
}
