package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/nugget/relay/internal/config"
)

// StdioConfig configures a transport that talks to an MCP server
// subprocess over newline-delimited JSON-RPC on stdin/stdout.
type StdioConfig struct {
	Name    string
	Command string
	Args    []string
	// Env entries ("KEY=VALUE") are appended to the process environment.
	Env    []string
	Logger *slog.Logger
}

// StdioTransport runs one subprocess shared by every session. The
// subprocess completes the MCP handshake once; later handshakes reuse
// its initialize reply, so relay sessions are logical sessions
// multiplexed over one pipe. Requests are serialized.
//
// A tool call is never written to a subprocess that has not finished
// its handshake: such a call fails with [ErrNotInitialized] instead.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	// sem serializes access; a channel so acquisition honors ctx.
	sem chan struct{}

	cmd         *exec.Cmd
	stdin       io.WriteCloser
	lines       chan readResult
	done        chan struct{}
	initReply   *Response
	initialized bool
}

type readResult struct {
	line []byte
	err  error
}

// NewStdioTransport creates a stdio transport. The subprocess starts on
// the first initialize request.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
	}
}

func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return nil
}

func (t *StdioTransport) release() { <-t.sem }

// running reports whether a subprocess is live. Caller holds sem.
func (t *StdioTransport) running() bool {
	return t.cmd != nil && t.cmd.ProcessState == nil
}

// start launches the subprocess. Its lifetime is independent of any
// call context. Caller holds sem.
func (t *StdioTransport) start() error {
	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.lines = make(chan readResult, 16)
	t.done = make(chan struct{})
	t.initReply = nil
	t.initialized = false

	go t.readLoop(bufio.NewReaderSize(stdout, 1<<20), t.lines, t.done)
	go t.drainStderr(stderr)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// readLoop feeds stdout lines to ch until the pipe closes or done is
// closed.
func (t *StdioTransport) readLoop(r *bufio.Reader, ch chan<- readResult, done <-chan struct{}) {
	defer close(ch)
	send := func(res readResult) bool {
		select {
		case ch <- res:
			return true
		case <-done:
			return false
		}
	}
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && !send(readResult{line: line}) {
			return
		}
		if err != nil {
			send(readResult{err: err})
			return
		}
	}
}

func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// Send writes req and waits for the response with the matching ID.
func (t *StdioTransport) Send(ctx context.Context, _ string, req *Request) (*Reply, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	op := "stdio " + req.Method

	if req.Method == "initialize" {
		if t.running() && t.initReply != nil {
			out := *t.initReply
			out.ID = req.ID
			return &Reply{Response: &out}, nil
		}
		if !t.running() {
			if err := t.start(); err != nil {
				return nil, transportErr(op, 0, err)
			}
		}
	} else if !t.running() || !t.initialized {
		return nil, transportErr(op, 0, ErrNotInitialized)
	}

	if err := t.write(req); err != nil {
		t.cleanup()
		return nil, transportErr(op, 0, err)
	}

	for {
		select {
		case <-ctx.Done():
			// The response may still arrive and would desynchronize
			// the pipe, so the subprocess goes with the call.
			t.cleanup()
			return nil, transportErr(op, 0, ctx.Err())
		case res, ok := <-t.lines:
			if !ok || res.err != nil {
				t.cleanup()
				err := io.ErrUnexpectedEOF
				if ok {
					err = res.err
				}
				return nil, transportErr(op, 0, fmt.Errorf("read from subprocess stdout: %w", err))
			}

			t.logger.Log(ctx, config.LevelTrace, "MCP stdio line", "line", string(res.line))

			var resp Response
			if err := json.Unmarshal(res.line, &resp); err != nil {
				t.logger.Debug("skipping non-JSON line from MCP subprocess", "line", string(res.line))
				continue
			}
			if resp.ID != req.ID || (resp.Result == nil && resp.Error == nil) {
				continue
			}
			if req.Method == "initialize" && resp.Error == nil {
				cached := resp
				t.initReply = &cached
			}
			return &Reply{Response: &resp}, nil
		}
	}
}

// Notify writes a notification. The initialized notification is sent
// to the subprocess once per process.
func (t *StdioTransport) Notify(ctx context.Context, _ string, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	op := "stdio " + notif.Method
	if !t.running() {
		return transportErr(op, 0, ErrNotInitialized)
	}
	if notif.Method == methodInitialized {
		if t.initialized {
			return nil
		}
		if t.initReply == nil {
			return transportErr(op, 0, ErrNotInitialized)
		}
	}

	if err := t.write(notif); err != nil {
		t.cleanup()
		return transportErr(op, 0, err)
	}
	if notif.Method == methodInitialized {
		t.initialized = true
	}
	return nil
}

// Terminate is a no-op; logical sessions share the subprocess.
func (t *StdioTransport) Terminate(context.Context, string) error {
	return nil
}

// Close stops the subprocess.
func (t *StdioTransport) Close() error {
	t.sem <- struct{}{}
	defer t.release()
	return t.stop()
}

func (t *StdioTransport) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// stop closes stdin, waits briefly for exit, then kills. Caller holds sem.
func (t *StdioTransport) stop() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}
	t.logger.Info("stopping MCP subprocess", "pid", t.cmd.Process.Pid)

	if t.stdin != nil {
		t.stdin.Close()
	}
	cmd := t.cmd
	t.reset()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
		return nil
	}
}

// cleanup kills the subprocess after a failure. Caller holds sem.
func (t *StdioTransport) cleanup() {
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	t.reset()
}

func (t *StdioTransport) reset() {
	if t.done != nil {
		close(t.done)
	}
	t.done = nil
	t.cmd = nil
	t.stdin = nil
	t.lines = nil
	t.initReply = nil
	t.initialized = false
}
