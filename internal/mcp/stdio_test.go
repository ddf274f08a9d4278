package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

// TestHelperProcess is not a real test. It runs a minimal MCP server on
// stdin/stdout when invoked as a subprocess by the stdio tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("RELAY_MCP_HELPER") != "1" {
		return
	}
	defer os.Exit(0)

	inits := 0
	ready := false
	out := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var msg struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		// Noise the client must skip.
		fmt.Fprintln(os.Stdout, "server log line")

		switch msg.Method {
		case methodInitialize:
			inits++
			out.Encode(map[string]any{"jsonrpc": "2.0", "id": *msg.ID, "result": initResult()})
		case methodInitialized:
			ready = true
		case methodToolsCall:
			if !ready {
				out.Encode(map[string]any{"jsonrpc": "2.0", "id": *msg.ID,
					"error": map[string]any{"code": CodeNotInitialized, "message": "not initialized"}})
				continue
			}
			text := fmt.Sprintf("inits=%d", inits)
			out.Encode(map[string]any{"jsonrpc": "2.0", "id": *msg.ID, "result": textResult(text)})
		default:
			if msg.ID != nil {
				out.Encode(map[string]any{"jsonrpc": "2.0", "id": *msg.ID,
					"error": map[string]any{"code": CodeMethodNotFound, "message": "unknown method"}})
			}
		}
	}
}

func helperTransport(t *testing.T) *StdioTransport {
	t.Helper()
	tr := NewStdioTransport(StdioConfig{
		Name:    "helper",
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess", "--"},
		Env:     []string{"RELAY_MCP_HELPER=1"},
	})
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestStdioTransport_HandshakeAndCall(t *testing.T) {
	tr := helperTransport(t)
	client := NewClient("helper", tr, ClientOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := client.Handshake(ctx)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	second, err := client.Handshake(ctx)
	if err != nil {
		t.Fatalf("second Handshake: %v", err)
	}
	if first.ID() == second.ID() {
		t.Error("logical sessions should have distinct IDs")
	}

	for _, sess := range []*Session{first, second} {
		res, err := client.Invoke(ctx, sess, "echo", map[string]any{"x": 1})
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		// One subprocess handshake serves both sessions.
		if res.Text != "inits=1" {
			t.Errorf("result = %q, want inits=1", res.Text)
		}
	}
}

func TestStdioTransport_CallBeforeHandshake(t *testing.T) {
	tr := helperTransport(t)

	_, err := tr.Send(context.Background(), "", NewRequest(1, methodToolsCall, map[string]any{"name": "echo"}))
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Send(tools/call) before initialize = %v, want ErrNotInitialized", err)
	}
	if tr.running() {
		t.Error("a refused call must not start the subprocess")
	}
}

func TestStdioTransport_InitializedRequiresInitialize(t *testing.T) {
	tr := helperTransport(t)
	ctx := context.Background()

	if _, err := tr.Send(ctx, "", NewRequest(1, methodInitialize, nil)); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	// initialize completed but initialized not yet sent.
	_, err := tr.Send(ctx, "", NewRequest(2, methodToolsCall, map[string]any{"name": "echo"}))
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("tools/call before initialized = %v, want ErrNotInitialized", err)
	}

	if err := tr.Notify(ctx, "", NewNotification(methodInitialized, nil)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	reply, err := tr.Send(ctx, "", NewRequest(3, methodToolsCall, map[string]any{"name": "echo"}))
	if err != nil {
		t.Fatalf("tools/call after handshake: %v", err)
	}
	if reply.Response.ID != 3 || reply.Response.Error != nil {
		t.Errorf("reply = %+v", reply.Response)
	}
}

func TestStdioTransport_CloseStopsProcess(t *testing.T) {
	tr := helperTransport(t)
	client := NewClient("helper", tr, ClientOptions{})
	ctx := context.Background()

	sess, err := client.Handshake(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if tr.running() {
		t.Fatal("subprocess still running after Close")
	}

	// The logical session outlives the process, but the call is refused
	// and Call recovers by handshaking against a new process.
	res, next, err := client.Call(ctx, sess, "echo", nil)
	if err != nil {
		t.Fatalf("Call after restart: %v", err)
	}
	if res.Text != "inits=1" || next == sess {
		t.Errorf("result = %q, fresh session = %v", res.Text, next != sess)
	}
}

func TestStdioTransport_StartFailure(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Name: "missing", Command: "/nonexistent/mcp-server"})
	_, err := tr.Send(context.Background(), "", NewRequest(1, methodInitialize, nil))
	if err == nil {
		t.Fatal("expected error starting a missing command")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Logf("start error: %v", err)
	}
}

func TestStdioTransport_AcquireRespectsContext(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "true"})
	tr.sem <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tr.acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("acquire() = %v, want context.DeadlineExceeded", err)
	}
}

func TestStdioTransport_AcquireCancelledLeavesSlotFree(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "true"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("acquire() = %v, want context.Canceled", err)
	}
	select {
	case tr.sem <- struct{}{}:
		<-tr.sem
	default:
		t.Fatal("semaphore left held after a cancelled acquire")
	}
}
