package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/relay/internal/config"
	"github.com/nugget/relay/internal/escalation"
	"github.com/nugget/relay/internal/idempotency"
	"github.com/nugget/relay/internal/mcp"
	"github.com/nugget/relay/internal/memory"
	"github.com/nugget/relay/internal/metrics"
	"github.com/nugget/relay/internal/plan"
	"github.com/nugget/relay/internal/tools"
)

// mcpServer is a minimal streamable-HTTP MCP server.
type mcpServer struct {
	mu       sync.Mutex
	next     int
	sessions map[string]bool
	methods  []string
	calls    []string
	deleted  int
	// expireAfterCall forgets all sessions after the next tools/call.
	expireAfterCall bool
}

func newMCPServer(t *testing.T) (*mcpServer, *httptest.Server) {
	t.Helper()
	s := &mcpServer{sessions: make(map[string]bool)}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *mcpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sid := r.Header.Get(mcp.SessionHeader)
	if r.Method == http.MethodDelete {
		s.deleted++
		delete(s.sessions, sid)
		return
	}

	var msg struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	s.methods = append(s.methods, msg.Method)

	reply := func(result any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": msg.ID, "result": result})
	}

	if msg.Method == "initialize" {
		s.next++
		id := fmt.Sprintf("s-%d", s.next)
		s.sessions[id] = true
		w.Header().Set(mcp.SessionHeader, id)
		reply(map[string]any{
			"protocolVersion": mcp.ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "kb", "version": "1.0"},
		})
		return
	}
	if !s.sessions[sid] {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	switch msg.Method {
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
	case "tools/call":
		s.calls = append(s.calls, msg.Params.Name)
		if s.expireAfterCall {
			s.expireAfterCall = false
			s.sessions = make(map[string]bool)
		}
		reply(map[string]any{
			"content":           []any{map[string]any{"type": "text", "text": "found it"}},
			"structuredContent": map[string]any{"tool": msg.Params.Name, "query": msg.Params.Arguments["query"]},
		})
	default:
		http.Error(w, "unknown method", http.StatusBadRequest)
	}
}

func (s *mcpServer) snapshot() (methods, calls []string, deleted int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...), append([]string(nil), s.calls...), s.deleted
}

func remoteRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	for _, tool := range []*tools.Tool{
		{
			Name:     "kb_search",
			Category: "knowledge",
			Server:   "kb",
			Actions: []*tools.Action{{
				Name:       "search",
				RemoteName: "kb_search",
				Intents:    []string{"lookup"},
				QueryArg:   "query",
			}},
		},
		{
			Name:     "headlines",
			Category: "web",
			Server:   "kb",
			Actions: []*tools.Action{{
				Name:     "latest",
				Intents:  []string{"current_events"},
				QueryArg: "query",
			}},
		},
	} {
		if err := r.Register(tool); err != nil {
			t.Fatalf("Register(%s): %v", tool.Name, err)
		}
	}
	return r
}

type fixture struct {
	orch    *Orchestrator
	cache   *idempotency.Cache
	history *memory.Store
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, r *tools.Registry, pool *mcp.Pool, mutate func(*Deps)) *fixture {
	t.Helper()
	m := metrics.New()
	cache := idempotency.New(idempotency.Options{})
	history := memory.NewStore(memory.Options{})
	planner := plan.New(r, plan.Options{Priority: []string{"knowledge", "documents", "web"}, Metrics: m})

	var ids atomic.Int32
	deps := Deps{
		Cache:    cache,
		Registry: r,
		Planner:  planner,
		Loop:     testLoop(Options{Reasoner: planner, Metrics: m}),
		Pool:     pool,
		History:  history,
		Metrics:  m,
		NewID:    func() string { return fmt.Sprintf("req-%d", ids.Add(1)) },
	}
	if mutate != nil {
		mutate(&deps)
	}
	orch, err := NewOrchestrator(deps)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return &fixture{orch: orch, cache: cache, history: history, metrics: m}
}

func remotePool(t *testing.T, srv *httptest.Server) *mcp.Pool {
	t.Helper()
	pool, err := mcp.NewPool([]config.MCPServerConfig{{Name: "kb", URL: srv.URL}}, mcp.PoolOptions{})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { pool.Close(context.Background()) })
	return pool
}

func ingest(eventID, text string) Ingestion {
	return Ingestion{
		EventID:        eventID,
		EventTime:      time.Now(),
		Text:           text,
		Sender:         plan.Sender{Name: "Dana", Role: "engineer", Department: "platform"},
		ConversationID: "conv-1",
	}
}

func TestProcess_RemoteToolEndToEnd(t *testing.T) {
	fake, srv := newMCPServer(t)
	f := newFixture(t, remoteRegistry(t), remotePool(t, srv), nil)

	b, err := f.orch.Process(context.Background(), ingest("evt-1", "What is the PTO policy?"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if b.Escalated || len(b.Outcomes) != 1 {
		t.Fatalf("bundle = %+v", b)
	}
	o := b.Outcomes[0]
	if o.Tool != "kb_search" || o.Status != plan.StatusSuccess || o.Attempt != 1 {
		t.Errorf("outcome = %+v", o)
	}
	var payload map[string]any
	if err := json.Unmarshal(o.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["tool"] != "kb_search" || payload["query"] != "What is the PTO policy?" {
		t.Errorf("payload = %v", payload)
	}
	if b.Request.ID != "req-1" || b.Request.Sender.Name != "Dana" {
		t.Errorf("request = %+v", b.Request)
	}

	methods, calls, deleted := fake.snapshot()
	if want := []string{"initialize", "notifications/initialized", "tools/call"}; fmt.Sprint(methods) != fmt.Sprint(want) {
		t.Errorf("methods = %v, want %v", methods, want)
	}
	if len(calls) != 1 || calls[0] != "kb_search" {
		t.Errorf("calls = %v", calls)
	}
	if deleted != 1 {
		t.Errorf("session deletes = %d, want 1 at request end", deleted)
	}

	rec, ok := f.cache.Lookup("evt-1")
	if !ok || !rec.Completed {
		t.Errorf("cache record = %+v, %v; want completed", rec, ok)
	}
	if got := testutil.ToFloat64(f.metrics.Requests.WithLabelValues("bundle")); got != 1 {
		t.Errorf("bundle requests = %v", got)
	}
}

func TestProcess_SessionRecoveryMidRequest(t *testing.T) {
	fake, srv := newMCPServer(t)
	fake.expireAfterCall = true
	f := newFixture(t, remoteRegistry(t), remotePool(t, srv), nil)

	b, err := f.orch.Process(context.Background(), ingest("evt-1", "find the latest travel policy"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if b.Escalated || len(b.Outcomes) != 2 {
		t.Fatalf("bundle = %+v", b)
	}
	for _, o := range b.Outcomes {
		if o.Attempt != 1 {
			t.Errorf("%s needed %d attempts; recovery should be transparent", o.Tool, o.Attempt)
		}
	}

	methods, calls, _ := fake.snapshot()
	handshakes := 0
	for _, m := range methods {
		if m == "initialize" {
			handshakes++
		}
	}
	if handshakes != 2 {
		t.Errorf("handshakes = %d, want 2 (one re-handshake)", handshakes)
	}
	if len(calls) != 2 {
		t.Errorf("calls = %v", calls)
	}
}

func TestProcess_Duplicate(t *testing.T) {
	var calls atomic.Int32
	r := testRegistry(t, map[string]tools.Handler{"a": func(context.Context, map[string]any) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{}`), nil
	}})
	f := newFixture(t, r, nil, nil)
	ctx := context.Background()

	first := ingest("evt-1", "find the onboarding checklist")
	if _, err := f.orch.Process(ctx, first); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	b, err := f.orch.Process(ctx, first)
	if !errors.Is(err, ErrDuplicateEvent) || b != nil {
		t.Errorf("redelivery = %v, %v; want ErrDuplicateEvent", b, err)
	}
	if calls.Load() != 1 {
		t.Errorf("tool ran %d times, want 1", calls.Load())
	}

	if _, err := f.orch.Process(ctx, ingest("evt-2", first.Text)); err != nil {
		t.Errorf("same text, new event id: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("tool ran %d times, want 2", calls.Load())
	}
	if got := testutil.ToFloat64(f.metrics.Admissions.WithLabelValues("duplicate")); got != 1 {
		t.Errorf("duplicate admissions = %v", got)
	}
}

func TestProcess_ConcurrentRedelivery(t *testing.T) {
	var calls atomic.Int32
	r := testRegistry(t, map[string]tools.Handler{"a": func(context.Context, map[string]any) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{}`), nil
	}})
	f := newFixture(t, r, nil, nil)

	var (
		wg         sync.WaitGroup
		bundles    atomic.Int32
		duplicates atomic.Int32
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Process(context.Background(), ingest("evt-race", "find the wiki"))
			switch {
			case err == nil:
				bundles.Add(1)
			case errors.Is(err, ErrDuplicateEvent):
				duplicates.Add(1)
			default:
				t.Errorf("Process: %v", err)
			}
		}()
	}
	wg.Wait()
	if bundles.Load() != 1 || duplicates.Load() != 9 || calls.Load() != 1 {
		t.Errorf("bundles=%d duplicates=%d calls=%d", bundles.Load(), duplicates.Load(), calls.Load())
	}
}

func TestProcess_NoTools(t *testing.T) {
	f := newFixture(t, tools.NewRegistry(), nil, nil)
	if _, err := f.orch.Process(context.Background(), ingest("evt-1", "find it")); !errors.Is(err, ErrNoTools) {
		t.Errorf("Process = %v, want ErrNoTools", err)
	}
}

func TestProcess_EmptyEventID(t *testing.T) {
	f := newFixture(t, testRegistry(t, map[string]tools.Handler{"a": succeed(`{}`)}), nil, nil)
	if _, err := f.orch.Process(context.Background(), ingest("", "find it")); !errors.Is(err, idempotency.ErrEmptyEventID) {
		t.Errorf("Process = %v, want ErrEmptyEventID", err)
	}
}

func TestProcess_Conversational(t *testing.T) {
	var calls atomic.Int32
	r := testRegistry(t, map[string]tools.Handler{"a": func(context.Context, map[string]any) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{}`), nil
	}})
	f := newFixture(t, r, nil, nil)

	b, err := f.orch.Process(context.Background(), ingest("evt-1", "thanks so much!"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !b.Plan.Empty() || len(b.Outcomes) != 0 || b.Escalated || calls.Load() != 0 {
		t.Errorf("bundle = %+v, calls = %d", b, calls.Load())
	}
}

func TestProcess_EscalationRecorded(t *testing.T) {
	refused := &tools.TransportError{Op: "tools/call", Err: errors.New("connection refused")}
	r := testRegistry(t, map[string]tools.Handler{"a": always(refused)})

	store, err := escalation.NewStore(filepath.Join(t.TempDir(), "escalations.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := newFixture(t, r, nil, func(d *Deps) { d.Escalations = store })
	b, err := f.orch.Process(context.Background(), ingest("evt-1", "find the runbook"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !b.Escalated || len(b.Outcomes) != 0 || len(b.Escalations) != 1 {
		t.Fatalf("bundle = %+v", b)
	}

	pending, err := store.Pending(context.Background(), 0)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %+v", pending)
	}
	rec := pending[0]
	if rec.RequestID != "req-1" || rec.EventID != "evt-1" || rec.Tool != "a" ||
		rec.Attempts != 5 || rec.LastStatus != string(plan.StatusTransportError) || rec.Marker == "" {
		t.Errorf("ledger record = %+v", rec)
	}
}

type failingSink struct{ calls atomic.Int32 }

func (f *failingSink) Escalate(context.Context, escalation.Record) error {
	f.calls.Add(1)
	return errors.New("broker unreachable")
}

func TestProcess_SinkFailureKeepsBundle(t *testing.T) {
	sink := &failingSink{}
	r := testRegistry(t, map[string]tools.Handler{"a": always(errors.New("nope"))})
	f := newFixture(t, r, nil, func(d *Deps) { d.Escalations = sink })

	b, err := f.orch.Process(context.Background(), ingest("evt-1", "find the runbook"))
	if err != nil || b == nil || !b.Escalated {
		t.Fatalf("Process = %+v, %v", b, err)
	}
	if sink.calls.Load() != 1 {
		t.Errorf("sink calls = %d", sink.calls.Load())
	}
}

func TestProcess_FollowUpUsesHistory(t *testing.T) {
	var queries []string
	var mu sync.Mutex
	record := func(tool string) tools.Handler {
		return func(_ context.Context, args map[string]any) (json.RawMessage, error) {
			mu.Lock()
			defer mu.Unlock()
			queries = append(queries, tool+":"+fmt.Sprint(args["q"]))
			return json.RawMessage(`{}`), nil
		}
	}
	r := tools.NewRegistry()
	for _, tool := range []*tools.Tool{
		{Name: "docs", Category: "documents", Actions: []*tools.Action{{Name: "query", Intents: []string{"lookup"}, QueryArg: "q", Handler: record("docs")}}},
		{Name: "news", Category: "web", Actions: []*tools.Action{{Name: "latest", Intents: []string{"current_events"}, QueryArg: "q", Handler: record("news")}}},
	} {
		if err := r.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	f := newFixture(t, r, nil, nil)
	ctx := context.Background()

	if _, err := f.orch.Process(ctx, ingest("evt-1", "Any news on the merger?")); err != nil {
		t.Fatalf("first: %v", err)
	}
	b, err := f.orch.Process(ctx, ingest("evt-2", "and what about last year?"))
	if err != nil {
		t.Fatalf("follow-up: %v", err)
	}

	if !b.Plan.FollowUp {
		t.Error("second request should plan as a follow-up")
	}
	if len(b.History) != 1 || b.History[0].Content != "Any news on the merger?" {
		t.Errorf("history = %+v", b.History)
	}
	mu.Lock()
	defer mu.Unlock()
	if want := []string{"news:Any news on the merger?", "news:and what about last year?"}; fmt.Sprint(queries) != fmt.Sprint(want) {
		t.Errorf("queries = %v, want %v", queries, want)
	}
	if got := len(f.history.Recent("conv-1")); got != 2 {
		t.Errorf("stored history = %d messages, want 2", got)
	}
}

func TestProcess_CancelledProducesNoBundle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := testRegistry(t, map[string]tools.Handler{"a": func(context.Context, map[string]any) (json.RawMessage, error) {
		cancel()
		return nil, errors.New("interrupted")
	}})
	f := newFixture(t, r, nil, nil)

	b, err := f.orch.Process(ctx, ingest("evt-1", "find the runbook"))
	if !errors.Is(err, context.Canceled) || b != nil {
		t.Fatalf("Process = %+v, %v; want context.Canceled and no bundle", b, err)
	}

	rec, ok := f.cache.Lookup("evt-1")
	if !ok || rec.Completed {
		t.Errorf("cache record = %+v, %v; want admitted but not completed", rec, ok)
	}
	if f.history.Len() != 0 {
		t.Error("cancelled request was added to history")
	}
	if got := testutil.ToFloat64(f.metrics.Requests.WithLabelValues("cancelled")); got != 1 {
		t.Errorf("cancelled requests = %v", got)
	}
}

func TestNewOrchestrator_RequiresDeps(t *testing.T) {
	if _, err := NewOrchestrator(Deps{}); err == nil {
		t.Error("expected error for missing deps")
	}
}
