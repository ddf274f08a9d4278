package mcp

import (
	"context"
	"log/slog"
	"testing"

	"github.com/nugget/relay/internal/config"
	"github.com/nugget/relay/internal/tools"
)

func TestToolName(t *testing.T) {
	tests := []struct {
		server string
		tool   string
		want   string
	}{
		{"knowledge-base", "vector_search", "mcp_knowledge_base_vector_search"},
		{"atlassian", "create_issue", "mcp_atlassian_create_issue"},
		{"My Server", "Do Thing", "mcp_my_server_do_thing"},
		{"a--b", "c--d", "mcp_a_b_c_d"},
		{"special!@#", "chars$%^", "mcp_special_chars"},
	}

	for _, tt := range tests {
		t.Run(tt.server+"/"+tt.tool, func(t *testing.T) {
			if got := ToolName(tt.server, tt.tool); got != tt.want {
				t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
			}
		})
	}
}

func TestQueryArg(t *testing.T) {
	tests := []struct {
		name   string
		schema map[string]any
		want   string
	}{
		{
			name:   "query property",
			schema: map[string]any{"properties": map[string]any{"query": map[string]any{"type": "string"}}},
			want:   "query",
		},
		{
			name: "first required string",
			schema: map[string]any{
				"properties": map[string]any{
					"limit": map[string]any{"type": "integer"},
					"jql":   map[string]any{"type": "string"},
				},
				"required": []any{"limit", "jql"},
			},
			want: "jql",
		},
		{name: "none", schema: map[string]any{"type": "object"}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := queryArg(tt.schema); got != tt.want {
				t.Errorf("queryArg() = %q, want %q", got, tt.want)
			}
		})
	}
}

func discoveryPool(t *testing.T, defs ...ToolDefinition) (*Pool, *mockTransport) {
	t.Helper()
	mt := newMockTransport()
	mt.queue(methodInitialize, initResult())
	mt.queue(methodToolsList, toolsListResult{Tools: defs})
	return NewPoolOf(NewClient("kb", mt, ClientOptions{})), mt
}

func TestDiscover(t *testing.T) {
	pool, _ := discoveryPool(t,
		ToolDefinition{
			Name:        "vector_search",
			Description: "Search documents",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"query": map[string]any{"type": "string"}},
				"required":   []any{"query"},
			},
		},
		ToolDefinition{Name: "list_sources", InputSchema: map[string]any{"type": "object"}},
	)
	registry := tools.NewRegistry()
	servers := []config.MCPServerConfig{{
		Name:     "kb",
		URL:      "http://kb.invalid/mcp",
		Discover: true,
		Category: "knowledge",
		Intents:  []string{"knowledge"},
	}}

	n, err := Discover(context.Background(), pool, registry, servers, slog.Default())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if n != 2 {
		t.Errorf("registered = %d, want 2", n)
	}

	ref, err := registry.Resolve("mcp_kb_vector_search", DiscoveredAction)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ref.Server() != "kb" || ref.RemoteName() != "vector_search" {
		t.Errorf("ref server=%q remote=%q", ref.Server(), ref.RemoteName())
	}
	if ref.Category() != "knowledge" || ref.QueryArg() != "query" {
		t.Errorf("ref category=%q queryArg=%q", ref.Category(), ref.QueryArg())
	}
	if got := registry.Candidates("knowledge"); len(got) != 2 {
		t.Errorf("Candidates(knowledge) = %v, want both tools", got)
	}

	// The discovered schema is enforced.
	if err := registry.Validate(ref, map[string]any{}); err == nil {
		t.Error("missing required query should fail validation")
	}
}

func TestDiscover_Filters(t *testing.T) {
	defs := []ToolDefinition{
		{Name: "search", InputSchema: map[string]any{"type": "object"}},
		{Name: "delete", InputSchema: map[string]any{"type": "object"}},
		{Name: "history", InputSchema: map[string]any{"type": "object"}},
	}

	tests := []struct {
		name    string
		include []string
		exclude []string
		want    []string
	}{
		{name: "include", include: []string{"search", "history"}, want: []string{"mcp_kb_history", "mcp_kb_search"}},
		{name: "exclude", exclude: []string{"delete"}, want: []string{"mcp_kb_history", "mcp_kb_search"}},
		{name: "include wins", include: []string{"delete"}, exclude: []string{"delete"}, want: []string{"mcp_kb_delete"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, _ := discoveryPool(t, defs...)
			registry := tools.NewRegistry()
			servers := []config.MCPServerConfig{{Name: "kb", Discover: true, Include: tt.include, Exclude: tt.exclude}}

			if _, err := Discover(context.Background(), pool, registry, servers, nil); err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, tool := range registry.List() {
				got = append(got, tool.Name)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("registered %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("registered %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestDiscover_SkipsServersWithoutDiscover(t *testing.T) {
	pool, mt := discoveryPool(t)
	registry := tools.NewRegistry()

	n, err := Discover(context.Background(), pool, registry, []config.MCPServerConfig{{Name: "kb"}}, nil)
	if err != nil || n != 0 {
		t.Fatalf("Discover = %d, %v", n, err)
	}
	if len(mt.methods()) != 0 {
		t.Errorf("no traffic expected, got %v", mt.methods())
	}
}

func TestDiscover_UnknownServer(t *testing.T) {
	pool := NewPoolOf()
	_, err := Discover(context.Background(), pool, tools.NewRegistry(),
		[]config.MCPServerConfig{{Name: "ghost", Discover: true}}, nil)
	if err == nil {
		t.Fatal("expected error for a server missing from the pool")
	}
}
