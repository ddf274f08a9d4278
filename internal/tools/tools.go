package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Handler executes an in-process action and returns its opaque payload.
type Handler func(ctx context.Context, args map[string]any) (json.RawMessage, error)

// Tool is a capability descriptor: a named tool with a closed set of
// actions. A tool with a non-empty Server is served by that MCP server;
// otherwise every action must carry a local Handler.
type Tool struct {
	Name        string
	Description string
	// Category drives planner tie-breaking (e.g. knowledge, documents, web).
	Category string
	Server   string
	Actions  []*Action
}

// Action is one callable operation of a Tool.
type Action struct {
	Name string
	// RemoteName is the tools/call name on the MCP server. Defaults to Name.
	RemoteName  string
	Description string
	// Intents lists the planner intents this action can satisfy.
	Intents []string
	// QueryArg is the argument that receives the request text.
	QueryArg string
	// Defaults are merged into planned arguments.
	Defaults map[string]any
	// Schema is a JSON Schema for the arguments. Nil accepts any object.
	Schema map[string]any
	// Fallback names a sibling action to try when this one is unknown to
	// the server.
	Fallback string
	Handler  Handler

	compiled *jsonschema.Schema
}

// Ref identifies one registered tool/action pair. The zero Ref is
// invalid; a usable Ref can only be obtained from [Registry.Resolve] or
// [Registry.Candidates], so every planned step names a pair that exists.
type Ref struct {
	tool   *Tool
	action *Action
}

// IsZero reports whether r was not produced by a registry.
func (r Ref) IsZero() bool { return r.tool == nil || r.action == nil }

// Tool returns the tool name.
func (r Ref) Tool() string {
	if r.tool == nil {
		return ""
	}
	return r.tool.Name
}

// Action returns the action name.
func (r Ref) Action() string {
	if r.action == nil {
		return ""
	}
	return r.action.Name
}

// Server returns the MCP server name, or "" for local tools.
func (r Ref) Server() string {
	if r.tool == nil {
		return ""
	}
	return r.tool.Server
}

// Remote reports whether the action is served over MCP.
func (r Ref) Remote() bool { return r.Server() != "" }

// Category returns the tool category.
func (r Ref) Category() string {
	if r.tool == nil {
		return ""
	}
	return r.tool.Category
}

// RemoteName returns the name used in tools/call.
func (r Ref) RemoteName() string {
	if r.action == nil {
		return ""
	}
	if r.action.RemoteName != "" {
		return r.action.RemoteName
	}
	return r.action.Name
}

// QueryArg returns the argument that carries the request text.
func (r Ref) QueryArg() string {
	if r.action == nil {
		return ""
	}
	return r.action.QueryArg
}

// Defaults returns a copy of the action's default arguments.
func (r Ref) Defaults() map[string]any {
	out := make(map[string]any)
	if r.action == nil {
		return out
	}
	for k, v := range r.action.Defaults {
		out[k] = v
	}
	return out
}

// Fallback returns the name of the fallback action, if any.
func (r Ref) Fallback() string {
	if r.action == nil {
		return ""
	}
	return r.action.Fallback
}

// Required returns the property names the schema marks as required.
func (r Ref) Required() []string {
	if r.action == nil || r.action.Schema == nil {
		return nil
	}
	switch v := r.action.Schema["required"].(type) {
	case []string:
		return slices.Clone(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// Schema returns the action's argument schema. Callers must not modify
// it.
func (r Ref) Schema() map[string]any {
	if r.action == nil {
		return nil
	}
	return r.action.Schema
}

// Siblings returns the names of every action of the tool, in
// declaration order.
func (r Ref) Siblings() []string {
	if r.tool == nil {
		return nil
	}
	out := make([]string, len(r.tool.Actions))
	for i, a := range r.tool.Actions {
		out[i] = a.Name
	}
	return out
}

// Handler returns the local handler, nil for remote actions.
func (r Ref) Handler() Handler {
	if r.action == nil {
		return nil
	}
	return r.action.Handler
}

// String renders the pair as tool.action.
func (r Ref) String() string { return r.Tool() + "." + r.Action() }

// Registry holds the available tools. It is safe for concurrent use and
// read-mostly: tools are registered at startup and shared read-only by
// every request. Registered tools must not be mutated.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, compiling every action schema. It fails on a
// duplicate tool name, a tool without actions, or an invalid schema.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if len(t.Actions) == 0 {
		return fmt.Errorf("register tool %s: no actions", t.Name)
	}

	seen := make(map[string]bool, len(t.Actions))
	for _, a := range t.Actions {
		if a.Name == "" {
			return fmt.Errorf("register tool %s: action with empty name", t.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("register tool %s: duplicate action %q", t.Name, a.Name)
		}
		seen[a.Name] = true
		if t.Server == "" && a.Handler == nil {
			return fmt.Errorf("register tool %s: local action %q has no handler", t.Name, a.Name)
		}
		if a.Schema == nil {
			continue
		}
		compiled, err := compileSchema(t.Name+"."+a.Name, a.Schema)
		if err != nil {
			return fmt.Errorf("register tool %s: action %s: %w", t.Name, a.Name, err)
		}
		a.compiled = compiled
	}
	for _, a := range t.Actions {
		if a.Fallback != "" && !seen[a.Fallback] {
			return fmt.Errorf("register tool %s: action %s: unknown fallback %q", t.Name, a.Name, a.Fallback)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("register tool %s: already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *Tool) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Resolve returns the Ref for a tool/action pair.
func (r *Registry) Resolve(tool, action string) (Ref, error) {
	t, ok := r.Get(tool)
	if !ok {
		return Ref{}, &UnavailableError{Tool: tool}
	}
	for _, a := range t.Actions {
		if a.Name == action {
			return Ref{tool: t, action: a}, nil
		}
	}
	return Ref{}, &UnavailableError{Tool: tool, Action: action}
}

// Candidates returns every action that declares intent, sorted by tool
// name then action order.
func (r *Registry) Candidates(intent string) []Ref {
	var out []Ref
	for _, t := range r.List() {
		for _, a := range t.Actions {
			if slices.Contains(a.Intents, intent) {
				out = append(out, Ref{tool: t, action: a})
			}
		}
	}
	return out
}

// Servers returns the distinct MCP server names referenced by tools.
func (r *Registry) Servers() []string {
	var out []string
	for _, t := range r.List() {
		if t.Server != "" && !slices.Contains(out, t.Server) {
			out = append(out, t.Server)
		}
	}
	slices.Sort(out)
	return out
}

// Validate checks args against the action's schema. It returns a
// [*ValidationError] on mismatch and an [*UnavailableError] for a zero Ref.
func (r *Registry) Validate(ref Ref, args map[string]any) error {
	if ref.IsZero() {
		return &UnavailableError{Tool: ref.Tool(), Action: ref.Action()}
	}
	if ref.action.compiled == nil {
		return nil
	}

	// Round-trip through JSON so Go-typed values (int, []string) match
	// the JSON data model the validator expects.
	payload, err := json.Marshal(args)
	if err != nil {
		return &ValidationError{Tool: ref.Tool(), Action: ref.Action(), Err: err}
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return &ValidationError{Tool: ref.Tool(), Action: ref.Action(), Err: err}
	}
	if err := ref.action.compiled.Validate(decoded); err != nil {
		return &ValidationError{Tool: ref.Tool(), Action: ref.Action(), Err: err}
	}
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(data))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}
