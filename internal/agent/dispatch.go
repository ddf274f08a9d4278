package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/relay/internal/mcp"
	"github.com/nugget/relay/internal/plan"
	"github.com/nugget/relay/internal/tools"
)

// Result is what a successful dispatch produced.
type Result struct {
	Payload json.RawMessage
	// Accepted is set for asynchronous acknowledgments, which succeed
	// with no payload.
	Accepted bool
}

// Dispatcher executes one attempt of a step.
type Dispatcher interface {
	Dispatch(ctx context.Context, step plan.Step) (Result, error)
}

// DispatchFunc adapts a function to [Dispatcher].
type DispatchFunc func(ctx context.Context, step plan.Step) (Result, error)

// Dispatch implements [Dispatcher].
func (f DispatchFunc) Dispatch(ctx context.Context, step plan.Step) (Result, error) {
	return f(ctx, step)
}

// ToolDispatcher routes local actions to their in-process handler and
// remote actions to their MCP server through a request's sessions.
type ToolDispatcher struct {
	sessions *mcp.Sessions
}

// NewToolDispatcher creates a dispatcher. sessions may be nil when no
// MCP server is configured; remote steps then fail as transport errors.
func NewToolDispatcher(sessions *mcp.Sessions) *ToolDispatcher {
	return &ToolDispatcher{sessions: sessions}
}

// Dispatch implements [Dispatcher].
func (d *ToolDispatcher) Dispatch(ctx context.Context, step plan.Step) (Result, error) {
	ref := step.Ref
	if ref.IsZero() {
		return Result{}, &tools.UnavailableError{Tool: step.Tool, Action: step.Action}
	}

	if !ref.Remote() {
		h := ref.Handler()
		if h == nil {
			return Result{}, &tools.UnavailableError{Tool: step.Tool, Action: step.Action}
		}
		payload, err := h(ctx, step.Args)
		if err != nil {
			return Result{}, err
		}
		return Result{Payload: payload}, nil
	}

	if d.sessions == nil {
		return Result{}, &tools.TransportError{
			Op:  "dispatch " + ref.String(),
			Err: fmt.Errorf("mcp server %q is not configured", ref.Server()),
		}
	}
	res, err := d.sessions.Call(ctx, ref.Server(), ref.RemoteName(), step.Args)
	if err != nil {
		return Result{}, err
	}
	return Result{Payload: res.Payload(), Accepted: res.Accepted}, nil
}
