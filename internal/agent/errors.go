package agent

import (
	"context"
	"errors"
	"net"

	"github.com/nugget/relay/internal/mcp"
	"github.com/nugget/relay/internal/plan"
	"github.com/nugget/relay/internal/tools"
)

var (
	// ErrEscalationRequired marks a step that exhausted its attempts or
	// the request budget. It is reported in the bundle, never returned
	// by Process.
	ErrEscalationRequired = errors.New("escalation required")

	// ErrRequestBudgetExceeded is the cancellation cause once a request
	// runs past its wall-clock budget.
	ErrRequestBudgetExceeded = errors.New("request budget exceeded")

	// ErrDuplicateEvent is returned by Process when the event was
	// already admitted within the idempotency window.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrNoTools is returned by Process when no tool is registered.
	ErrNoTools = errors.New("no tools available")
)

// Classify maps an attempt error to an outcome status. It returns the
// error code or HTTP status when one is known.
//
// Timeouts are checked first so that a deadline surfacing through the
// transport is not reported as a generic transport failure. Errors with
// no recognizable type are tool errors: a local handler that fails is
// reporting a logical failure.
func Classify(err error) (plan.Status, int) {
	if err == nil {
		return plan.StatusSuccess, 0
	}

	var (
		te  *tools.TransportError
		tle *tools.ToolError
		ne  net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return plan.StatusTimeout, 0
	case errors.As(err, &te):
		if te.Timeout {
			return plan.StatusTimeout, te.Status
		}
		return plan.StatusTransportError, te.Status
	case errors.As(err, &tle):
		return plan.StatusToolError, tle.Code
	case errors.Is(err, mcp.ErrNotInitialized), errors.Is(err, mcp.ErrNoSession):
		return plan.StatusTransportError, 0
	case errors.As(err, &ne):
		if ne.Timeout() {
			return plan.StatusTimeout, 0
		}
		return plan.StatusTransportError, 0
	default:
		return plan.StatusToolError, 0
	}
}
