// Package agent drives planned steps to a terminal state and runs the
// request pipeline from admission to the context bundle.
//
// Each step moves through pending, executing and then success or
// failed. A failed step returns to pending with a corrected copy while
// attempts remain, and ends escalated once they are spent. Steps run in
// plan order; each one is resolved before the next begins.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/relay/internal/bundle"
	"github.com/nugget/relay/internal/events"
	"github.com/nugget/relay/internal/metrics"
	"github.com/nugget/relay/internal/plan"
)

var tracer = otel.Tracer("github.com/nugget/relay/internal/agent")

// Loop defaults.
const (
	DefaultMaxAttempts    = 5
	DefaultAttemptTimeout = 60 * time.Second
	DefaultRequestTimeout = 90 * time.Second
	DefaultBackoffInitial = 250 * time.Millisecond
	DefaultBackoffMax     = 5 * time.Second
)

// State is a step's position in the retry state machine.
type State string

const (
	StatePending   State = "pending"
	StateExecuting State = "executing"
	StateSuccess   State = "success"
	StateFailed    State = "failed"
	StateEscalated State = "escalated"
	// StateCancelled is reported when the owning request was cancelled
	// before the step reached a terminal state.
	StateCancelled State = "cancelled"
)

// Reasoner proposes a corrected step after a failed attempt, or nil.
// [*plan.Planner] implements it.
type Reasoner interface {
	Reason(ctx context.Context, step plan.Step, outcome plan.Outcome) *plan.Step
}

// Options configures a Loop. Zero values take the package defaults.
type Options struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	// RequestTimeout bounds Run. Steps still unresolved when it expires
	// are escalated without using their remaining attempts.
	RequestTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// NoBackoff disables the wait between attempts.
	NoBackoff bool

	Reasoner Reasoner
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Events   *events.Bus
}

// StepResult is the resolution of one planned step.
type StepResult struct {
	// Planned is the step as the planner produced it.
	Planned plan.Step
	// Final is the last step executed, after any corrections.
	Final plan.Step
	// Attempts holds one outcome per attempt, in order.
	Attempts []plan.Outcome
	// Outcome is the terminal outcome: the successful attempt, or an
	// escalated outcome without payload.
	Outcome plan.Outcome
	State   State
	// Err is ErrEscalationRequired for escalated steps and the
	// cancellation cause for cancelled ones.
	Err error
}

// LastStatus returns the status of the final attempt, or escalated when
// the step never ran.
func (r StepResult) LastStatus() plan.Status {
	if len(r.Attempts) == 0 {
		return plan.StatusEscalated
	}
	return r.Attempts[len(r.Attempts)-1].Status
}

// Loop executes steps with bounded retries.
type Loop struct {
	maxAttempts    int
	attemptTimeout time.Duration
	requestTimeout time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	noBackoff      bool

	reasoner Reasoner
	logger   *slog.Logger
	metrics  *metrics.Metrics
	events   *events.Bus
}

// NewLoop creates a Loop.
func NewLoop(opts Options) *Loop {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = DefaultBackoffInitial
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loop{
		maxAttempts:    opts.MaxAttempts,
		attemptTimeout: opts.AttemptTimeout,
		requestTimeout: opts.RequestTimeout,
		backoffInitial: opts.BackoffInitial,
		backoffMax:     opts.BackoffMax,
		noBackoff:      opts.NoBackoff,
		reasoner:       opts.Reasoner,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		events:         opts.Events,
	}
}

// Run executes every step of p in order under the request budget. It
// returns one result per step. If ctx is cancelled it stops at the
// next suspension point and returns the cancellation cause with the
// results gathered so far; running past the budget is not an error.
func (l *Loop) Run(ctx context.Context, p *plan.Plan, d Dispatcher) ([]StepResult, error) {
	if p.Empty() {
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithTimeoutCause(ctx, l.requestTimeout, ErrRequestBudgetExceeded)
	defer cancel()

	results := make([]StepResult, 0, len(p.Steps))
	for _, step := range p.Steps {
		res := l.Execute(ctx, step, d)
		results = append(results, res)
		if res.State == StateCancelled {
			return results, res.Err
		}
	}
	return results, nil
}

// Execute drives one step to a terminal state. The request budget, if
// any, comes from ctx: once its cause is [ErrRequestBudgetExceeded] the
// step is escalated immediately.
func (l *Loop) Execute(ctx context.Context, step plan.Step, d Dispatcher) StepResult {
	requestID := requestIDFrom(ctx)
	log := l.logger.With("request_id", requestID, "tool", step.Tool, "action", step.Action)

	ctx, span := tracer.Start(ctx, "agent.step", trace.WithAttributes(
		attribute.String("relay.request_id", requestID),
		attribute.String("relay.tool", step.Tool),
		attribute.String("relay.action", step.Action),
	))
	defer span.End()

	sr := stepRun{span: span, log: log, start: time.Now(), requestID: requestID}
	res := StepResult{Planned: step, Final: step, State: StatePending}
	cur := step

	for attempt := 1; ; attempt++ {
		if attempt > 1 && !l.noBackoff {
			l.wait(ctx, attempt)
		}
		if ctx.Err() != nil {
			return l.interrupted(ctx, sr, res)
		}

		res.State = StateExecuting
		res.Final = cur
		outcome := l.attempt(ctx, cur, attempt, d)
		res.Attempts = append(res.Attempts, outcome)

		l.metrics.ObserveAttempt(cur.Tool, string(outcome.Status))
		l.events.Emit(events.SourceAgent, events.KindAttempt, map[string]any{
			"request_id": requestID,
			"tool":       cur.Tool,
			"action":     cur.Action,
			"attempt":    attempt,
			"status":     string(outcome.Status),
			"elapsed_ms": outcome.Elapsed.Milliseconds(),
		})

		if outcome.Status == plan.StatusSuccess {
			res.State = StateSuccess
			res.Outcome = outcome
			log.Info("step succeeded", "attempt", attempt, "accepted", outcome.Accepted)
			l.finish(sr, res)
			return res
		}

		res.State = StateFailed
		logFailure(log, outcome)

		if ctx.Err() != nil {
			return l.interrupted(ctx, sr, res)
		}
		if attempt >= l.maxAttempts {
			return l.escalate(sr, res, fmt.Sprintf("failed after %d attempts", attempt))
		}

		if l.reasoner != nil {
			if next := l.reasoner.Reason(ctx, cur, outcome); next != nil {
				l.events.Emit(events.SourceAgent, events.KindCorrection, map[string]any{
					"request_id": requestID,
					"tool":       next.Tool,
					"action":     next.Action,
					"rationale":  next.Rationale,
				})
				cur = *next
			}
		}
		res.State = StatePending
	}
}

// attempt runs one execution under the per-attempt timeout.
func (l *Loop) attempt(ctx context.Context, step plan.Step, n int, d Dispatcher) plan.Outcome {
	actx, cancel := context.WithTimeout(ctx, l.attemptTimeout)
	defer cancel()

	actx, span := tracer.Start(actx, "agent.attempt", trace.WithAttributes(
		attribute.Int("relay.attempt", n),
		attribute.String("relay.action", step.Action),
	))
	defer span.End()

	start := time.Now()
	r, err := d.Dispatch(actx, step)
	elapsed := time.Since(start)

	out := plan.Outcome{
		Tool:    step.Tool,
		Action:  step.Action,
		Attempt: n,
		Elapsed: elapsed,
	}
	if err == nil {
		out.Status = plan.StatusSuccess
		out.Payload = r.Payload
		out.Accepted = r.Accepted
		span.SetAttributes(attribute.String("relay.status", string(out.Status)))
		return out
	}

	out.Status, out.Code = Classify(err)
	// A dispatcher that ignores its deadline still loses the attempt.
	if errors.Is(actx.Err(), context.DeadlineExceeded) {
		out.Status = plan.StatusTimeout
	}
	out.Detail = err.Error()
	span.SetAttributes(attribute.String("relay.status", string(out.Status)))
	span.RecordError(err)
	span.SetStatus(codes.Error, string(out.Status))
	return out
}

// wait sleeps before attempt n. The delay doubles from the initial
// backoff up to the cap and ends early when ctx is done.
func (l *Loop) wait(ctx context.Context, n int) {
	delay := l.backoffInitial
	for i := 2; i < n && delay < l.backoffMax; i++ {
		delay *= 2
	}
	delay = min(delay, l.backoffMax)

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// interrupted resolves a step whose context ended: escalated when the
// request budget ran out, cancelled otherwise.
func (l *Loop) interrupted(ctx context.Context, sr stepRun, res StepResult) StepResult {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrRequestBudgetExceeded) {
		return l.escalate(sr, res, ErrRequestBudgetExceeded.Error())
	}

	res.State = StateCancelled
	res.Err = cause
	sr.log.Info("step abandoned", "cause", cause, "attempts", len(res.Attempts))
	sr.span.SetAttributes(attribute.String("relay.state", string(res.State)))
	sr.span.SetStatus(codes.Error, "cancelled")
	return res
}

func (l *Loop) escalate(sr stepRun, res StepResult, reason string) StepResult {
	attempts := len(res.Attempts)
	detail := reason
	if attempts > 0 {
		detail = reason + ": " + res.Attempts[attempts-1].Detail
	}

	res.State = StateEscalated
	res.Err = fmt.Errorf("%s: %w", res.Final.Tool, ErrEscalationRequired)
	res.Outcome = plan.Outcome{
		Tool:    res.Final.Tool,
		Action:  res.Final.Action,
		Status:  plan.StatusEscalated,
		Detail:  detail,
		Attempt: attempts,
		Elapsed: time.Since(sr.start),
		Marker:  bundle.Marker,
	}

	sr.log.Warn("step escalated",
		"attempts", attempts,
		"last_status", string(res.LastStatus()),
		"reason", reason,
	)
	l.events.Emit(events.SourceAgent, events.KindEscalated, map[string]any{
		"request_id":  sr.requestID,
		"tool":        res.Final.Tool,
		"action":      res.Final.Action,
		"attempts":    attempts,
		"last_status": string(res.LastStatus()),
	})
	sr.span.SetStatus(codes.Error, "escalated")
	l.finish(sr, res)
	return res
}

func (l *Loop) finish(sr stepRun, res StepResult) {
	elapsed := time.Since(sr.start)
	sr.span.SetAttributes(
		attribute.String("relay.state", string(res.State)),
		attribute.Int("relay.attempts", len(res.Attempts)),
	)
	l.metrics.ObserveStep(res.Planned.Tool, string(res.State), elapsed)
	l.events.Emit(events.SourceAgent, events.KindStepDone, map[string]any{
		"request_id": sr.requestID,
		"tool":       res.Final.Tool,
		"action":     res.Final.Action,
		"state":      string(res.State),
		"attempts":   len(res.Attempts),
	})
}

// stepRun carries the per-step telemetry handles.
type stepRun struct {
	span      trace.Span
	log       *slog.Logger
	start     time.Time
	requestID string
}

func logFailure(log *slog.Logger, o plan.Outcome) {
	attrs := []any{"attempt", o.Attempt, "status", string(o.Status), "error", o.Detail}
	if o.Code != 0 {
		attrs = append(attrs, "code", o.Code)
	}
	switch o.Status {
	case plan.StatusTransportError, plan.StatusTimeout:
		log.Warn("step attempt failed: infrastructure", attrs...)
	default:
		log.Info("step attempt failed: tool reported error", attrs...)
	}
}

type requestIDKey struct{}

// WithRequestID returns a context carrying the request ID for logs,
// spans and events.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
