package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/relay/internal/bundle"
	"github.com/nugget/relay/internal/escalation"
	"github.com/nugget/relay/internal/events"
	"github.com/nugget/relay/internal/idempotency"
	"github.com/nugget/relay/internal/mcp"
	"github.com/nugget/relay/internal/memory"
	"github.com/nugget/relay/internal/metrics"
	"github.com/nugget/relay/internal/plan"
	"github.com/nugget/relay/internal/tools"
)

// sessionCloseTimeout bounds the best-effort teardown of a request's
// MCP sessions.
const sessionCloseTimeout = 5 * time.Second

// Ingestion is a normalized inbound event from the gateway.
type Ingestion struct {
	EventID        string      `json:"event_id"`
	EventTime      time.Time   `json:"event_time"`
	Text           string      `json:"text"`
	Sender         plan.Sender `json:"sender"`
	ConversationID string      `json:"conversation_id,omitempty"`
}

// Deps wires an Orchestrator. Cache, Registry, Planner and Loop are
// required; the rest are optional.
type Deps struct {
	Cache    *idempotency.Cache
	Registry *tools.Registry
	Planner  *plan.Planner
	Loop     *Loop
	// Pool serves remote actions. Nil means local tools only.
	Pool    *mcp.Pool
	History *memory.Store
	// Escalations receives every escalated step.
	Escalations   escalation.Sink
	HistoryWindow int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Events  *events.Bus
	// Now overrides the clock (tests).
	Now func() time.Time
	// NewID overrides request ID generation (tests).
	NewID func() string
}

// Orchestrator runs the request pipeline: admission, planning,
// execution, assembly and hand-off. It is safe for concurrent use; each
// request owns its own MCP sessions.
type Orchestrator struct {
	cache         *idempotency.Cache
	registry      *tools.Registry
	planner       *plan.Planner
	loop          *Loop
	pool          *mcp.Pool
	history       *memory.Store
	escalations   escalation.Sink
	historyWindow int

	logger  *slog.Logger
	metrics *metrics.Metrics
	events  *events.Bus
	now     func() time.Time
	newID   func() string
}

// NewOrchestrator validates deps and builds an Orchestrator.
func NewOrchestrator(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Cache == nil:
		return nil, errors.New("orchestrator: idempotency cache is required")
	case deps.Registry == nil:
		return nil, errors.New("orchestrator: tool registry is required")
	case deps.Planner == nil:
		return nil, errors.New("orchestrator: planner is required")
	case deps.Loop == nil:
		return nil, errors.New("orchestrator: loop is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &Orchestrator{
		cache:         deps.Cache,
		registry:      deps.Registry,
		planner:       deps.Planner,
		loop:          deps.Loop,
		pool:          deps.Pool,
		history:       deps.History,
		escalations:   deps.Escalations,
		historyWindow: deps.HistoryWindow,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
		events:        deps.Events,
		now:           deps.Now,
		newID:         deps.NewID,
	}, nil
}

// Process handles one inbound event and returns its bundle.
//
// A duplicate event returns [ErrDuplicateEvent] and runs nothing. A
// request whose steps fail still yields a bundle, with the escalation
// flag set when any step escalated. Errors are returned only when the
// cache rejects the event, no tool is registered, or ctx is cancelled;
// a cancelled request produces no bundle and leaves the cache with only
// its admission record.
func (o *Orchestrator) Process(ctx context.Context, in Ingestion) (*bundle.ContextBundle, error) {
	decision, err := o.cache.Admit(in.EventID, in.EventTime)
	if err != nil {
		o.metrics.ObserveAdmission("error")
		o.metrics.ObserveRequest("error")
		return nil, fmt.Errorf("admit event: %w", err)
	}
	o.metrics.ObserveAdmission(decision.String())
	if decision == idempotency.Duplicate {
		o.logger.Info("duplicate event ignored", "event_id", in.EventID)
		o.events.Emit(events.SourceIdempotency, events.KindDuplicate, map[string]any{
			"event_id": in.EventID,
		})
		o.metrics.ObserveRequest("duplicate")
		return nil, ErrDuplicateEvent
	}

	if o.registry.Len() == 0 {
		o.metrics.ObserveRequest("error")
		return nil, ErrNoTools
	}

	req := plan.Request{
		ID:             o.newID(),
		EventID:        in.EventID,
		Text:           in.Text,
		Sender:         in.Sender,
		ConversationID: in.ConversationID,
		ReceivedAt:     o.now(),
	}
	log := o.logger.With("request_id", req.ID, "event_id", req.EventID)

	ctx = WithRequestID(ctx, req.ID)
	ctx, span := tracer.Start(ctx, "relay.request", trace.WithAttributes(
		attribute.String("relay.request_id", req.ID),
		attribute.String("relay.event_id", req.EventID),
		attribute.String("relay.conversation_id", req.ConversationID),
	))
	defer span.End()

	start := time.Now()
	o.events.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"request_id":      req.ID,
		"event_id":        req.EventID,
		"conversation_id": req.ConversationID,
	})

	var history []plan.Message
	if o.history != nil {
		history = o.history.Recent(req.ConversationID)
	}

	p := o.planner.Plan(req, history)
	span.SetAttributes(attribute.Int("relay.steps", len(p.Steps)))
	o.events.Emit(events.SourceAgent, events.KindPlan, map[string]any{
		"request_id": req.ID,
		"steps":      len(p.Steps),
		"rejected":   len(p.Rejected),
		"intents":    p.Intents,
	})
	for _, r := range p.Rejected {
		o.metrics.ObserveStep(r.Step.Tool, string(plan.StatusRejected), 0)
	}

	results, err := o.execute(ctx, p)
	if err != nil {
		log.Info("request cancelled", "cause", err)
		span.SetStatus(codes.Error, "cancelled")
		o.metrics.ObserveRequest("cancelled")
		return nil, err
	}

	outcomes := make([]plan.Outcome, len(results))
	for i, r := range results {
		outcomes[i] = r.Outcome
	}
	b := bundle.Assemble(req, p, outcomes, history, bundle.Options{HistoryWindow: o.historyWindow})

	o.cache.Complete(req.EventID)
	if o.history != nil {
		o.history.Append(req.ConversationID, plan.Message{Role: "user", Content: req.Text, Timestamp: req.ReceivedAt})
	}
	o.recordEscalations(ctx, log, req, results)

	elapsed := time.Since(start)
	span.SetAttributes(attribute.Bool("relay.escalated", b.Escalated))
	log.Info("request complete",
		"steps", len(p.Steps),
		"outcomes", len(b.Outcomes),
		"escalated", b.Escalated,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	o.events.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"request_id": req.ID,
		"outcomes":   len(b.Outcomes),
		"escalated":  b.Escalated,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	o.metrics.ObserveRequest("bundle")
	return b, nil
}

// execute runs the plan with a session set private to this request.
func (o *Orchestrator) execute(ctx context.Context, p *plan.Plan) ([]StepResult, error) {
	var sessions *mcp.Sessions
	if o.pool != nil {
		sessions = o.pool.NewSessions()
		defer func() {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionCloseTimeout)
			defer cancel()
			sessions.Close(cctx)
		}()
	}
	return o.loop.Run(ctx, p, NewToolDispatcher(sessions))
}

// recordEscalations hands escalated steps to the sink. Sink failures
// are logged; the bundle already carries the escalation.
func (o *Orchestrator) recordEscalations(ctx context.Context, log *slog.Logger, req plan.Request, results []StepResult) {
	if o.escalations == nil {
		return
	}
	for _, r := range results {
		if r.State != StateEscalated {
			continue
		}
		rec := escalation.Record{
			RequestID:      req.ID,
			EventID:        req.EventID,
			ConversationID: req.ConversationID,
			Tool:           r.Final.Tool,
			Action:         r.Final.Action,
			Attempts:       len(r.Attempts),
			LastStatus:     string(r.LastStatus()),
			Detail:         r.Outcome.Detail,
			Marker:         r.Outcome.Marker,
			CreatedAt:      o.now(),
		}
		if err := o.escalations.Escalate(ctx, rec); err != nil {
			log.Warn("escalation not recorded", "tool", rec.Tool, "error", err)
			continue
		}
		o.events.Emit(events.SourceEscalation, events.KindEscalated, map[string]any{
			"request_id":  req.ID,
			"tool":        rec.Tool,
			"action":      rec.Action,
			"attempts":    rec.Attempts,
			"last_status": rec.LastStatus,
		})
	}
}
