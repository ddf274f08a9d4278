package plan

import (
	"context"
	"fmt"
	"maps"
)

// Failure describes a failed attempt for a Reasoner.
type Failure struct {
	Step    Step
	Outcome Outcome
}

// Correction is a Reasoner's proposal. An empty Action keeps the
// failed action; nil Args keeps the failed arguments.
type Correction struct {
	Action    string
	Args      map[string]any
	Rationale string
}

// Reasoner proposes a correction for a failed step. It returns nil
// without error when it has no suggestion. Implementations may be slow
// or unavailable; the planner bounds every call and falls back to its
// heuristic table.
type Reasoner interface {
	Correct(ctx context.Context, f Failure) (*Correction, error)
}

// Correction sources reported to metrics.
const (
	sourceBackend   = "backend"
	sourceHeuristic = "heuristic"
	sourceNone      = "none"
)

// Reason proposes a corrected step for a failed attempt, or nil when no
// plausible correction exists. The reasoning backend is asked first;
// when it is absent, fails or proposes something invalid, the heuristic
// table is consulted. Every correction is validated against the target
// action's schema before it is returned.
func (p *Planner) Reason(ctx context.Context, step Step, outcome Outcome) *Step {
	log := p.logger.With("tool", step.Tool, "action", step.Action, "attempt", outcome.Attempt)

	if p.reasoner != nil {
		rctx, cancel := context.WithTimeout(ctx, p.reasonTimeout)
		c, err := p.reasoner.Correct(rctx, Failure{Step: step.Clone(), Outcome: outcome})
		cancel()

		switch {
		case err != nil:
			log.Warn("reasoning backend unavailable, using heuristics", "error", err)
		case c != nil:
			next, err := p.apply(step, c)
			if err != nil {
				log.Debug("discarding invalid backend correction", "error", err)
				break
			}
			log.Info("step corrected", "source", sourceBackend, "rationale", next.Rationale)
			p.metrics.ObserveCorrection(sourceBackend)
			return next
		}
	}

	// A cancelled request gets no correction.
	if ctx.Err() != nil {
		p.metrics.ObserveCorrection(sourceNone)
		return nil
	}

	for _, h := range heuristics {
		if !h.match(outcome) {
			continue
		}
		c := h.fix(step, outcome)
		if c == nil {
			continue
		}
		next, err := p.apply(step, c)
		if err != nil {
			log.Debug("heuristic correction rejected", "heuristic", h.name, "error", err)
			continue
		}
		log.Info("step corrected", "source", sourceHeuristic, "heuristic", h.name, "rationale", next.Rationale)
		p.metrics.ObserveCorrection(sourceHeuristic)
		return next
	}

	log.Debug("no correction found")
	p.metrics.ObserveCorrection(sourceNone)
	return nil
}

// apply resolves and validates a correction into a new step. The
// correction may only target actions of the same tool.
func (p *Planner) apply(step Step, c *Correction) (*Step, error) {
	action := c.Action
	if action == "" {
		action = step.Action
	}
	ref, err := p.registry.Resolve(step.Tool, action)
	if err != nil {
		return nil, err
	}

	args := c.Args
	if args == nil {
		args = step.Clone().Args
	} else {
		args = maps.Clone(args)
	}
	if err := p.registry.Validate(ref, args); err != nil {
		return nil, err
	}

	rationale := c.Rationale
	if rationale == "" {
		rationale = fmt.Sprintf("corrected %s", ref)
	}
	next := NewStep(ref, args, rationale)
	return &next, nil
}
