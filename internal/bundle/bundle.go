// Package bundle assembles the hand-off artifact passed to the response
// generator once a request has been executed.
package bundle

import (
	"encoding/json"
	"slices"

	"github.com/nugget/relay/internal/plan"
)

// Marker is attached to every escalated step in place of a payload.
const Marker = "may require manual intervention"

// DefaultHistoryWindow bounds the history excerpt when Options leaves
// it unset.
const DefaultHistoryWindow = 10

// Options configures Assemble.
type Options struct {
	// HistoryWindow is the number of most recent history messages kept.
	HistoryWindow int
}

// Escalation describes a step that exhausted its attempts or its
// request budget. It never carries a payload.
type Escalation struct {
	Tool     string `json:"tool"`
	Action   string `json:"action"`
	Attempts int    `json:"attempts"`
	// Detail is the error of the last failed attempt.
	Detail string `json:"detail,omitempty"`
	Marker string `json:"marker"`
}

// ContextBundle is everything the response generator may see about a
// request. It shares no memory with the values it was built from.
type ContextBundle struct {
	Request plan.Request `json:"request"`
	Plan    *plan.Plan   `json:"plan"`
	// Outcomes holds successful steps only, in plan order.
	Outcomes    []plan.Outcome `json:"outcomes"`
	Escalations []Escalation   `json:"escalations,omitempty"`
	History     []plan.Message `json:"history,omitempty"`
	Escalated   bool           `json:"escalated"`
}

// Assemble merges a request, its plan, the terminal outcome of each
// executed step and the conversation history into a bundle. outcomes
// must be in plan order. It has no side effects and the same inputs
// always yield an equal bundle.
func Assemble(req plan.Request, p *plan.Plan, outcomes []plan.Outcome, history []plan.Message, opts Options) *ContextBundle {
	window := opts.HistoryWindow
	if window <= 0 {
		window = DefaultHistoryWindow
	}

	b := &ContextBundle{
		Request:  req,
		Plan:     clonePlan(p),
		Outcomes: []plan.Outcome{},
		History:  truncate(history, window),
	}

	for _, o := range outcomes {
		switch o.Status {
		case plan.StatusSuccess:
			o.Payload = slices.Clone(o.Payload)
			o.Marker = ""
			b.Outcomes = append(b.Outcomes, o)
		case plan.StatusEscalated:
			marker := o.Marker
			if marker == "" {
				marker = Marker
			}
			b.Escalations = append(b.Escalations, Escalation{
				Tool:     o.Tool,
				Action:   o.Action,
				Attempts: o.Attempt,
				Detail:   o.Detail,
				Marker:   marker,
			})
			b.Escalated = true
		}
	}
	return b
}

// Payloads returns the successful payloads keyed by "tool.action". A
// tool that ran twice keeps its first payload.
func (b *ContextBundle) Payloads() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(b.Outcomes))
	for _, o := range b.Outcomes {
		key := o.Tool + "." + o.Action
		if _, ok := out[key]; !ok {
			out[key] = slices.Clone(o.Payload)
		}
	}
	return out
}

func truncate(history []plan.Message, window int) []plan.Message {
	if len(history) == 0 {
		return nil
	}
	if len(history) > window {
		history = history[len(history)-window:]
	}
	return slices.Clone(history)
}

func clonePlan(p *plan.Plan) *plan.Plan {
	if p == nil {
		return &plan.Plan{}
	}
	c := *p
	c.Intents = slices.Clone(p.Intents)
	c.Unserved = slices.Clone(p.Unserved)
	c.Steps = make([]plan.Step, len(p.Steps))
	for i, s := range p.Steps {
		c.Steps[i] = s.Clone()
	}
	if p.Rejected != nil {
		c.Rejected = make([]plan.Rejection, len(p.Rejected))
		for i, r := range p.Rejected {
			r.Step = r.Step.Clone()
			c.Rejected[i] = r
		}
	}
	return &c
}
