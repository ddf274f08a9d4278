// Package plan turns a request into an ordered set of tool invocations
// and proposes corrections when an invocation fails.
package plan

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/nugget/relay/internal/tools"
)

// Sender describes who sent a request.
type Sender struct {
	Name       string `json:"name,omitempty"`
	Role       string `json:"role,omitempty"`
	Department string `json:"department,omitempty"`
}

// Request is an admitted inbound request. It is never mutated after
// ingestion.
type Request struct {
	ID             string    `json:"id"`
	EventID        string    `json:"event_id"`
	Text           string    `json:"text"`
	Sender         Sender    `json:"sender"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Message is one entry of conversation history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Step is one planned tool invocation. Tool and Action mirror Ref for
// serialization; Ref is authoritative.
type Step struct {
	Ref       tools.Ref      `json:"-"`
	Tool      string         `json:"tool"`
	Action    string         `json:"action"`
	Args      map[string]any `json:"args"`
	Rationale string         `json:"rationale,omitempty"`
}

// NewStep builds a step for ref. args is copied.
func NewStep(ref tools.Ref, args map[string]any, rationale string) Step {
	return Step{
		Ref:       ref,
		Tool:      ref.Tool(),
		Action:    ref.Action(),
		Args:      maps.Clone(args),
		Rationale: rationale,
	}
}

// Clone returns a copy of s whose Args can be modified freely.
func (s Step) Clone() Step {
	s.Args = cloneArgs(s.Args)
	return s
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneArgs(t)
		case []any:
			out[k] = append([]any(nil), t...)
		default:
			out[k] = v
		}
	}
	return out
}

// Rejection is a step that failed schema validation at plan time.
type Rejection struct {
	Step   Step   `json:"step"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Plan is the ordered set of steps chosen for a request. Execution may
// replace a step with a corrected copy; the plan itself is not mutated.
type Plan struct {
	RequestID string      `json:"request_id"`
	Intents   []string    `json:"intents,omitempty"`
	Steps     []Step      `json:"steps"`
	Rejected  []Rejection `json:"rejected,omitempty"`
	// Unserved lists intents no registered tool could satisfy.
	Unserved  []string `json:"unserved,omitempty"`
	FollowUp  bool     `json:"follow_up,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
}

// Empty reports whether the plan has nothing to execute.
func (p *Plan) Empty() bool { return p == nil || len(p.Steps) == 0 }

// Status classifies a step outcome.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusToolError      Status = "tool_error"
	StatusTransportError Status = "transport_error"
	StatusTimeout        Status = "timeout"
	StatusEscalated      Status = "escalated"
	StatusRejected       Status = "rejected"
)

// Failed reports whether s is a retryable attempt failure.
func (s Status) Failed() bool {
	return s == StatusToolError || s == StatusTransportError || s == StatusTimeout
}

// Outcome is the result of one attempt, or the terminal result of a
// step. Payload is set only on success; Marker only on escalation.
type Outcome struct {
	Tool     string          `json:"tool"`
	Action   string          `json:"action"`
	Status   Status          `json:"status"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Accepted bool            `json:"accepted,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	// Code is the tool error code or HTTP status when known.
	Code    int           `json:"code,omitempty"`
	Attempt int           `json:"attempt"`
	Elapsed time.Duration `json:"elapsed"`
	Marker  string        `json:"marker,omitempty"`
}
