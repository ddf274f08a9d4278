// Package escalation records steps that exhausted their automated
// retries so a human can follow up.
//
// A [Sink] receives one [Record] per escalated step. The SQLite
// [Store] keeps a durable queue of pending escalations; the MQTT
// [Publisher] signals them to whoever is listening. [Multi] fans a
// record out to several sinks.
package escalation

import (
	"context"
	"errors"
	"time"
)

// Record is one escalated step.
type Record struct {
	ID             int64     `json:"id,omitempty"`
	RequestID      string    `json:"request_id"`
	EventID        string    `json:"event_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Tool           string    `json:"tool"`
	Action         string    `json:"action"`
	Attempts       int       `json:"attempts"`
	LastStatus     string    `json:"last_status"`
	Detail         string    `json:"detail,omitempty"`
	Marker         string    `json:"marker"`
	CreatedAt      time.Time `json:"created_at"`
	// ResolvedAt is zero while the escalation is pending.
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
	Resolution string    `json:"resolution,omitempty"`
}

// Pending reports whether nobody has resolved the escalation yet.
func (r Record) Pending() bool { return r.ResolvedAt.IsZero() }

// Sink receives escalations.
type Sink interface {
	Escalate(ctx context.Context, rec Record) error
}

// Multi delivers each record to every sink. A failing sink does not
// stop delivery to the others; all errors are joined.
type Multi []Sink

// Escalate implements [Sink].
func (m Multi) Escalate(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Escalate(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
