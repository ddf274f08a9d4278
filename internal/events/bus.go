// Package events is an in-process broadcast bus for operational events
// emitted while relay processes requests. Publishing on a nil *Bus is a
// no-op, so components never need guard checks.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	SourceAgent       = "agent"
	SourceMCP         = "mcp"
	SourceIdempotency = "idempotency"
	SourceEscalation  = "escalation"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart: request_id, event_id, conversation_id.
	KindRequestStart = "request_start"
	// KindDuplicate: event_id, first_seen.
	KindDuplicate = "duplicate"
	// KindPlan: request_id, steps, rejected, intents.
	KindPlan = "plan"
	// KindAttempt: request_id, tool, action, attempt, status, elapsed_ms.
	KindAttempt = "attempt"
	// KindCorrection: request_id, tool, action, source.
	KindCorrection = "correction"
	// KindStepDone: request_id, tool, action, state, attempts.
	KindStepDone = "step_done"
	// KindEscalated: request_id, tool, action, attempts, last_status.
	KindEscalated = "escalated"
	// KindRequestComplete: request_id, outcomes, escalated, elapsed_ms.
	KindRequestComplete = "request_complete"
	// KindHandshake: server, session_id, ok.
	KindHandshake = "handshake"
	// KindSessionDiscarded: server, session_id, reason.
	KindSessionDiscarded = "session_discarded"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend lets Unsubscribe accept the receive-only view handed
	// out by Subscribe.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// LogTo subscribes and writes every event to logger at debug level
// until ctx is done.
func (b *Bus) LogTo(ctx context.Context, logger *slog.Logger) {
	ch := b.Subscribe(256)
	defer b.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			attrs := make([]any, 0, 4+2*len(e.Data))
			attrs = append(attrs, "source", e.Source, "kind", e.Kind)
			for k, v := range e.Data {
				attrs = append(attrs, k, v)
			}
			logger.Debug("event", attrs...)
		}
	}
}
