// Package memory keeps short-term conversation history for the planner
// and the context assembler.
//
// Each conversation holds a sliding window of its most recent messages.
// Conversations idle for longer than the retention period are dropped.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/relay/internal/plan"
)

// Defaults applied by NewStore.
const (
	DefaultWindow    = 10
	DefaultRetention = 24 * time.Hour
)

// Options configures a Store.
type Options struct {
	// Window is the number of messages kept per conversation.
	Window int
	// Retention is how long an idle conversation is kept.
	Retention time.Duration
	// Now overrides the clock (tests).
	Now    func() time.Time
	Logger *slog.Logger
}

// Stats summarizes the store contents.
type Stats struct {
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
	Window        int `json:"window"`
	Pruned        int `json:"pruned"`
}

type conversation struct {
	messages   []plan.Message
	lastActive time.Time
}

// Store is a concurrency-safe in-memory history store keyed by
// conversation ID.
type Store struct {
	window    int
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu            sync.RWMutex
	conversations map[string]*conversation
	pruned        int
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		window:        opts.Window,
		retention:     opts.Retention,
		now:           opts.Now,
		logger:        opts.Logger,
		conversations: make(map[string]*conversation),
	}
}

// Append adds msg to the conversation, dropping the oldest messages
// once the window is full. A zero Timestamp is set to now. Messages
// without a conversation ID are not stored.
func (s *Store) Append(conversationID string, msg plan.Message) {
	if conversationID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}

	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &conversation{}
		s.conversations[conversationID] = conv
	}
	conv.messages = append(conv.messages, msg)
	if over := len(conv.messages) - s.window; over > 0 {
		// Copy down so the backing array does not grow without bound.
		conv.messages = append(conv.messages[:0:0], conv.messages[over:]...)
	}
	conv.lastActive = now
}

// Recent returns a copy of the conversation's messages, oldest first.
// An unknown or expired conversation yields nil.
func (s *Store) Recent(conversationID string) []plan.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok || s.expired(conv, s.now()) {
		return nil
	}
	msgs := make([]plan.Message, len(conv.messages))
	copy(msgs, conv.messages)
	return msgs
}

// Clear removes a conversation.
func (s *Store) Clear(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversationID)
}

// Prune drops conversations idle past the retention period and returns
// how many were removed.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for id, conv := range s.conversations {
		if s.expired(conv, now) {
			delete(s.conversations, id)
			n++
		}
	}
	s.pruned += n
	return n
}

// Run prunes every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Prune(); n > 0 {
				s.logger.Debug("conversation history pruned", "conversations", n)
			}
		}
	}
}

// Len returns the number of conversations held, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// Stats returns a snapshot of the store.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Conversations: len(s.conversations), Window: s.window, Pruned: s.pruned}
	for _, conv := range s.conversations {
		st.Messages += len(conv.messages)
	}
	return st
}

func (s *Store) expired(conv *conversation, now time.Time) bool {
	return now.Sub(conv.lastActive) >= s.retention
}
