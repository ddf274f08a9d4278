package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nugget/relay/internal/plan"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func user(text string) plan.Message { return plan.Message{Role: "user", Content: text} }

func TestAppend_SlidingWindow(t *testing.T) {
	s := NewStore(Options{Window: 3})
	for i := range 5 {
		s.Append("c1", user(fmt.Sprintf("m%d", i)))
	}

	got := s.Recent("c1")
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if got[i].Content != want {
			t.Errorf("got[%d] = %q, want %q", i, got[i].Content, want)
		}
	}
}

func TestAppend_DefaultWindow(t *testing.T) {
	s := NewStore(Options{})
	for i := range 25 {
		s.Append("c1", user(fmt.Sprintf("m%d", i)))
	}
	if got := len(s.Recent("c1")); got != DefaultWindow {
		t.Errorf("len = %d, want %d", got, DefaultWindow)
	}
}

func TestAppend_StampsTimestamp(t *testing.T) {
	clock := newClock()
	s := NewStore(Options{Now: clock.Now})

	s.Append("c1", user("hello"))
	explicit := clock.Now().Add(-time.Minute)
	s.Append("c1", plan.Message{Role: "assistant", Content: "hi", Timestamp: explicit})

	got := s.Recent("c1")
	if !got[0].Timestamp.Equal(clock.Now()) {
		t.Errorf("zero timestamp not stamped: %v", got[0].Timestamp)
	}
	if !got[1].Timestamp.Equal(explicit) {
		t.Errorf("explicit timestamp overwritten: %v", got[1].Timestamp)
	}
}

func TestAppend_EmptyConversationID(t *testing.T) {
	s := NewStore(Options{})
	s.Append("", user("orphan"))
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestRecent_ReturnsCopy(t *testing.T) {
	s := NewStore(Options{})
	s.Append("c1", user("original"))

	got := s.Recent("c1")
	got[0].Content = "mutated"

	if s.Recent("c1")[0].Content != "original" {
		t.Error("Recent shares memory with the store")
	}
	if s.Recent("unknown") != nil {
		t.Error("unknown conversation should yield nil")
	}
}

func TestConversationsAreIsolated(t *testing.T) {
	s := NewStore(Options{})
	s.Append("c1", user("one"))
	s.Append("c2", user("two"))

	if got := s.Recent("c1"); len(got) != 1 || got[0].Content != "one" {
		t.Errorf("c1 = %+v", got)
	}
	s.Clear("c1")
	if s.Recent("c1") != nil || len(s.Recent("c2")) != 1 {
		t.Error("Clear removed the wrong conversation")
	}
}

func TestRetention(t *testing.T) {
	clock := newClock()
	s := NewStore(Options{Retention: time.Hour, Now: clock.Now})

	s.Append("idle", user("old"))
	clock.Advance(30 * time.Minute)
	s.Append("active", user("new"))
	clock.Advance(30 * time.Minute)

	if s.Recent("idle") != nil {
		t.Error("expired conversation still visible")
	}
	if s.Recent("active") == nil {
		t.Error("active conversation hidden")
	}

	if n := s.Prune(); n != 1 {
		t.Errorf("Prune = %d, want 1", n)
	}
	st := s.Stats()
	if st.Conversations != 1 || st.Messages != 1 || st.Pruned != 1 || st.Window != DefaultWindow {
		t.Errorf("Stats = %+v", st)
	}
}

func TestAppend_RefreshesActivity(t *testing.T) {
	clock := newClock()
	s := NewStore(Options{Retention: time.Hour, Now: clock.Now})

	s.Append("c1", user("first"))
	clock.Advance(50 * time.Minute)
	s.Append("c1", user("second"))
	clock.Advance(50 * time.Minute)

	if got := s.Recent("c1"); len(got) != 2 {
		t.Errorf("Recent = %+v, want both messages", got)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := NewStore(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConcurrentAppend(t *testing.T) {
	s := NewStore(Options{Window: 50})
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 20 {
				s.Append("shared", user(fmt.Sprintf("%d-%d", i, j)))
				_ = s.Recent("shared")
			}
		}()
	}
	wg.Wait()
	if got := len(s.Recent("shared")); got != 50 {
		t.Errorf("len = %d, want 50", got)
	}
}
