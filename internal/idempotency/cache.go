// Package idempotency deduplicates inbound events by their upstream
// event identifier within a sliding time window.
//
// The key is always the event identifier, never a hash of the content:
// two independent requests with identical text but different event IDs
// both proceed.
package idempotency

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrEmptyEventID is returned by Admit for an event without an
// identifier. Without a key the cache cannot deduplicate, so callers
// treat it as a cache-layer failure.
var ErrEmptyEventID = errors.New("idempotency: empty event id")

// Decision is the outcome of Admit.
type Decision int

const (
	// Proceed means the event is new and has been recorded.
	Proceed Decision = iota
	// Duplicate means the event was already admitted within the window.
	Duplicate
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Record is one admitted event.
type Record struct {
	EventID string
	// EventTime is the upstream event timestamp.
	EventTime time.Time
	// AdmittedAt is the local clock reading at admission. Expiry is
	// measured against it.
	AdmittedAt time.Time
	// Completed is set once a bundle was produced for the event.
	Completed bool
}

// Stats counts cache activity since construction.
type Stats struct {
	Size       int    `json:"size"`
	Admitted   uint64 `json:"admitted"`
	Duplicates uint64 `json:"duplicates"`
	Evicted    uint64 `json:"evicted"`
	Expired    uint64 `json:"expired"`
}

// Options configures a Cache.
type Options struct {
	// Window is how long an admitted event blocks redelivery. Default 10s.
	Window time.Duration
	// MaxEntries bounds the cache. Oldest records are evicted first.
	// Default 1000.
	MaxEntries int
	// Now overrides the clock (tests).
	Now    func() time.Time
	Logger *slog.Logger
}

// Cache is a bounded, concurrency-safe idempotency cache. Admit is
// atomic: of two concurrent deliveries of the same event exactly one
// sees Proceed.
type Cache struct {
	window time.Duration
	max    int
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	order *list.List // *Record, oldest admission at the front
	index map[string]*list.Element
	stats Stats
}

// New creates a cache.
func New(opts Options) *Cache {
	if opts.Window <= 0 {
		opts.Window = 10 * time.Second
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		window: opts.Window,
		max:    opts.MaxEntries,
		now:    opts.Now,
		logger: opts.Logger,
		order:  list.New(),
		index:  make(map[string]*list.Element),
	}
}

// Window returns the configured deduplication window.
func (c *Cache) Window() time.Duration { return c.window }

// Admit records eventID and returns Proceed, or returns Duplicate if a
// live record for eventID has an event time within the window of
// eventTime. A zero eventTime means now. Expired records are purged
// before the check.
func (c *Cache) Admit(eventID string, eventTime time.Time) (Decision, error) {
	if eventID == "" {
		return Proceed, ErrEmptyEventID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if eventTime.IsZero() {
		eventTime = now
	}
	c.purgeLocked(now)

	if el, ok := c.index[eventID]; ok {
		rec := el.Value.(*Record)
		if absDuration(eventTime.Sub(rec.EventTime)) < c.window {
			c.stats.Duplicates++
			return Duplicate, nil
		}
		// Same ID, event time far from the recorded one: a new event.
		c.order.Remove(el)
		delete(c.index, eventID)
	}

	for c.order.Len() >= c.max {
		oldest := c.order.Front()
		rec := oldest.Value.(*Record)
		c.order.Remove(oldest)
		delete(c.index, rec.EventID)
		c.stats.Evicted++
		c.logger.Debug("idempotency record evicted", "event_id", rec.EventID, "max_entries", c.max)
	}

	rec := &Record{EventID: eventID, EventTime: eventTime, AdmittedAt: now}
	c.index[eventID] = c.order.PushBack(rec)
	c.stats.Admitted++
	return Proceed, nil
}

// Complete marks the record for eventID as having produced an outcome.
// It reports whether a live record was found.
func (c *Cache) Complete(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[eventID]
	if !ok {
		return false
	}
	el.Value.(*Record).Completed = true
	return true
}

// Lookup returns a copy of the live record for eventID.
func (c *Cache) Lookup(eventID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(c.now())
	el, ok := c.index[eventID]
	if !ok {
		return Record{}, false
	}
	return *el.Value.(*Record), true
}

// Sweep purges expired records and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(c.now())
}

// Run sweeps every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("idempotency sweep", "expired", n)
			}
		}
	}
}

// Len returns the number of records currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.order.Len()
	return s
}

// purgeLocked drops records admitted a full window ago or earlier.
// Records are admitted in clock order, so expiry stops at the first
// live record.
func (c *Cache) purgeLocked(now time.Time) int {
	n := 0
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		rec := el.Value.(*Record)
		if now.Sub(rec.AdmittedAt) < c.window {
			break
		}
		c.order.Remove(el)
		delete(c.index, rec.EventID)
		n++
	}
	c.stats.Expired += uint64(n)
	return n
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
