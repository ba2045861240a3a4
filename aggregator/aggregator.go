// Package aggregator holds the in-memory, single-writer fingerprint map
// used solely to gate the new-fingerprint signal the streaming alert
// evaluator consumes. It is never the source of truth for persisted
// counts (see store/eventpipeline for that). Shape is a namespace+mutex
// map reduced to a flat table.
package aggregator

import "sync"

// Entry tracks how many times a fingerprint has been seen and when it
// was first observed.
type Entry struct {
	Count       uint64
	FirstSeenMs int64
}

// Aggregator is a shared map guarded for concurrent increments. The
// pipeline worker is the map's sole writer; HTTP handlers never read it.
type Aggregator struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{entries: make(map[string]*Entry)}
}

// Increment bumps the count for fingerprint fp, stamping FirstSeenMs on
// first insert. Returns true iff the entry was newly created — the
// signal the streaming alert evaluator keys its new-issue firing on.
func (a *Aggregator) Increment(fp string, nowMs int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[fp]
	if !ok {
		a.entries[fp] = &Entry{Count: 1, FirstSeenMs: nowMs}
		return true
	}
	e.Count++
	return false
}

// Get returns a copy of the current entry for fp, if any.
func (a *Aggregator) Get(fp string) (Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[fp]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len reports how many distinct fingerprints are tracked.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
