package knowledgegraph

import (
	"time"

	"github.com/google/uuid"
)

// Outcome classifies what processing an event did to the store.
type Outcome string

const (
	// OutcomeApplied means the event changed state.
	OutcomeApplied Outcome = "applied"
	// OutcomeNoop means the event was valid but changed nothing.
	OutcomeNoop Outcome = "noop"
	// OutcomeIgnored means the event referenced a missing entity.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeStale means a sequence stamp older than the last applied one.
	OutcomeStale Outcome = "stale"
	// OutcomeDropped means the event never reached the store (malformed).
	OutcomeDropped Outcome = "dropped"
)

// TraceEntry records one processed event.
type TraceEntry struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	EventType string    `json:"event_type"`
	EntityID  string    `json:"entity_id,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// traceRing keeps the most recent entries. Not safe for concurrent use; the
// store serializes access.
type traceRing struct {
	buf  []TraceEntry
	next int
	full bool
	seq  uint64
}

func newTraceRing(capacity int) *traceRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &traceRing{buf: make([]TraceEntry, capacity)}
}

func (r *traceRing) add(e TraceEntry) {
	r.seq++
	e.Seq = r.seq
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// entries returns the retained entries oldest first.
func (r *traceRing) entries() []TraceEntry {
	if !r.full {
		return append([]TraceEntry(nil), r.buf[:r.next]...)
	}
	out := make([]TraceEntry, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func (r *traceRing) reset() {
	for i := range r.buf {
		r.buf[i] = TraceEntry{}
	}
	r.next, r.full = 0, false
}
