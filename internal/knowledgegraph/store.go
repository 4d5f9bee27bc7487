// Package knowledgegraph reconciles the canonical event stream of one mission
// into an in-memory graph of nodes, explicit edges, agent runs and tool calls.
package knowledgegraph

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-livegraph/internal/events"
	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

// Store is the single-writer reconciliation store of one mission. Apply and
// the mutators are serialized by a mutex; readers call Snapshot, which never
// blocks and returns an immutable view.
type Store struct {
	missionID string
	log       *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	trace *traceRing
	// stamps holds the last applied sequence stamp per node/edge key.
	stamps   map[string]uint64
	baseline uint64

	current atomic.Pointer[Snapshot]

	subMu   sync.Mutex
	subs    map[uint64]func(*Snapshot)
	nextSub uint64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for defaulted timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store keeping the last traceCapacity trace entries.
func NewStore(logger *zap.Logger, missionID string, traceCapacity int, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		missionID: missionID,
		log:       logger.Named("store").With(zap.String("mission_id", missionID)),
		now:       time.Now,
		trace:     newTraceRing(traceCapacity),
		stamps:    make(map[string]uint64),
		subs:      make(map[uint64]func(*Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(emptySnapshot(missionID))
	return s
}

// MissionID returns the mission the store reconciles.
func (s *Store) MissionID() string { return s.missionID }

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Subscribe registers fn to be called with every newly published snapshot.
// Callbacks run on the writer's goroutine, outside the store lock, and must
// not block. The returned function removes the subscription; no call starts
// after it returns.
func (s *Store) Subscribe(fn func(*Snapshot)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify(snap *Snapshot) {
	s.subMu.Lock()
	fns := make([]func(*Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Apply reconciles one canonical event. It never aborts part-way: integrity
// problems skip only the offending item and are returned, possibly combined,
// as *ReferentialIntegrityError values. Every call records one trace entry.
func (s *Store) Apply(evt *events.Event) error {
	return s.apply(evt, false)
}

// ApplyKeepingLoading is Apply for events arriving while a fetched baseline is
// still pending: a snapshot applied here leaves the loading flag set.
func (s *Store) ApplyKeepingLoading(evt *events.Event) error {
	return s.apply(evt, true)
}

func (s *Store) apply(evt *events.Event, keepLoading bool) error {
	if evt == nil {
		return nil
	}
	s.mu.Lock()
	tx := newTxn(s.current.Load())
	tx.keepLoading = keepLoading
	outcome, detail, err := s.dispatch(tx, evt)
	s.trace.add(TraceEntry{
		Time:      s.now(),
		EventType: string(evt.Type),
		EntityID:  evt.EntityID(),
		Outcome:   outcome,
		Detail:    detail,
	})
	published := s.publishLocked(tx)
	s.mu.Unlock()

	if ce := s.log.Check(zap.DebugLevel, "Event reconciled."); ce != nil {
		ce.Write(zap.String("type", string(evt.Type)), zap.String("entity_id", evt.EntityID()),
			zap.String("outcome", string(outcome)), zap.Error(err))
	}
	if published != nil {
		s.notify(published)
	}
	return err
}

// RecordDrop traces an event that was dropped before reaching Apply.
func (s *Store) RecordDrop(eventType string, reason error) {
	detail := ""
	if reason != nil {
		detail = reason.Error()
	}
	s.mu.Lock()
	s.trace.add(TraceEntry{Time: s.now(), EventType: eventType, Outcome: OutcomeDropped, Detail: detail})
	s.mu.Unlock()
}

// Trace returns the retained trace entries, oldest first.
func (s *Store) Trace() []TraceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trace.entries()
}

// SetLoading publishes the in-flight snapshot flag.
func (s *Store) SetLoading(loading bool) {
	s.mu.Lock()
	tx := newTxn(s.current.Load())
	if tx.base.Loading != loading {
		tx.loading = &loading
	}
	published := s.publishLocked(tx)
	s.mu.Unlock()
	if published != nil {
		s.notify(published)
	}
}

// Reset clears all state, stamps and trace entries.
func (s *Store) Reset() {
	s.mu.Lock()
	prev := s.current.Load()
	next := emptySnapshot(s.missionID)
	next.Revision = prev.Revision + 1
	next.NodesRevision = prev.NodesRevision + 1
	next.EdgesRevision = prev.EdgesRevision + 1
	next.AgentsRevision = prev.AgentsRevision + 1
	next.ToolsRevision = prev.ToolsRevision + 1
	s.current.Store(next)
	s.stamps = make(map[string]uint64)
	s.baseline = 0
	s.trace.reset()
	s.mu.Unlock()

	s.log.Debug("Store reset.")
	s.notify(next)
}

// publishLocked stores a new snapshot if tx changed anything.
func (s *Store) publishLocked(tx *txn) *Snapshot {
	if !tx.dirty() {
		return nil
	}
	next := *tx.base
	next.Revision++
	if tx.nodes != nil {
		next.Nodes = tx.nodes
		next.NodesRevision++
	}
	if tx.edges != nil {
		next.Edges = tx.edges
		next.EdgesRevision++
	}
	if tx.agents != nil {
		next.AgentRuns = tx.agents
		next.AgentsRevision++
	}
	if tx.tools != nil {
		next.ToolCalls = tx.tools
		next.ToolsRevision++
	}
	if tx.loading != nil {
		next.Loading = *tx.loading
	}
	if tx.completed != nil {
		next.MissionCompleted = *tx.completed
	}
	s.current.Store(&next)
	return &next
}

// -- Imperative mutators --

// AddNode inserts or merges a node.
func (s *Store) AddNode(node graphmodel.Node) error {
	return s.Apply(&events.Event{Type: events.TypeNodeAdded, MissionID: s.missionID, Node: &node})
}

// UpdateNode shallow-merges props into an existing node.
func (s *Store) UpdateNode(id string, props graphmodel.Properties) error {
	existing, ok := s.Snapshot().Node(id)
	if !ok {
		return &ReferentialIntegrityError{EventType: string(events.TypeNodeUpdated), EntityID: id, MissingID: id, Kind: "node"}
	}
	return s.Apply(&events.Event{
		Type:      events.TypeNodeUpdated,
		MissionID: s.missionID,
		Node:      &graphmodel.Node{ID: id, Type: existing.Type, Properties: props},
	})
}

// RemoveNode deletes a node and its incident edges.
func (s *Store) RemoveNode(id string) error {
	return s.Apply(&events.Event{Type: events.TypeNodeDeleted, MissionID: s.missionID, NodeID: id})
}

// AddEdge inserts an explicit edge.
func (s *Store) AddEdge(edge graphmodel.Edge) error {
	if edge.Relationship == "" {
		return fmt.Errorf("edge %s->%s has no relation", edge.SourceID, edge.TargetID)
	}
	return s.Apply(&events.Event{Type: events.TypeEdgeAdded, MissionID: s.missionID, Edge: &edge})
}

// RemoveEdge deletes explicit edges between source and target, restricted to
// relation when it is non-empty.
func (s *Store) RemoveEdge(source, target string, relation graphmodel.RelationshipType) error {
	return s.Apply(&events.Event{
		Type:      events.TypeEdgeDeleted,
		MissionID: s.missionID,
		Edge:      &graphmodel.Edge{SourceID: source, TargetID: target, Relationship: relation},
	})
}
