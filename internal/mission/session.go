// Package mission runs the per-mission reconciliation pipeline: transport
// messages are normalized, applied to the store, enriched with inferred
// edges and projected into render diffs, all on one event loop.
package mission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-livegraph/internal/events"
	"github.com/xkilldash9x/scalpel-livegraph/internal/inference"
	"github.com/xkilldash9x/scalpel-livegraph/internal/knowledgegraph"
	"github.com/xkilldash9x/scalpel-livegraph/internal/layout"
	"github.com/xkilldash9x/scalpel-livegraph/internal/projection"
	"github.com/xkilldash9x/scalpel-livegraph/internal/stream"
	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

// SnapshotFetcher loads the authoritative baseline of a mission.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, missionID string) (*events.Event, error)
}

// LayoutStore loads and saves user-adjusted layouts. layout.Persister
// satisfies it.
type LayoutStore interface {
	Load(ctx context.Context, missionID string) *graphmodel.Layout
	Save(missionID string, l *graphmodel.Layout)
}

// Options configures a Session.
type Options struct {
	MissionID string
	// Graph carries entity events and is required. Logs is optional and
	// never triggers a snapshot refetch.
	Graph stream.Transport
	Logs  stream.Transport
	// Policy is the reconnect schedule of both streams.
	Policy stream.Policy

	Fetcher SnapshotFetcher
	Layouts LayoutStore

	TraceCapacity    int
	InboxSize        int
	VisibleTypes     []graphmodel.NodeType
	DisableInference bool
	// Rules replaces the default inference rule table when non-nil.
	Rules []inference.Rule
	// SnapshotRate limits snapshot fetches triggered by reconnect storms;
	// zero means unlimited.
	SnapshotRate  rate.Limit
	SnapshotBurst int
	// StopWhenDrained ends Run once a finite graph source (a capture file) is
	// exhausted.
	StopWhenDrained bool
	// AnyMission accepts events whatever mission id they carry.
	AnyMission   bool
	StoreOptions []knowledgegraph.Option
	// OnLog receives raw messages of the logs stream on the session loop.
	OnLog func(stream.Message)
}

// ErrAlreadyRunning is returned by Run when the session loop is active.
var ErrAlreadyRunning = errors.New("session already running")

// Update is published after every change the loop observes.
type Update struct {
	Revision uint64
	Status   stream.Status
	Loading  bool
	Diff     projection.Diff
	Snapshot *knowledgegraph.Snapshot
	// Edges is the materialized edge set: explicit edges plus inferred ones.
	Edges []graphmodel.Edge
}

// Session owns the reconciliation pipeline of one mission. Everything that
// mutates state runs on the Run goroutine; other goroutines post closures
// to its inbox.
type Session struct {
	id        string
	missionID string
	logger    *zap.Logger
	opts      Options

	store     *knowledgegraph.Store
	engine    *inference.Engine
	projector *projection.Projector
	limiter   *rate.Limiter

	graph *stream.Manager
	logs  *stream.Manager

	inbox   chan func()
	quit    chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup
	loopCtx context.Context

	// Loop-owned state.
	status        stream.Status
	fetchGen      uint64
	fetchPending  bool
	layout        *graphmodel.Layout
	inferred      []graphmodel.Edge
	edges         []graphmodel.Edge
	inferredRev   uint64
	materialized  [2]uint64
	published     uint64
	forcePublish  bool
	materializeOK bool

	latest atomic.Pointer[Update]

	subMu   sync.Mutex
	subs    map[uint64]func(Update)
	nextSub uint64
}

// New creates a session. It does not connect until Run.
func New(logger *zap.Logger, opts Options) (*Session, error) {
	if opts.MissionID == "" {
		return nil, fmt.Errorf("mission id is required")
	}
	if opts.Graph == nil {
		return nil, fmt.Errorf("graph transport is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TraceCapacity <= 0 {
		opts.TraceCapacity = 500
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	limit := opts.SnapshotRate
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := opts.SnapshotBurst
	if burst <= 0 {
		burst = 1
	}

	s := &Session{
		id:        uuid.NewString(),
		missionID: opts.MissionID,
		opts:      opts,
		inbox:     make(chan func(), opts.InboxSize),
		quit:      make(chan struct{}),
		status:    stream.StatusDisconnected,
		limiter:   rate.NewLimiter(limit, burst),
		projector: projection.NewProjector(opts.VisibleTypes...),
		subs:      make(map[uint64]func(Update)),
	}
	s.logger = logger.Named("mission").With(zap.String("mission_id", opts.MissionID), zap.String("session_id", s.id))
	s.store = knowledgegraph.NewStore(logger, opts.MissionID, opts.TraceCapacity, opts.StoreOptions...)
	if !opts.DisableInference {
		s.engine = inference.NewEngine(logger, opts.Rules)
	}

	s.graph = stream.NewManager(logger, opts.Graph, opts.Policy, stream.HandlerFuncs{
		Message: func(m stream.Message) { s.post(func() { s.handleGraphMessage(m) }) },
		Status:  func(st stream.Status, err error) { s.post(func() { s.handleGraphStatus(st, err) }) },
	})
	if opts.Logs != nil {
		s.logs = stream.NewManager(logger, opts.Logs, opts.Policy, stream.HandlerFuncs{
			Message: func(m stream.Message) { s.post(func() { s.handleLogMessage(m) }) },
			Status: func(st stream.Status, err error) {
				if err != nil {
					s.logger.Debug("Logs stream status changed.", zap.String("status", string(st)), zap.Error(err))
				}
			},
		})
	}
	return s, nil
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// MissionID returns the mission the session follows.
func (s *Session) MissionID() string { return s.missionID }

// Store exposes the reconciliation store for reads, subscriptions and the
// imperative mutators.
func (s *Session) Store() *knowledgegraph.Store { return s.store }

// Latest returns the most recent update, or nil before the first one.
func (s *Session) Latest() *Update { return s.latest.Load() }

// Subscribe registers fn for every published Update. fn runs on the session
// loop and must not block or call back into Run-owned operations
// synchronously. The returned function removes the subscription.
func (s *Session) Subscribe(fn func(Update)) (unsubscribe func()) {
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

// Run drives the session until ctx is cancelled or, with StopWhenDrained,
// until the graph stream ends. On return both streams are disconnected and
// no callback fires afterwards. A session runs at most once.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.loopCtx = loopCtx
	defer func() {
		cancel()
		close(s.quit)
		s.graph.Disconnect()
		if s.logs != nil {
			s.logs.Disconnect()
		}
		s.wg.Wait()
		s.logger.Info("Session stopped.")
	}()

	s.logger.Info("Session started.")
	if s.opts.Layouts != nil {
		s.loadLayout(loopCtx)
	}
	s.graph.Connect(loopCtx)
	if s.logs != nil {
		s.logs.Connect(loopCtx)
	}
	s.forcePublish = true
	s.refresh()

	for {
		var drained <-chan struct{}
		if s.opts.StopWhenDrained {
			drained = s.graph.Done()
		}
		select {
		case <-loopCtx.Done():
			return ctx.Err()
		case fn := <-s.inbox:
			fn()
			s.refresh()
		case <-drained:
			s.drainInbox()
			return nil
		}
	}
}

// drainInbox runs whatever the streams posted before they stopped.
func (s *Session) drainInbox() {
	for {
		select {
		case fn := <-s.inbox:
			fn()
		default:
			s.refresh()
			return
		}
	}
}

func (s *Session) post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.quit:
	}
}

// Reconnect restarts the graph stream after its retry budget ran out. It is
// a no-op while the stream is connected or retrying.
func (s *Session) Reconnect() {
	s.post(func() {
		if s.loopCtx != nil {
			s.graph.Connect(s.loopCtx)
		}
	})
}

// SetVisibleTypes changes the projected node types; nil shows everything.
func (s *Session) SetVisibleTypes(types ...graphmodel.NodeType) {
	s.post(func() {
		s.projector.SetVisibleTypes(types...)
		s.forcePublish = true
	})
}

// UpdateLayout records the consumer's current layout. Positions of nodes
// that no longer exist are pruned before the layout is persisted.
func (s *Session) UpdateLayout(l *graphmodel.Layout) {
	if l == nil {
		return
	}
	l = l.Clone()
	s.post(func() {
		snap := s.store.Snapshot()
		ids := make([]string, 0, len(snap.Nodes))
		for id := range snap.Nodes {
			ids = append(ids, id)
		}
		for _, el := range s.projector.Elements() {
			ids = append(ids, el.ID)
		}
		l.Positions = layout.MergePositions(l.Positions, ids)
		s.layout = l
		if s.opts.Layouts != nil {
			s.opts.Layouts.Save(s.missionID, l)
		}
	})
}

// Export returns the reconciled graph with materialized edges.
func (s *Session) Export() graphmodel.GraphExport {
	u := s.latest.Load()
	if u == nil {
		return s.store.Snapshot().Export()
	}
	exp := u.Snapshot.Export()
	exp.Edges = exp.Edges[:0]
	for _, e := range u.Edges {
		e := e
		exp.Edges = append(exp.Edges, &e)
	}
	return exp
}

func (s *Session) handleGraphMessage(m stream.Message) {
	evt, err := events.NormalizeNamed(m.Event, m.Data)
	if err != nil {
		var mal *events.MalformedEventError
		eventType := m.Event
		if errors.As(err, &mal) && mal.Type != "" {
			eventType = mal.Type
		}
		s.logger.Debug("Dropping malformed event.", zap.String("event", eventType), zap.Error(err))
		s.store.RecordDrop(eventType, err)
		return
	}
	if evt == nil {
		s.store.RecordDrop("keepalive", nil)
		return
	}
	if !s.opts.AnyMission && evt.MissionID != "" && evt.MissionID != s.missionID {
		s.logger.Debug("Dropping event for another mission.", zap.String("event_mission_id", evt.MissionID))
		s.store.RecordDrop(string(evt.Type), fmt.Errorf("event belongs to mission %q", evt.MissionID))
		return
	}
	apply := s.store.Apply
	if s.fetchPending {
		apply = s.store.ApplyKeepingLoading
	}
	if err := apply(evt); err != nil {
		s.logger.Debug("Event partially applied.", zap.String("type", string(evt.Type)), zap.Error(err))
	}
}

func (s *Session) handleGraphStatus(st stream.Status, err error) {
	if err != nil {
		s.logger.Warn("Graph stream status changed.", zap.String("status", string(st)), zap.Error(err))
	}
	if s.status != st {
		s.status = st
		s.forcePublish = true
	}
	if st == stream.StatusConnected {
		// Streams do not replay missed events, so every (re)connect
		// re-baselines from a full snapshot.
		s.requestSnapshot()
	}
}

func (s *Session) handleLogMessage(m stream.Message) {
	if s.opts.OnLog != nil {
		s.opts.OnLog(m)
	}
}

func (s *Session) requestSnapshot() {
	if s.opts.Fetcher == nil {
		return
	}
	s.fetchGen++
	gen := s.fetchGen
	s.fetchPending = true
	s.store.SetLoading(true)

	ctx := s.loopCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		evt, err := s.opts.Fetcher.FetchSnapshot(ctx, s.missionID)
		s.post(func() { s.snapshotFetched(gen, evt, err) })
	}()
}

func (s *Session) snapshotFetched(gen uint64, evt *events.Event, err error) {
	if gen != s.fetchGen {
		s.logger.Debug("Discarding superseded snapshot.", zap.Uint64("generation", gen))
		return
	}
	s.fetchPending = false
	if err != nil {
		s.logger.Warn("Snapshot fetch failed, keeping incremental state.", zap.Error(err))
		s.store.SetLoading(false)
		return
	}
	if applyErr := s.store.Apply(evt); applyErr != nil {
		s.logger.Debug("Snapshot applied with integrity gaps.", zap.Error(applyErr))
	}
}

func (s *Session) loadLayout(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		l := s.opts.Layouts.Load(ctx, s.missionID)
		if l == nil {
			return
		}
		s.post(func() {
			if s.layout == nil {
				s.layout = l
			}
		})
	}()
}

// refresh recomputes derived state when the store moved and publishes an
// update to subscribers.
func (s *Session) refresh() {
	snap := s.store.Snapshot()

	if s.engine != nil && (!s.materializeOK || snap.NodesRevision != s.inferredRev) {
		s.inferred = s.engine.Infer(snap.NodeList())
		s.inferredRev = snap.NodesRevision
	}
	if !s.materializeOK || s.materialized != [2]uint64{snap.NodesRevision, snap.EdgesRevision} {
		s.edges = inference.Materialize(snap.Nodes, snap.EdgeList(), s.inferred)
		s.materialized = [2]uint64{snap.NodesRevision, snap.EdgesRevision}
		s.materializeOK = true
	}

	if snap.Revision == s.published && !s.forcePublish {
		return
	}
	s.forcePublish = false
	s.published = snap.Revision

	var positions graphmodel.Positions
	if s.layout != nil {
		positions = s.layout.Positions
	}
	diff := s.projector.Project(projection.Model{
		Nodes:     snap.NodeList(),
		Edges:     s.edges,
		AgentRuns: snap.AgentRunList(),
		ToolCalls: snap.ToolCallList(),
	}, positions)

	u := Update{
		Revision: snap.Revision,
		Status:   s.status,
		Loading:  snap.Loading,
		Diff:     diff,
		Snapshot: snap,
		Edges:    s.edges,
	}
	s.latest.Store(&u)

	s.subMu.Lock()
	fns := make([]func(Update), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}
