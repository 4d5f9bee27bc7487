package knowledgegraph

import (
	"maps"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-livegraph/internal/events"
	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

// txn accumulates one Apply. Collections are cloned on first write, so an
// untouched collection keeps its map identity in the published snapshot.
type txn struct {
	base *Snapshot

	nodes  map[string]graphmodel.Node
	edges  map[graphmodel.EdgeKey]graphmodel.Edge
	agents map[string]graphmodel.AgentRun
	tools  map[string]graphmodel.ToolCall

	loading   *bool
	completed *bool

	keepLoading bool
}

func newTxn(base *Snapshot) *txn { return &txn{base: base} }

func (t *txn) dirty() bool {
	return t.nodes != nil || t.edges != nil || t.agents != nil || t.tools != nil ||
		t.loading != nil || t.completed != nil
}

func (t *txn) readNodes() map[string]graphmodel.Node {
	if t.nodes != nil {
		return t.nodes
	}
	return t.base.Nodes
}

func (t *txn) readEdges() map[graphmodel.EdgeKey]graphmodel.Edge {
	if t.edges != nil {
		return t.edges
	}
	return t.base.Edges
}

func (t *txn) readAgents() map[string]graphmodel.AgentRun {
	if t.agents != nil {
		return t.agents
	}
	return t.base.AgentRuns
}

func (t *txn) readTools() map[string]graphmodel.ToolCall {
	if t.tools != nil {
		return t.tools
	}
	return t.base.ToolCalls
}

func (t *txn) writeNodes() map[string]graphmodel.Node {
	if t.nodes == nil {
		t.nodes = maps.Clone(t.base.Nodes)
	}
	return t.nodes
}

func (t *txn) writeEdges() map[graphmodel.EdgeKey]graphmodel.Edge {
	if t.edges == nil {
		t.edges = maps.Clone(t.base.Edges)
	}
	return t.edges
}

func (t *txn) writeAgents() map[string]graphmodel.AgentRun {
	if t.agents == nil {
		t.agents = maps.Clone(t.base.AgentRuns)
	}
	return t.agents
}

func (t *txn) writeTools() map[string]graphmodel.ToolCall {
	if t.tools == nil {
		t.tools = maps.Clone(t.base.ToolCalls)
	}
	return t.tools
}

// dispatch routes evt to its handler and reports the trace outcome.
func (s *Store) dispatch(tx *txn, evt *events.Event) (Outcome, string, error) {
	if !wellFormed(evt) {
		return OutcomeNoop, "missing payload", nil
	}
	switch evt.Type {
	case events.TypeSnapshot:
		return s.applySnapshot(tx, evt)
	case events.TypeNodeAdded, events.TypeNodeUpdated:
		if s.stale(nodeStampKey(evt.Node.ID), evt.Sequence) {
			return OutcomeStale, "", nil
		}
		outcome := s.upsertNode(tx, *evt.Node, evt.Timestamp)
		s.stamp(nodeStampKey(evt.Node.ID), evt.Sequence)
		return outcome, "", nil
	case events.TypeNodeDeleted:
		if s.stale(nodeStampKey(evt.NodeID), evt.Sequence) {
			return OutcomeStale, "", nil
		}
		outcome := s.deleteNode(tx, evt.NodeID)
		s.stamp(nodeStampKey(evt.NodeID), evt.Sequence)
		return outcome, "", nil
	case events.TypeEdgeAdded:
		key := edgeStampKey(evt.Edge.Key())
		if s.stale(key, evt.Sequence) {
			return OutcomeStale, "", nil
		}
		outcome, err := s.addEdge(tx, *evt.Edge, string(evt.Type))
		if err == nil {
			s.stamp(key, evt.Sequence)
		}
		return outcome, errDetail(err), err
	case events.TypeEdgeDeleted:
		return s.deleteEdge(tx, *evt.Edge, evt.Sequence), "", nil
	case events.TypeAgentStarted:
		return s.startAgent(tx, *evt.Agent, evt.Timestamp), "", nil
	case events.TypeAgentFinished:
		outcome, err := s.finishAgent(tx, *evt.Agent, evt.Timestamp)
		return outcome, errDetail(err), err
	case events.TypeToolCalled:
		return s.startTool(tx, *evt.Tool, evt.Timestamp), "", nil
	case events.TypeToolFinished:
		outcome, err := s.finishTool(tx, *evt.Tool, evt.Timestamp)
		return outcome, errDetail(err), err
	case events.TypeAssetMutation:
		return s.applyMutation(tx, evt)
	case events.TypeMissionCompleted:
		return s.completeMission(tx, evt.Timestamp), "", nil
	}
	return OutcomeNoop, "unhandled event type", nil
}

// wellFormed guards against hand-built events lacking their payload.
func wellFormed(evt *events.Event) bool {
	switch evt.Type {
	case events.TypeSnapshot:
		return evt.Snapshot != nil
	case events.TypeNodeAdded, events.TypeNodeUpdated:
		return evt.Node != nil && evt.Node.ID != ""
	case events.TypeNodeDeleted:
		return evt.NodeID != ""
	case events.TypeEdgeAdded, events.TypeEdgeDeleted:
		return evt.Edge != nil
	case events.TypeAgentStarted, events.TypeAgentFinished:
		return evt.Agent != nil
	case events.TypeToolCalled, events.TypeToolFinished:
		return evt.Tool != nil
	case events.TypeAssetMutation:
		return evt.Mutation != nil && evt.Mutation.Node.ID != ""
	}
	return true
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// -- Sequence stamps --

func nodeStampKey(id string) string { return "node:" + id }

func edgeStampKey(k graphmodel.EdgeKey) string {
	return "edge:" + k.Source + "\x00" + string(k.Relation) + "\x00" + k.Target
}

// stale reports whether a stamped event is older than what was last applied
// for key. Unstamped events are never stale.
func (s *Store) stale(key string, seq uint64) bool {
	if seq == 0 {
		return false
	}
	last := s.stamps[key]
	if s.baseline > last {
		last = s.baseline
	}
	return seq < last
}

func (s *Store) stamp(key string, seq uint64) {
	if seq > s.stamps[key] {
		s.stamps[key] = seq
	}
}

// -- Nodes and edges --

func (s *Store) upsertNode(tx *txn, in graphmodel.Node, ts time.Time) Outcome {
	if in.MissionID == "" {
		in.MissionID = s.missionID
	}
	existing, ok := tx.readNodes()[in.ID]
	if !ok {
		node := in
		node.Properties = in.Properties.DeepCopy()
		if node.Properties == nil {
			node.Properties = graphmodel.Properties{}
		}
		if node.CreatedAt.IsZero() {
			node.CreatedAt = ts
		}
		if node.UpdatedAt.IsZero() {
			node.UpdatedAt = node.CreatedAt
		}
		tx.writeNodes()[node.ID] = node
		return OutcomeApplied
	}

	merged := existing
	if in.Type != "" && in.Type != existing.Type {
		if existing.Type == "" {
			merged.Type = in.Type
		} else {
			s.log.Debug("Ignoring node type change.", zap.String("node_id", in.ID),
				zap.String("type", string(existing.Type)), zap.String("incoming", string(in.Type)))
		}
	}
	merged.Properties = existing.Properties.Merge(in.Properties.DeepCopy())
	if !in.UpdatedAt.IsZero() {
		merged.UpdatedAt = in.UpdatedAt
	} else if !ts.IsZero() {
		merged.UpdatedAt = ts
	}
	if cmp.Equal(existing, merged) {
		return OutcomeNoop
	}
	tx.writeNodes()[merged.ID] = merged
	return OutcomeApplied
}

func (s *Store) deleteNode(tx *txn, id string) Outcome {
	if _, ok := tx.readNodes()[id]; !ok {
		return OutcomeNoop
	}
	delete(tx.writeNodes(), id)
	var incident []graphmodel.EdgeKey
	for key := range tx.readEdges() {
		if key.Source == id || key.Target == id {
			incident = append(incident, key)
		}
	}
	if len(incident) > 0 {
		edges := tx.writeEdges()
		for _, key := range incident {
			delete(edges, key)
		}
	}
	return OutcomeApplied
}

func (s *Store) addEdge(tx *txn, e graphmodel.Edge, eventType string) (Outcome, error) {
	nodes := tx.readNodes()
	for _, endpoint := range []string{e.SourceID, e.TargetID} {
		if _, ok := nodes[endpoint]; !ok {
			return OutcomeIgnored, &ReferentialIntegrityError{
				EventType: eventType, EntityID: e.ElementID(), MissingID: endpoint, Kind: "node",
			}
		}
	}
	key := e.Key()
	if _, exists := tx.readEdges()[key]; exists {
		return OutcomeNoop, nil
	}
	e.Inferred = false
	tx.writeEdges()[key] = e
	return OutcomeApplied, nil
}

// deleteEdge removes the edges matching e. Without a relation every relation
// between the endpoints matches, and each matched edge is checked against its
// own stamp. A deletion naming its relation is stamped even when the edge is
// absent, so an older add cannot resurrect it.
func (s *Store) deleteEdge(tx *txn, e graphmodel.Edge, seq uint64) Outcome {
	if e.Relationship != "" {
		key := edgeStampKey(e.Key())
		if s.stale(key, seq) {
			return OutcomeStale
		}
		s.stamp(key, seq)
	}

	var matched []graphmodel.EdgeKey
	skipped := 0
	for key := range tx.readEdges() {
		if key.Source != e.SourceID || key.Target != e.TargetID ||
			(e.Relationship != "" && key.Relation != e.Relationship) {
			continue
		}
		if s.stale(edgeStampKey(key), seq) {
			skipped++
			continue
		}
		matched = append(matched, key)
	}
	if len(matched) == 0 {
		if skipped > 0 || (seq != 0 && seq < s.baseline) {
			return OutcomeStale
		}
		return OutcomeNoop
	}
	edges := tx.writeEdges()
	for _, key := range matched {
		delete(edges, key)
		s.stamp(edgeStampKey(key), seq)
	}
	return OutcomeApplied
}

// -- Snapshot --

func (s *Store) applySnapshot(tx *txn, evt *events.Event) (Outcome, string, error) {
	snap := evt.Snapshot

	nodes := make(map[string]graphmodel.Node, len(snap.Nodes))
	for _, n := range snap.Nodes {
		n.Properties = n.Properties.DeepCopy()
		if n.Properties == nil {
			n.Properties = graphmodel.Properties{}
		}
		if n.MissionID == "" {
			n.MissionID = s.missionID
		}
		if existing, dup := nodes[n.ID]; dup {
			n.Properties = existing.Properties.Merge(n.Properties)
		}
		nodes[n.ID] = n
	}

	var errs error
	edges := make(map[graphmodel.EdgeKey]graphmodel.Edge, len(snap.Edges))
	for _, e := range snap.Edges {
		_, srcOK := nodes[e.SourceID]
		_, dstOK := nodes[e.TargetID]
		if !srcOK || !dstOK {
			missing := e.SourceID
			if srcOK {
				missing = e.TargetID
			}
			errs = multierr.Append(errs, &ReferentialIntegrityError{
				EventType: string(events.TypeSnapshot), EntityID: e.ElementID(), MissingID: missing, Kind: "node",
			})
			continue
		}
		e.Inferred = false
		if _, dup := edges[e.Key()]; !dup {
			edges[e.Key()] = e
		}
	}
	tx.nodes = nodes
	tx.edges = edges

	if snap.AgentRuns != nil {
		agents := make(map[string]graphmodel.AgentRun, len(snap.AgentRuns))
		for _, r := range snap.AgentRuns {
			agents[r.ID] = r
		}
		tx.agents = agents
	}
	if snap.ToolCalls != nil {
		tools := make(map[string]graphmodel.ToolCall, len(snap.ToolCalls))
		for _, c := range snap.ToolCalls {
			tools[c.ID] = c
		}
		tx.tools = tools
	}

	if !tx.keepLoading {
		loading := false
		tx.loading = &loading
	}

	// A new baseline supersedes every per-entity stamp.
	s.stamps = make(map[string]uint64)
	s.baseline = evt.Sequence

	detail := ""
	if n := len(multierr.Errors(errs)); n > 0 {
		detail = "dropped dangling edges"
		s.log.Debug("Snapshot contained dangling edges.", zap.Int("count", n))
	}
	return OutcomeApplied, detail, errs
}

// -- Workflow lifecycle --

func firstTime(ts ...time.Time) time.Time {
	for _, t := range ts {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

func (s *Store) startAgent(tx *txn, in graphmodel.AgentRun, ts time.Time) Outcome {
	existing, ok := tx.readAgents()[in.ID]
	if !ok {
		run := in
		run.Status = graphmodel.StatusRunning
		run.StartTime = firstTime(in.StartTime, ts, s.now())
		run.EndTime, run.Duration = time.Time{}, 0
		tx.writeAgents()[run.ID] = run
		return OutcomeApplied
	}
	// Redelivery: fill in missing descriptive fields but never move a
	// finished run back to running.
	merged := existing
	if merged.AgentName == "" {
		merged.AgentName = in.AgentName
	}
	if merged.Phase == "" {
		merged.Phase = in.Phase
	}
	if merged.StartTime.IsZero() {
		merged.StartTime = firstTime(in.StartTime, ts)
	}
	if merged == existing {
		return OutcomeNoop
	}
	tx.writeAgents()[merged.ID] = merged
	return OutcomeApplied
}

func (s *Store) finishAgent(tx *txn, in graphmodel.AgentRun, ts time.Time) (Outcome, error) {
	existing, ok := tx.readAgents()[in.ID]
	if !ok {
		return OutcomeIgnored, &ReferentialIntegrityError{
			EventType: string(events.TypeAgentFinished), EntityID: in.ID, MissingID: in.ID, Kind: "agent run",
		}
	}
	if existing.Status.Terminal() {
		return OutcomeNoop, nil
	}
	run := existing
	run.Status = in.Status
	if !run.Status.Terminal() {
		run.Status = graphmodel.StatusCompleted
	}
	run.EndTime = firstTime(in.EndTime, ts, s.now())
	run.Duration = in.Duration
	if run.Duration == 0 && !run.StartTime.IsZero() && run.EndTime.After(run.StartTime) {
		run.Duration = run.EndTime.Sub(run.StartTime)
	}
	if in.Tokens > 0 {
		run.Tokens = in.Tokens
	}
	if in.Error != "" {
		run.Error = in.Error
	}
	if run.AgentName == "" {
		run.AgentName = in.AgentName
	}
	if run.Phase == "" {
		run.Phase = in.Phase
	}
	tx.writeAgents()[run.ID] = run
	return OutcomeApplied, nil
}

func (s *Store) startTool(tx *txn, in graphmodel.ToolCall, ts time.Time) Outcome {
	if id, ok := ResolveAgent(tx.readAgents(), in.AgentID, in.AgentName); ok {
		in.AgentID = id
	} else if in.AgentID != "" || in.AgentName != "" {
		s.log.Debug("Tool call references an unknown agent; keeping the raw reference.",
			zap.String("tool_call_id", in.ID), zap.String("agent_id", in.AgentID), zap.String("agent_name", in.AgentName))
	}

	existing, ok := tx.readTools()[in.ID]
	if !ok {
		call := in
		call.Status = graphmodel.StatusRunning
		call.StartTime = firstTime(in.StartTime, ts, s.now())
		call.EndTime, call.Duration = time.Time{}, 0
		tx.writeTools()[call.ID] = call
		return OutcomeApplied
	}
	merged := existing
	if merged.ToolName == "" {
		merged.ToolName = in.ToolName
	}
	if merged.AgentID == "" {
		merged.AgentID = in.AgentID
	}
	if merged.AgentName == "" {
		merged.AgentName = in.AgentName
	}
	if merged.Args == nil && in.Args != nil {
		merged.Args = in.Args
	}
	if cmp.Equal(existing, merged) {
		return OutcomeNoop
	}
	tx.writeTools()[merged.ID] = merged
	return OutcomeApplied
}

func (s *Store) finishTool(tx *txn, in graphmodel.ToolCall, ts time.Time) (Outcome, error) {
	existing, ok := tx.readTools()[in.ID]
	if !ok {
		return OutcomeIgnored, &ReferentialIntegrityError{
			EventType: string(events.TypeToolFinished), EntityID: in.ID, MissingID: in.ID, Kind: "tool call",
		}
	}
	if existing.Status.Terminal() {
		return OutcomeNoop, nil
	}
	call := existing
	call.Status = in.Status
	if !call.Status.Terminal() {
		call.Status = graphmodel.StatusCompleted
	}
	call.EndTime = firstTime(in.EndTime, ts, s.now())
	call.Duration = in.Duration
	if call.Duration == 0 && !call.StartTime.IsZero() && call.EndTime.After(call.StartTime) {
		call.Duration = call.EndTime.Sub(call.StartTime)
	}
	if in.Result != nil {
		call.Result = in.Result
	}
	if in.Error != "" {
		call.Error = in.Error
	}
	tx.writeTools()[call.ID] = call
	return OutcomeApplied, nil
}

// completeMission force-completes every running entity. A second sweep finds
// nothing running and changes nothing.
func (s *Store) completeMission(tx *txn, ts time.Time) Outcome {
	end := firstTime(ts, s.now())
	changed := false

	for id, run := range tx.readAgents() {
		if run.Status.Terminal() {
			continue
		}
		run.Status = graphmodel.StatusCompleted
		if run.EndTime.IsZero() {
			run.EndTime = end
		}
		if run.Duration == 0 && !run.StartTime.IsZero() && run.EndTime.After(run.StartTime) {
			run.Duration = run.EndTime.Sub(run.StartTime)
		}
		tx.writeAgents()[id] = run
		changed = true
	}
	for id, call := range tx.readTools() {
		if call.Status.Terminal() {
			continue
		}
		call.Status = graphmodel.StatusCompleted
		if call.EndTime.IsZero() {
			call.EndTime = end
		}
		if call.Duration == 0 && !call.StartTime.IsZero() && call.EndTime.After(call.StartTime) {
			call.Duration = call.EndTime.Sub(call.StartTime)
		}
		tx.writeTools()[id] = call
		changed = true
	}
	if !tx.base.MissionCompleted {
		done := true
		tx.completed = &done
		changed = true
	}
	if !changed {
		return OutcomeNoop
	}
	return OutcomeApplied
}

// -- Asset mutations --

func (s *Store) applyMutation(tx *txn, evt *events.Event) (Outcome, string, error) {
	mut := evt.Mutation
	key := nodeStampKey(mut.Node.ID)
	if s.stale(key, evt.Sequence) {
		return OutcomeStale, "", nil
	}

	var outcome Outcome
	if mut.Action == events.MutationDeleted {
		outcome = s.deleteNode(tx, mut.Node.ID)
	} else {
		outcome = s.upsertNode(tx, mut.Node, evt.Timestamp)
	}
	s.stamp(key, evt.Sequence)

	var errs error
	for _, e := range mut.Edges {
		edgeOutcome, err := s.addEdge(tx, e, string(evt.Type))
		errs = multierr.Append(errs, err)
		if edgeOutcome == OutcomeApplied {
			outcome = OutcomeApplied
		}
	}
	return outcome, errDetail(errs), errs
}

// -- Agent resolution --

// ResolveAgent maps a tool call's weak agent reference onto an agent run id.
// An exact id match wins; otherwise name (or an id that is really a name) is
// compared case-insensitively against agent names, preferring running runs
// and then the most recently started. The second return is false when no
// run matches.
func ResolveAgent(agents map[string]graphmodel.AgentRun, id, name string) (string, bool) {
	if id != "" {
		if _, ok := agents[id]; ok {
			return id, true
		}
	}
	var best *graphmodel.AgentRun
	for _, candidate := range []string{name, id} {
		if candidate == "" {
			continue
		}
		for _, run := range agents {
			if !strings.EqualFold(run.AgentName, candidate) {
				continue
			}
			if best == nil || betterMatch(run, *best) {
				r := run
				best = &r
			}
		}
		if best != nil {
			return best.ID, true
		}
	}
	return "", false
}

func betterMatch(a, b graphmodel.AgentRun) bool {
	aRunning, bRunning := a.Status == graphmodel.StatusRunning, b.Status == graphmodel.StatusRunning
	if aRunning != bRunning {
		return aRunning
	}
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.After(b.StartTime)
	}
	return a.ID < b.ID
}
