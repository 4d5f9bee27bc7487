package knowledgegraph

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-livegraph/internal/events"
	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(zaptest.NewLogger(t), "m1", 100, WithClock(func() time.Time { return fixedNow }))
}

func nodeEvent(typ events.Type, id string, nt graphmodel.NodeType, props graphmodel.Properties) *events.Event {
	return &events.Event{Type: typ, Node: &graphmodel.Node{ID: id, Type: nt, Properties: props}}
}

func edgeEvent(typ events.Type, src, dst string, rel graphmodel.RelationshipType) *events.Event {
	return &events.Event{Type: typ, Edge: &graphmodel.Edge{SourceID: src, TargetID: dst, Relationship: rel}}
}

func mapPointer(m interface{}) uintptr { return reflect.ValueOf(m).Pointer() }

// -- Nodes --

func TestApply_NodeUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	evt := nodeEvent(events.TypeNodeAdded, "d1", graphmodel.NodeTypeDomain, graphmodel.Properties{"name": "example.com"})
	evt.Timestamp = fixedNow

	require.NoError(t, s.Apply(evt))
	first := s.Snapshot()
	require.NoError(t, s.Apply(evt))
	second := s.Snapshot()

	assert.Equal(t, first.Nodes, second.Nodes)
	assert.Equal(t, first.Revision, second.Revision, "a redelivered event must not publish a new revision")

	trace := s.Trace()
	require.Len(t, trace, 2)
	assert.Equal(t, OutcomeApplied, trace[0].Outcome)
	assert.Equal(t, OutcomeNoop, trace[1].Outcome)
}

func TestApply_NodeMergeKeepsType(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Apply(nodeEvent(events.TypeNodeAdded, "s1", graphmodel.NodeTypeSubdomain, graphmodel.Properties{"name": "a.example.com", "ips": []interface{}{"10.0.0.1"}})))
	require.NoError(t, s.Apply(nodeEvent(events.TypeNodeUpdated, "s1", graphmodel.NodeTypeEndpoint, graphmodel.Properties{"status": 200.0})))

	node, ok := s.Snapshot().Node("s1")
	require.True(t, ok)
	assert.Equal(t, graphmodel.NodeTypeSubdomain, node.Type)
	assert.Equal(t, "a.example.com", node.Properties["name"])
	assert.Equal(t, 200.0, node.Properties["status"])
	assert.Equal(t, "m1", node.MissionID)
}

func TestApply_NodeUpdatedInsertsMissingNode(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Apply(nodeEvent(events.TypeNodeUpdated, "ip1", graphmodel.NodeTypeIP, nil)))
	node, ok := s.Snapshot().Node("ip1")
	require.True(t, ok)
	assert.NotNil(t, node.Properties)
}

func TestApply_NodeDeleteCascadesEdges(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddNode(graphmodel.Node{ID: "d1", Type: graphmodel.NodeTypeDomain}))
	require.NoError(t, s.AddNode(graphmodel.Node{ID: "s1", Type: graphmodel.NodeTypeSubdomain}))
	require.NoError(t, s.AddNode(graphmodel.Node{ID: "s2", Type: graphmodel.NodeTypeSubdomain}))
	require.NoError(t, s.AddEdge(graphmodel.Edge{SourceID: "d1", TargetID: "s1", Relationship: graphmodel.RelationshipContains}))
	require.NoError(t, s.AddEdge(graphmodel.Edge{SourceID: "d1", TargetID: "s2", Relationship: graphmodel.RelationshipContains}))
	require.NoError(t, s.AddEdge(graphmodel.Edge{SourceID: "s1", TargetID: "s2", Relationship: graphmodel.RelationshipHasChild}))

	require.NoError(t, s.RemoveNode("s1"))

	snap := s.Snapshot()
	_, ok := snap.Node("s1")
	assert.False(t, ok)
	edges := snap.EdgeList()
	require.Len(t, edges, 1)
	assert.Equal(t, "s2", edges[0].TargetID)
	assert.Equal(t, "d1", edges[0].SourceID)

	// Deleting again is a no-op.
	rev := snap.Revision
	require.NoError(t, s.RemoveNode("s1"))
	assert.Equal(t, rev, s.Snapshot().Revision)
}

func TestUpdateNode_RequiresExistingNode(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateNode("ghost", graphmodel.Properties{"x": 1})
	assert.ErrorIs(t, err, ErrReferentialIntegrity)

	require.NoError(t, s.AddNode(graphmodel.Node{ID: "e1", Type: graphmodel.NodeTypeEndpoint}))
	require.NoError(t, s.UpdateNode("e1", graphmodel.Properties{"path": "/login"}))
	node, _ := s.Snapshot().Node("e1")
	assert.Equal(t, "/login", node.Properties["path"])
	assert.Equal(t, graphmodel.NodeTypeEndpoint, node.Type)
}

// -- Edges --

func TestApply_EdgeWithMissingEndpointIsIgnored(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddNode(graphmodel.Node{ID: "d1", Type: graphmodel.NodeTypeDomain}))

	err := s.Apply(edgeEvent(events.TypeEdgeAdded, "d1", "nope", graphmodel.RelationshipContains))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReferentialIntegrity)
	var rie *ReferentialIntegrityError
	require.ErrorAs(t, err, &rie)
	assert.Equal(t, "nope", rie.MissingID)

	assert.Empty(t, s.Snapshot().Edges)
	trace := s.Trace()
	assert.Equal(t, OutcomeIgnored, trace[len(trace)-1].Outcome)
}

func TestApply_EdgeDedupAndDelete(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.AddNode(graphmodel.Node{ID: id, Type: graphmodel.NodeTypeSubdomain}))
	}
	require.NoError(t, s.Apply(edgeEvent(events.TypeEdgeAdded, "a", "b", graphmodel.RelationshipHasChild)))
	require.NoError(t, s.Apply(edgeEvent(events.TypeEdgeAdded, "a", "b", graphmodel.RelationshipHasChild)))
	require.NoError(t, s.Apply(edgeEvent(events.TypeEdgeAdded, "a", "b", graphmodel.RelationshipContains)))
	assert.Len(t, s.Snapshot().Edges, 2)

	require.NoError(t, s.RemoveEdge("a", "b", graphmodel.RelationshipContains))
	edges := s.Snapshot().EdgeList()
	require.Len(t, edges, 1)
	assert.Equal(t, graphmodel.RelationshipHasChild, edges[0].Relationship)

	// Without a relation every edge between the pair goes.
	require.NoError(t, s.Apply(edgeEvent(events.TypeEdgeDeleted, "a", "b", "")))
	assert.Empty(t, s.Snapshot().Edges)
}

// -- Snapshot --

func TestApply_SnapshotReplacesBaseline(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddNode(graphmodel.Node{ID: "old", Type: graphmodel.NodeTypeDomain}))
	require.NoError(t, s.Apply(&events.Event{Type: events.TypeAgentStarted, Agent: &graphmodel.AgentRun{ID: "r1", AgentName: "X"}}))
	s.SetLoading(true)
	require.True(t, s.Snapshot().Loading)

	err := s.Apply(&events.Event{Type: events.TypeSnapshot, Snapshot: &events.Snapshot{
		Nodes: []graphmodel.Node{
			{ID: "d1", Type: graphmodel.NodeTypeDomain},
			{ID: "s1", Type: graphmodel.NodeTypeSubdomain},
		},
		Edges: []graphmodel.Edge{
			{SourceID: "d1", TargetID: "s1", Relationship: graphmodel.RelationshipContains},
			{SourceID: "d1", TargetID: "gone", Relationship: graphmodel.RelationshipContains},
		},
	}})
	require.Error(t, err, "dangling snapshot edges are reported")
	assert.Len(t, multierr.Errors(err), 1)

	snap := s.Snapshot()
	assert.False(t, snap.Loading)
	assert.ElementsMatch(t, []string{"d1", "s1"}, nodeIDs(snap))
	require.Len(t, snap.Edges, 1)
	// The snapshot carried no agent set, so the tracked one survives.
	assert.Contains(t, snap.AgentRuns, "r1")

	require.NoError(t, s.Apply(&events.Event{Type: events.TypeSnapshot, Snapshot: &events.Snapshot{
		AgentRuns: []graphmodel.AgentRun{},
	}}))
	assert.Empty(t, s.Snapshot().AgentRuns)
	assert.Empty(t, s.Snapshot().Nodes)
}

func nodeIDs(s *Snapshot) []string {
	var ids []string
	for _, n := range s.NodeList() {
		ids = append(ids, n.ID)
	}
	return ids
}

// -- Workflow lifecycle --

func TestApplyKeepingLoading_Snapshot(t *testing.T) {
	s := newTestStore(t)
	s.SetLoading(true)

	require.NoError(t, s.ApplyKeepingLoading(&events.Event{Type: events.TypeSnapshot, Snapshot: &events.Snapshot{
		Nodes: []graphmodel.Node{{ID: "d1", Type: graphmodel.NodeTypeDomain}},
	}}))
	snap := s.Snapshot()
	assert.True(t, snap.Loading)
	assert.Contains(t, snap.Nodes, "d1")

	require.NoError(t, s.Apply(&events.Event{Type: events.TypeSnapshot, Snapshot: &events.Snapshot{}}))
	assert.False(t, s.Snapshot().Loading)
}

func TestApply_AgentLifecycleScenario(t *testing.T) {
	s := newTestStore(t)
	var statuses []graphmodel.RunStatus
	unsubscribe := s.Subscribe(func(snap *Snapshot) {
		if run, ok := snap.AgentRuns["a1"]; ok {
			statuses = append(statuses, run.Status)
		}
	})
	defer unsubscribe()

	require.NoError(t, s.Apply(&events.Event{Type: events.TypeAgentStarted, Agent: &graphmodel.AgentRun{
		ID: "a1", AgentName: "X", Phase: graphmodel.PhaseOSINT, Status: graphmodel.StatusRunning,
	}}))
	require.NoError(t, s.Apply(&events.Event{Type: events.TypeAgentFinished, Agent: &graphmodel.AgentRun{
		ID: "a1", Status: graphmodel.StatusCompleted,
	}}))

	assert.Equal(t, []graphmodel.RunStatus{graphmodel.StatusRunning, graphmodel.StatusCompleted}, statuses)
	trace := s.Trace()
	require.Len(t, trace, 2)
	assert.Equal(t, string(events.TypeAgentStarted), trace[0].EventType)
	assert.Equal(t, string(events.TypeAgentFinished), trace[1].EventType)
	assert.Less(t, trace[0].Seq, trace[1].Seq)

	run := s.Snapshot().AgentRuns["a1"]
	assert.Equal(t, fixedNow, run.EndTime)
	assert.Equal(t, graphmodel.PhaseOSINT, run.Phase)
}

func TestApply_LifecycleIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	start := &events.Event{Type: events.TypeToolCalled, Tool: &graphmodel.ToolCall{ID: "t1", ToolName: "nmap"}}
	require.NoError(t, s.Apply(start))
	require.NoError(t, s.Apply(&events.Event{Type: events.TypeToolFinished, Tool: &graphmodel.ToolCall{ID: "t1", Status: graphmodel.StatusError, Error: "timeout"}}))
	require.NoError(t, s.Apply(start))

	call := s.Snapshot().ToolCalls["t1"]
	assert.Equal(t, graphmodel.StatusError, call.Status)
	assert.Equal(t, "timeout", call.Error)
}

func TestApply_FinishForUnknownEntityIsNoop(t *testing.T) {
	s := newTestStore(t)
	rev := s.Snapshot().Revision
	err := s.Apply(&events.Event{Type: events.TypeAgentFinished, Agent: &graphmodel.AgentRun{ID: "ghost", Status: graphmodel.StatusCompleted}})
	assert.ErrorIs(t, err, ErrReferentialIntegrity)
	assert.Equal(t, rev, s.Snapshot().Revision)
	assert.Empty(t, s.Snapshot().AgentRuns)
}

func TestApply_MissionCompletedSweep(t *testing.T) {
	s := newTestStore(t)
	started := fixedNow.Add(-time.Minute)
	require.NoError(t, s.Apply(&events.Event{Type: events.TypeToolCalled, Timestamp: started, Tool: &graphmodel.ToolCall{ID: "t1", ToolName: "httpx"}}))

	end := fixedNow.Add(time.Minute)
	require.NoError(t, s.Apply(&events.Event{Type: events.TypeMissionCompleted, Timestamp: end}))
	first := s.Snapshot()
	call := first.ToolCalls["t1"]
	assert.Equal(t, graphmodel.StatusCompleted, call.Status)
	assert.Equal(t, end, call.EndTime)
	assert.Equal(t, 2*time.Minute, call.Duration)
	assert.True(t, first.MissionCompleted)

	require.NoError(t, s.Apply(&events.Event{Type: events.TypeMissionCompleted, Timestamp: end.Add(time.Hour)}))
	second := s.Snapshot()
	assert.Equal(t, first.Revision, second.Revision)
	assert.Equal(t, call, second.ToolCalls["t1"])
	assert.Equal(t, OutcomeNoop, s.Trace()[2].Outcome)
}

func TestApply_ToolAgentResolution(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Apply(&events.Event{Type: events.TypeAgentStarted, Timestamp: fixedNow.Add(-2 * time.Hour), Agent: &graphmodel.AgentRun{ID: "old", AgentName: "Recon"}}))
	require.NoError(t, s.Apply(&events.Event{Type: events.TypeAgentFinished, Agent: &graphmodel.AgentRun{ID: "old"}}))
	require.NoError(t, s.Apply(&events.Event{Type: events.TypeAgentStarted, Timestamp: fixedNow.Add(-time.Hour), Agent: &graphmodel.AgentRun{ID: "new", AgentName: "Recon"}}))

	require.NoError(t, s.Apply(&events.Event{Type: events.TypeToolCalled, Tool: &graphmodel.ToolCall{ID: "t1", AgentName: "recon"}}))
	require.NoError(t, s.Apply(&events.Event{Type: events.TypeToolCalled, Tool: &graphmodel.ToolCall{ID: "t2", AgentID: "old"}}))
	require.NoError(t, s.Apply(&events.Event{Type: events.TypeToolCalled, Tool: &graphmodel.ToolCall{ID: "t3", AgentID: "Unknown"}}))

	tools := s.Snapshot().ToolCalls
	assert.Equal(t, "new", tools["t1"].AgentID, "running run wins a name match")
	assert.Equal(t, "old", tools["t2"].AgentID)
	assert.Equal(t, "Unknown", tools["t3"].AgentID, "unresolved references are kept raw")
}

// -- Asset mutations --

func TestApply_AssetMutation(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddNode(graphmodel.Node{ID: "d1", Type: graphmodel.NodeTypeDomain}))

	err := s.Apply(&events.Event{Type: events.TypeAssetMutation, Mutation: &events.AssetMutation{
		Action: events.MutationCreated,
		Node:   graphmodel.Node{ID: "s1", Type: graphmodel.NodeTypeSubdomain},
		Edges: []graphmodel.Edge{
			{SourceID: "d1", TargetID: "s1", Relationship: graphmodel.RelationshipContains},
			{SourceID: "x", TargetID: "s1", Relationship: graphmodel.RelationshipContains},
		},
	}})
	assert.ErrorIs(t, err, ErrReferentialIntegrity, "the dangling edge is reported")
	snap := s.Snapshot()
	assert.Contains(t, snap.Nodes, "s1")
	assert.Len(t, snap.Edges, 1)

	require.NoError(t, s.Apply(&events.Event{Type: events.TypeAssetMutation, Mutation: &events.AssetMutation{
		Action: events.MutationDeleted, Node: graphmodel.Node{ID: "s1"},
	}}))
	assert.NotContains(t, s.Snapshot().Nodes, "s1")
	assert.Empty(t, s.Snapshot().Edges)

	t.Run("mutation without a node id is not applied", func(t *testing.T) {
		require.NoError(t, s.Apply(&events.Event{Type: events.TypeAssetMutation, Mutation: &events.AssetMutation{
			Action: events.MutationCreated, Node: graphmodel.Node{Type: graphmodel.NodeTypeEndpoint},
		}}))
		assert.NotContains(t, s.Snapshot().Nodes, "")
		assert.Equal(t, OutcomeNoop, lastOutcome(t, s))
	})
}

// -- Sequence stamps --

func TestApply_StaleStampedEventsAreIgnored(t *testing.T) {
	s := newTestStore(t)
	newer := nodeEvent(events.TypeNodeAdded, "d1", graphmodel.NodeTypeDomain, graphmodel.Properties{"v": "new"})
	newer.Sequence = 10
	older := nodeEvent(events.TypeNodeUpdated, "d1", graphmodel.NodeTypeDomain, graphmodel.Properties{"v": "old"})
	older.Sequence = 9
	unstamped := nodeEvent(events.TypeNodeUpdated, "d1", graphmodel.NodeTypeDomain, graphmodel.Properties{"v": "arrival"})

	require.NoError(t, s.Apply(newer))
	require.NoError(t, s.Apply(older))
	node, _ := s.Snapshot().Node("d1")
	assert.Equal(t, "new", node.Properties["v"])
	assert.Equal(t, OutcomeStale, s.Trace()[1].Outcome)

	require.NoError(t, s.Apply(unstamped))
	node, _ = s.Snapshot().Node("d1")
	assert.Equal(t, "arrival", node.Properties["v"])

	// A stamped snapshot becomes the floor for trailing incremental events.
	require.NoError(t, s.Apply(&events.Event{Type: events.TypeSnapshot, Sequence: 20, Snapshot: &events.Snapshot{}}))
	late := nodeEvent(events.TypeNodeAdded, "late", graphmodel.NodeTypeDomain, nil)
	late.Sequence = 15
	require.NoError(t, s.Apply(late))
	assert.Empty(t, s.Snapshot().Nodes)
}

func lastOutcome(t *testing.T, s *Store) Outcome {
	t.Helper()
	tr := s.Trace()
	require.NotEmpty(t, tr)
	return tr[len(tr)-1].Outcome
}

func TestApply_EdgeStampsAreKeyedByRelation(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddNode(graphmodel.Node{ID: "a", Type: graphmodel.NodeTypeSubdomain}))
	require.NoError(t, s.AddNode(graphmodel.Node{ID: "b", Type: graphmodel.NodeTypeIP}))

	stamped := func(typ events.Type, rel graphmodel.RelationshipType, seq uint64) *events.Event {
		evt := edgeEvent(typ, "a", "b", rel)
		evt.Sequence = seq
		return evt
	}

	require.NoError(t, s.Apply(stamped(events.TypeEdgeAdded, graphmodel.RelationshipContains, 5)))
	require.NoError(t, s.Apply(stamped(events.TypeEdgeAdded, graphmodel.RelationshipResolvesTo, 3)))
	assert.Equal(t, OutcomeApplied, lastOutcome(t, s), "a distinct relation has its own stamp")
	assert.Len(t, s.Snapshot().Edges, 2)

	require.NoError(t, s.Apply(stamped(events.TypeEdgeDeleted, graphmodel.RelationshipContains, 4)))
	assert.Equal(t, OutcomeStale, lastOutcome(t, s))
	assert.Len(t, s.Snapshot().Edges, 2)

	// Without a relation each matched edge is judged by its own stamp.
	require.NoError(t, s.Apply(stamped(events.TypeEdgeDeleted, "", 4)))
	assert.Equal(t, OutcomeApplied, lastOutcome(t, s))
	snap := s.Snapshot()
	require.Len(t, snap.Edges, 1)
	assert.Contains(t, snap.Edges, graphmodel.EdgeKey{Source: "a", Relation: graphmodel.RelationshipContains, Target: "b"})

	// A newer deletion shadows an older re-add of the same edge.
	require.NoError(t, s.Apply(stamped(events.TypeEdgeDeleted, graphmodel.RelationshipContains, 6)))
	require.NoError(t, s.Apply(stamped(events.TypeEdgeAdded, graphmodel.RelationshipContains, 5)))
	assert.Equal(t, OutcomeStale, lastOutcome(t, s))
	assert.Empty(t, s.Snapshot().Edges)
}

// -- Publication --

func TestSnapshot_CopyOnWrite(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddNode(graphmodel.Node{ID: "d1", Type: graphmodel.NodeTypeDomain}))
	before := s.Snapshot()

	require.NoError(t, s.Apply(&events.Event{Type: events.TypeAgentStarted, Agent: &graphmodel.AgentRun{ID: "r1"}}))
	after := s.Snapshot()

	assert.NotSame(t, before, after)
	assert.Equal(t, mapPointer(before.Nodes), mapPointer(after.Nodes), "untouched collections are shared")
	assert.NotEqual(t, mapPointer(before.AgentRuns), mapPointer(after.AgentRuns))
	assert.Equal(t, before.NodesRevision, after.NodesRevision)
	assert.Greater(t, after.AgentsRevision, before.AgentsRevision)
	assert.Empty(t, before.AgentRuns, "published snapshots are never mutated")
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	s := newTestStore(t)
	calls := 0
	unsubscribe := s.Subscribe(func(*Snapshot) { calls++ })
	require.NoError(t, s.AddNode(graphmodel.Node{ID: "a", Type: graphmodel.NodeTypeDomain}))
	unsubscribe()
	unsubscribe()
	require.NoError(t, s.AddNode(graphmodel.Node{ID: "b", Type: graphmodel.NodeTypeDomain}))
	assert.Equal(t, 1, calls)
}

func TestTrace_RingAndDrops(t *testing.T) {
	s := NewStore(nil, "m1", 3)
	s.RecordDrop("bogus", errors.New("unrecognized event type"))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.AddNode(graphmodel.Node{ID: id, Type: graphmodel.NodeTypeDomain}))
	}
	trace := s.Trace()
	require.Len(t, trace, 3, "capacity bounds the ring")
	assert.Equal(t, "a", trace[0].EntityID)
	assert.Equal(t, "c", trace[2].EntityID)
	assert.EqualValues(t, 4, trace[2].Seq)

	s2 := NewStore(nil, "m1", 5)
	s2.RecordDrop("bogus", errors.New("unrecognized"))
	require.Len(t, s2.Trace(), 1)
	assert.Equal(t, OutcomeDropped, s2.Trace()[0].Outcome)
	assert.NotEmpty(t, s2.Trace()[0].ID)
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddNode(graphmodel.Node{ID: "a", Type: graphmodel.NodeTypeDomain}))
	rev := s.Snapshot().Revision
	s.Reset()
	snap := s.Snapshot()
	assert.Empty(t, snap.Nodes)
	assert.Empty(t, s.Trace())
	assert.Greater(t, snap.Revision, rev)
}
