package knowledgegraph

import (
	"sort"

	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

// Snapshot is an immutable view of the store. Every mutation publishes a new
// Snapshot in which only the changed collections are new map instances, so a
// consumer detects change by comparing revisions or map identity. Callers
// must not modify anything reachable from a Snapshot.
type Snapshot struct {
	MissionID string

	Nodes     map[string]graphmodel.Node
	Edges     map[graphmodel.EdgeKey]graphmodel.Edge
	AgentRuns map[string]graphmodel.AgentRun
	ToolCalls map[string]graphmodel.ToolCall

	// Revision increases with every published change; the per-collection
	// revisions increase only when that collection changed.
	Revision       uint64
	NodesRevision  uint64
	EdgesRevision  uint64
	AgentsRevision uint64
	ToolsRevision  uint64

	// Loading is set while a snapshot fetch is in flight, so readers know the
	// state may be about to be replaced.
	Loading          bool
	MissionCompleted bool
}

var _ graphmodel.GraphReader = (*Snapshot)(nil)

func emptySnapshot(missionID string) *Snapshot {
	return &Snapshot{
		MissionID: missionID,
		Nodes:     map[string]graphmodel.Node{},
		Edges:     map[graphmodel.EdgeKey]graphmodel.Edge{},
		AgentRuns: map[string]graphmodel.AgentRun{},
		ToolCalls: map[string]graphmodel.ToolCall{},
	}
}

// Node looks up a node by id.
func (s *Snapshot) Node(id string) (graphmodel.Node, bool) {
	n, ok := s.Nodes[id]
	return n, ok
}

// NodeList returns every node ordered by id.
func (s *Snapshot) NodeList() []graphmodel.Node {
	out := make([]graphmodel.Node, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EdgeList returns every explicit edge ordered by key.
func (s *Snapshot) EdgeList() []graphmodel.Edge {
	out := make([]graphmodel.Edge, 0, len(s.Edges))
	for _, e := range s.Edges {
		out = append(out, e)
	}
	graphmodel.SortEdges(out)
	return out
}

// AgentRunList returns agent runs ordered by start time, then id.
func (s *Snapshot) AgentRunList() []graphmodel.AgentRun {
	out := make([]graphmodel.AgentRun, 0, len(s.AgentRuns))
	for _, r := range s.AgentRuns {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ToolCallList returns tool calls ordered by start time, then id.
func (s *Snapshot) ToolCallList() []graphmodel.ToolCall {
	out := make([]graphmodel.ToolCall, 0, len(s.ToolCalls))
	for _, c := range s.ToolCalls {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Export produces a deep copy suitable for serialization.
func (s *Snapshot) Export() graphmodel.GraphExport {
	exp := graphmodel.GraphExport{MissionID: s.MissionID}
	for _, n := range s.NodeList() {
		exp.Nodes = append(exp.Nodes, n.Clone())
	}
	for _, e := range s.EdgeList() {
		e := e
		exp.Edges = append(exp.Edges, &e)
	}
	exp.AgentRuns = s.AgentRunList()
	exp.ToolCalls = s.ToolCallList()
	return exp
}
