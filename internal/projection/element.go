// Package projection turns the reconciled mission model into render elements
// and computes the minimal add/update/remove diff between two projections.
// Positions are owned by the consumer: an element already on screen is never
// repositioned.
package projection

import (
	"sort"
	"strings"
	"time"

	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

// Kind classifies a render element.
type Kind string

const (
	KindNode  Kind = "node"
	KindEdge  Kind = "edge"
	KindGroup Kind = "group"
)

// Element id namespaces. Every synthetic element id starts with the
// reserved marker; a graph node id that already starts with it is escaped by
// doubling the marker, so node ids and synthetic ids never collide.
const (
	ReservedMarker   = "@"
	PhaseGroupPrefix = ReservedMarker + "phase:"
	AgentPrefix      = ReservedMarker + "agent:"
	ToolPrefix       = ReservedMarker + "tool:"
	EdgePrefix       = ReservedMarker + "edge:"
)

// NodeElementID maps a graph node id onto its element id.
func NodeElementID(id string) string {
	if strings.HasPrefix(id, ReservedMarker) {
		return ReservedMarker + id
	}
	return id
}

// Element is one renderable item. Position is only ever set on elements in
// Diff.Added, and only when a persisted layout entry exists for the id.
type Element struct {
	ID       string                 `json:"id"`
	Kind     Kind                   `json:"kind"`
	Type     string                 `json:"type"`
	Label    string                 `json:"label,omitempty"`
	Parent   string                 `json:"parent,omitempty"`
	Source   string                 `json:"source,omitempty"`
	Target   string                 `json:"target,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Position *graphmodel.Position   `json:"position,omitempty"`
}

// Diff is the change set between two projections. Removed holds ids only.
type Diff struct {
	Added   []Element `json:"added"`
	Removed []string  `json:"removed"`
	Updated []Element `json:"updated"`
}

// Empty reports whether the diff carries no operations.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0
}

// Model is the filtered input of a projection: the store's nodes and
// workflow entities plus the materialized edge set.
type Model struct {
	Nodes     []graphmodel.Node
	Edges     []graphmodel.Edge
	AgentRuns []graphmodel.AgentRun
	ToolCalls []graphmodel.ToolCall
}

// Visibility is the set of node types a consumer renders. A nil Visibility
// shows everything.
type Visibility map[graphmodel.NodeType]struct{}

// NewVisibility builds a visibility set; no types means all types.
func NewVisibility(types ...graphmodel.NodeType) Visibility {
	if len(types) == 0 {
		return nil
	}
	v := make(Visibility, len(types))
	for _, t := range types {
		v[t] = struct{}{}
	}
	return v
}

// Shows reports whether nodes of type t are visible.
func (v Visibility) Shows(t graphmodel.NodeType) bool {
	if v == nil {
		return true
	}
	_, ok := v[t]
	return ok
}

func nodeElement(n graphmodel.Node) Element {
	return Element{
		ID:    NodeElementID(n.ID),
		Kind:  KindNode,
		Type:  string(n.Type),
		Label: nodeLabel(n),
		Data:  map[string]interface{}(n.Properties.DeepCopy()),
	}
}

func nodeLabel(n graphmodel.Node) string {
	if l := n.Properties.String("label", "name", "hostname", "title", "url", "value"); l != "" {
		return l
	}
	return n.ID
}

func edgeElement(e graphmodel.Edge) Element {
	el := Element{
		ID:     EdgePrefix + e.Key().String(),
		Kind:   KindEdge,
		Type:   string(e.Relationship),
		Source: NodeElementID(e.SourceID),
		Target: NodeElementID(e.TargetID),
		Data:   map[string]interface{}{"inferred": e.Inferred},
	}
	if e.ID != "" {
		el.Data["edge_id"] = e.ID
	}
	return el
}

func phaseElement(p graphmodel.Phase) Element {
	return Element{
		ID:    PhaseGroupPrefix + string(p),
		Kind:  KindGroup,
		Type:  "PHASE",
		Label: string(p),
		Data:  map[string]interface{}{"order": p.Order()},
	}
}

func agentElement(r graphmodel.AgentRun) Element {
	label := r.AgentName
	if label == "" {
		label = r.ID
	}
	data := map[string]interface{}{
		"status": string(r.Status),
		"phase":  string(r.Phase),
	}
	if r.Tokens > 0 {
		data["tokens"] = r.Tokens
	}
	if r.Duration > 0 {
		data["duration_ms"] = r.Duration.Milliseconds()
	}
	if r.Error != "" {
		data["error"] = r.Error
	}
	el := Element{
		ID:    AgentPrefix + r.ID,
		Kind:  KindNode,
		Type:  string(graphmodel.NodeTypeAgentRun),
		Label: label,
		Data:  data,
	}
	if r.Phase != "" {
		el.Parent = PhaseGroupPrefix + string(r.Phase)
	}
	return el
}

func toolElement(c graphmodel.ToolCall, parent string) Element {
	label := c.ToolName
	if label == "" {
		label = c.ID
	}
	data := map[string]interface{}{"status": string(c.Status)}
	if c.Duration > 0 {
		data["duration_ms"] = c.Duration.Milliseconds()
	}
	if c.Error != "" {
		data["error"] = c.Error
	}
	return Element{
		ID:     ToolPrefix + c.ID,
		Kind:   KindNode,
		Type:   string(graphmodel.NodeTypeToolCall),
		Label:  label,
		Parent: parent,
		Data:   data,
	}
}

// sortAgents orders runs by phase, then start time, then id.
func sortAgents(runs []graphmodel.AgentRun) {
	sort.Slice(runs, func(i, j int) bool {
		a, b := runs[i], runs[j]
		if a.Phase.Order() != b.Phase.Order() {
			return a.Phase.Order() < b.Phase.Order()
		}
		if !a.StartTime.Equal(b.StartTime) {
			return before(a.StartTime, b.StartTime)
		}
		return a.ID < b.ID
	})
}

func before(a, b time.Time) bool {
	if a.IsZero() != b.IsZero() {
		return !a.IsZero()
	}
	return a.Before(b)
}
