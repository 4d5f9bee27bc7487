package projection

import (
	"sort"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/xkilldash9x/scalpel-livegraph/internal/knowledgegraph"
	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

// Project renders model under visible and diffs it against previous, the
// element set returned by the prior call. It returns the diff and the new
// element set, which never carries positions.
//
// Edges are emitted only when both endpoints are rendered. Tool calls hang
// off their agent when it is rendered, agents off their phase group. A
// parent change is reported as an update. Added elements take a position
// from layout when one exists for their element id.
func Project(previous map[string]Element, model Model, visible Visibility, layout graphmodel.Positions) (Diff, map[string]Element) {
	ordered := render(model, visible)
	current := make(map[string]Element, len(ordered))

	var diff Diff
	for _, el := range ordered {
		if _, dup := current[el.ID]; dup {
			continue
		}
		current[el.ID] = el

		prev, existed := previous[el.ID]
		switch {
		case !existed:
			added := el
			if p, ok := layout[el.ID]; ok {
				pos := p
				added.Position = &pos
			}
			diff.Added = append(diff.Added, added)
		case !sameElement(prev, el):
			diff.Updated = append(diff.Updated, el)
		}
	}

	for id := range previous {
		if _, ok := current[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}
	sort.Strings(diff.Removed)
	return diff, current
}

var ignorePosition = cmpopts.IgnoreFields(Element{}, "Position")

func sameElement(a, b Element) bool {
	return cmp.Equal(a, b, ignorePosition, cmpopts.EquateEmpty())
}

// render builds the element list in dependency order: groups, graph nodes,
// agents, tools, then edges, so a consumer can apply Added front to back.
func render(model Model, visible Visibility) []Element {
	var out []Element
	shown := make(map[string]struct{})

	nodes := append([]graphmodel.Node(nil), model.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	var nodeEls []Element
	for _, n := range nodes {
		if !visible.Shows(n.Type) {
			continue
		}
		nodeEls = append(nodeEls, nodeElement(n))
		shown[n.ID] = struct{}{}
	}

	var groups, agentEls, toolEls []Element
	agentShown := make(map[string]graphmodel.AgentRun)
	if visible.Shows(graphmodel.NodeTypeAgentRun) {
		runs := append([]graphmodel.AgentRun(nil), model.AgentRuns...)
		sortAgents(runs)
		phases := make(map[graphmodel.Phase]struct{})
		for _, r := range runs {
			if r.Phase != "" {
				if _, ok := phases[r.Phase]; !ok {
					phases[r.Phase] = struct{}{}
					groups = append(groups, phaseElement(r.Phase))
				}
			}
			agentEls = append(agentEls, agentElement(r))
			agentShown[r.ID] = r
		}
	}
	if visible.Shows(graphmodel.NodeTypeToolCall) {
		calls := append([]graphmodel.ToolCall(nil), model.ToolCalls...)
		sort.Slice(calls, func(i, j int) bool {
			if !calls[i].StartTime.Equal(calls[j].StartTime) {
				return before(calls[i].StartTime, calls[j].StartTime)
			}
			return calls[i].ID < calls[j].ID
		})
		for _, c := range calls {
			// The agent reference is weak: a tool that arrived before its
			// agent only carries the name, so it is resolved on every render.
			parent := ""
			if id, ok := knowledgegraph.ResolveAgent(agentShown, c.AgentID, c.AgentName); ok {
				parent = AgentPrefix + id
			}
			toolEls = append(toolEls, toolElement(c, parent))
		}
	}

	out = append(out, groups...)
	out = append(out, nodeEls...)
	out = append(out, agentEls...)
	out = append(out, toolEls...)

	edges := append([]graphmodel.Edge(nil), model.Edges...)
	graphmodel.SortEdges(edges)
	for _, e := range edges {
		_, src := shown[e.SourceID]
		_, dst := shown[e.TargetID]
		if src && dst {
			out = append(out, edgeElement(e))
		}
	}
	return out
}

// Projector keeps the previously rendered element set between calls.
type Projector struct {
	mu       sync.Mutex
	visible  Visibility
	previous map[string]Element
}

// NewProjector creates a projector rendering the given node types; none
// means all.
func NewProjector(visible ...graphmodel.NodeType) *Projector {
	return &Projector{visible: NewVisibility(visible...), previous: map[string]Element{}}
}

// SetVisibleTypes changes the filter. The next Project call reports the
// elements that appear or disappear as a result.
func (p *Projector) SetVisibleTypes(types ...graphmodel.NodeType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visible = NewVisibility(types...)
}

// Project diffs model against the last projection and remembers the result.
func (p *Projector) Project(model Model, layout graphmodel.Positions) Diff {
	p.mu.Lock()
	defer p.mu.Unlock()
	diff, current := Project(p.previous, model, p.visible, layout)
	p.previous = current
	return diff
}

// Elements returns the currently rendered elements ordered by id.
func (p *Projector) Elements() []Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Element, 0, len(p.previous))
	for _, el := range p.previous {
		out = append(out, el)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset forgets the rendered set, so the next projection re-adds everything.
func (p *Projector) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.previous = map[string]Element{}
}
