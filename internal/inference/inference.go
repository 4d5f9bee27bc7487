// Package inference derives structural edges from the node set with a
// declarative, per-type rule table. Inference is recomputed from scratch
// whenever the node set changes.
package inference

import (
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

// Engine applies a rule table.
type Engine struct {
	logger *zap.Logger
	rules  map[graphmodel.NodeType][]Rule
}

// NewEngine creates an engine over rules; nil selects DefaultRules.
func NewEngine(logger *zap.Logger, rules []Rule) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rules == nil {
		rules = DefaultRules
	}
	byType := make(map[graphmodel.NodeType][]Rule)
	for _, r := range rules {
		byType[r.Type] = append(byType[r.Type], r)
	}
	return &Engine{logger: logger.Named("inference"), rules: byType}
}

// InferEdges runs the default rule table. See Engine.Infer.
func InferEdges(nodes []graphmodel.Node) []graphmodel.Edge {
	return NewEngine(nil, nil).Infer(nodes)
}

// Infer returns the deduplicated inferred edges for nodes, sorted by
// (source, relation, target). Nodes are visited in id order and the first
// edge produced for a key wins, so the result is independent of input order.
// Rules scan node subsets pairwise; this is comfortable up to ~10k nodes.
func (e *Engine) Infer(nodes []graphmodel.Node) []graphmodel.Edge {
	ix := NewIndex(nodes)
	seen := make(map[graphmodel.EdgeKey]struct{})
	var out []graphmodel.Edge

	ids := make([]string, 0, len(ix.nodes))
	for id := range ix.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := ix.nodes[id]
		for _, rule := range e.rules[n.Type] {
			for _, derived := range rule.Matcher(ix, n) {
				if derived.SourceID == derived.TargetID || !ix.Has(derived.SourceID) || !ix.Has(derived.TargetID) {
					continue
				}
				key := derived.Key()
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				derived.Inferred = true
				out = append(out, derived)
			}
		}
	}
	graphmodel.SortEdges(out)
	e.logger.Debug("Inference pass complete.", zap.Int("nodes", len(ids)), zap.Int("edges", len(out)))
	return out
}

// Materialize merges explicit and inferred edges into the edge set a consumer
// renders. Edges with a missing endpoint are dropped. Explicit edges win a
// key collision, and an inferred edge is suppressed when its target already
// has an explicit incoming edge.
func Materialize(nodes map[string]graphmodel.Node, explicit, inferred []graphmodel.Edge) []graphmodel.Edge {
	present := func(e graphmodel.Edge) bool {
		_, src := nodes[e.SourceID]
		_, dst := nodes[e.TargetID]
		return src && dst
	}

	seen := make(map[graphmodel.EdgeKey]struct{}, len(explicit)+len(inferred))
	explicitTargets := make(map[string]struct{})
	out := make([]graphmodel.Edge, 0, len(explicit)+len(inferred))

	for _, e := range explicit {
		if !present(e) {
			continue
		}
		if _, dup := seen[e.Key()]; dup {
			continue
		}
		seen[e.Key()] = struct{}{}
		explicitTargets[e.TargetID] = struct{}{}
		e.Inferred = false
		out = append(out, e)
	}
	for _, e := range inferred {
		if !present(e) {
			continue
		}
		if _, dup := seen[e.Key()]; dup {
			continue
		}
		if _, linked := explicitTargets[e.TargetID]; linked {
			continue
		}
		seen[e.Key()] = struct{}{}
		e.Inferred = true
		out = append(out, e)
	}
	graphmodel.SortEdges(out)
	return out
}
