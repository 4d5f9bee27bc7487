package graphmodel

// GraphReader is the read-only view of a mission graph handed to consumers.
// Implementations return data that callers must treat as immutable.
type GraphReader interface {
	// Node looks up a node by id.
	Node(id string) (Node, bool)
	// NodeList returns every node ordered by id.
	NodeList() []Node
	// EdgeList returns every materialized edge.
	EdgeList() []Edge
	// Export produces a serializable copy of the whole graph.
	Export() GraphExport
}
