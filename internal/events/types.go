// Package events turns heterogeneous wire payloads from the mission backend into
// one canonical, tagged event shape consumed by the reconciliation store.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

// Type identifies a canonical event.
type Type string

// Canonical event types.
const (
	TypeSnapshot         Type = "snapshot"
	TypeNodeAdded        Type = "node_added"
	TypeNodeUpdated      Type = "node_updated"
	TypeNodeDeleted      Type = "node_deleted"
	TypeEdgeAdded        Type = "edge_added"
	TypeEdgeDeleted      Type = "edge_deleted"
	TypeAgentStarted     Type = "agent_started"
	TypeAgentFinished    Type = "agent_finished"
	TypeToolCalled       Type = "tool_called"
	TypeToolFinished     Type = "tool_finished"
	TypeAssetMutation    Type = "asset_mutation"
	TypeMissionCompleted Type = "mission_completed"
)

// String returns the string representation of the event type.
func (t Type) String() string {
	return string(t)
}

// Event is the canonical form of one wire message. Exactly one of the payload
// pointers is populated, matching Type; mission_completed carries none.
type Event struct {
	Type      Type
	MissionID string
	// Timestamp is the producer's time, zero when the envelope carried none.
	Timestamp time.Time
	// Sequence is an optional producer stamp; zero means unstamped.
	Sequence uint64

	Node     *graphmodel.Node
	NodeID   string
	Edge     *graphmodel.Edge
	Snapshot *Snapshot
	Agent    *graphmodel.AgentRun
	Tool     *graphmodel.ToolCall
	Mutation *AssetMutation
}

// EntityID returns the id of the entity the event targets, for tracing.
func (e *Event) EntityID() string {
	switch {
	case e.Node != nil:
		return e.Node.ID
	case e.NodeID != "":
		return e.NodeID
	case e.Edge != nil:
		return e.Edge.ElementID()
	case e.Agent != nil:
		return e.Agent.ID
	case e.Tool != nil:
		return e.Tool.ID
	case e.Mutation != nil:
		return e.Mutation.Node.ID
	}
	return ""
}

// Snapshot is a full-state baseline. AgentRuns and ToolCalls are nil when the
// producer did not include them, which tells the store to keep its own.
type Snapshot struct {
	Nodes     []graphmodel.Node
	Edges     []graphmodel.Edge
	AgentRuns []graphmodel.AgentRun
	ToolCalls []graphmodel.ToolCall
}

// MutationAction is the kind of change an asset_mutation describes.
type MutationAction string

// Asset mutation actions.
const (
	MutationCreated MutationAction = "created"
	MutationUpdated MutationAction = "updated"
	MutationDeleted MutationAction = "deleted"
)

// AssetMutation is a single backend asset change with optional explicit edges.
type AssetMutation struct {
	Action MutationAction
	Node   graphmodel.Node
	Edges  []graphmodel.Edge
}

// ErrMalformedEvent is the sentinel matched by every MalformedEventError.
var ErrMalformedEvent = errors.New("malformed event")

// MalformedEventError reports an event that could not be decoded or whose type
// is not recognised. Such events are dropped and processing continues.
type MalformedEventError struct {
	Type   string
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	msg := "malformed event"
	if e.Type != "" {
		msg += fmt.Sprintf(" (type %q)", e.Type)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrMalformedEvent) succeed.
func (e *MalformedEventError) Is(target error) bool { return target == ErrMalformedEvent }
