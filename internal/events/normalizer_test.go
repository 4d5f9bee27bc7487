package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

func mustNormalize(t *testing.T, raw string) *Event {
	t.Helper()
	evt, err := Normalize([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, evt)
	return evt
}

func TestNormalize_NodeVariants(t *testing.T) {
	t.Run("flat node with explicit type key", func(t *testing.T) {
		evt := mustNormalize(t, `{"type":"node_added","mission_id":"m1","node_id":"d1","node_type":"domain","name":"example.com"}`)
		assert.Equal(t, TypeNodeAdded, evt.Type)
		assert.Equal(t, "m1", evt.MissionID)
		require.NotNil(t, evt.Node)
		assert.Equal(t, "d1", evt.Node.ID)
		assert.Equal(t, graphmodel.NodeTypeDomain, evt.Node.Type)
		assert.Equal(t, "example.com", evt.Node.Properties["name"])
		assert.Equal(t, "m1", evt.Node.MissionID)
		_, leaked := evt.Node.Properties["type"]
		assert.False(t, leaked, "envelope type must not leak into properties")
	})

	t.Run("wrapped payload with camelCase keys", func(t *testing.T) {
		evt := mustNormalize(t, `{"eventType":"nodeCreated","payload":{"node":{"nodeId":"s1","kind":"Subdomain","props":{"hostName":"api.example.com"}}}}`)
		assert.Equal(t, TypeNodeAdded, evt.Type)
		require.NotNil(t, evt.Node)
		assert.Equal(t, "s1", evt.Node.ID)
		assert.Equal(t, graphmodel.NodeTypeSubdomain, evt.Node.Type)
		assert.Equal(t, "api.example.com", evt.Node.Properties["host_name"])
	})

	t.Run("properties serialized as a JSON string", func(t *testing.T) {
		evt := mustNormalize(t, `{"type":"node.updated","data":{"id":"e1","type":"ENDPOINT","properties":"{\"path\":\"/login\"}"}}`)
		assert.Equal(t, TypeNodeUpdated, evt.Type)
		assert.Equal(t, "/login", evt.Node.Properties["path"])
	})

	t.Run("two levels of wrapping", func(t *testing.T) {
		evt := mustNormalize(t, `{"event":"node_added","data":{"payload":{"id":"ip1","type":"ip_address"}}}`)
		assert.Equal(t, graphmodel.NodeTypeIP, evt.Node.Type)
	})

	t.Run("entity data field is not taken for a wrapper", func(t *testing.T) {
		evt := mustNormalize(t, `{"type":"node_added","payload":{"id":"e1","type":"ENDPOINT","data":{"method":"GET"}}}`)
		require.NotNil(t, evt.Node)
		assert.Equal(t, "e1", evt.Node.ID)
		assert.Equal(t, graphmodel.NodeTypeEndpoint, evt.Node.Type)
		assert.Equal(t, map[string]interface{}{"method": "GET"}, evt.Node.Properties["data"])
	})

	t.Run("delete carries only the id", func(t *testing.T) {
		evt := mustNormalize(t, `{"type":"node-removed","payload":{"node_id":"x"}}`)
		assert.Equal(t, TypeNodeDeleted, evt.Type)
		assert.Equal(t, "x", evt.NodeID)
		assert.Equal(t, "x", evt.EntityID())
	})

	t.Run("missing id is malformed", func(t *testing.T) {
		_, err := Normalize([]byte(`{"type":"node_added","payload":{"type":"DOMAIN"}}`))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMalformedEvent))
		var mErr *MalformedEventError
		require.True(t, errors.As(err, &mErr))
		assert.Equal(t, "node_added", mErr.Type)
	})
}

func TestNormalize_EdgeVariants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"source/target/relation", `{"type":"edge_added","payload":{"source":"a","target":"b","relation":"contains"}}`},
		{"from/to/relationship", `{"type":"edge_added","payload":{"from":"a","to":"b","relationship":"CONTAINS"}}`},
		{"nested edge with camelCase ids", `{"type":"edgeCreated","data":{"edge":{"sourceId":"a","targetId":"b","type":"CONTAINS"}}}`},
		{"src/dst/rel", `{"type":"edge_added","src":"a","dst":"b","rel":"Contains"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt := mustNormalize(t, tc.raw)
			require.NotNil(t, evt.Edge)
			assert.Equal(t, "a", evt.Edge.SourceID)
			assert.Equal(t, "b", evt.Edge.TargetID)
			assert.Equal(t, graphmodel.RelationshipContains, evt.Edge.Relationship)
		})
	}

	t.Run("edge_deleted may omit the relation", func(t *testing.T) {
		evt := mustNormalize(t, `{"type":"edge_deleted","payload":{"source":"a","target":"b"}}`)
		assert.Equal(t, TypeEdgeDeleted, evt.Type)
		assert.Empty(t, evt.Edge.Relationship)
	})

	t.Run("edge_added without a relation is malformed", func(t *testing.T) {
		_, err := Normalize([]byte(`{"type":"edge_added","payload":{"source":"a","target":"b"}}`))
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})
}

func TestNormalize_Lifecycle(t *testing.T) {
	t.Run("agent started is always running", func(t *testing.T) {
		evt := mustNormalize(t, `{"type":"agent_started","timestamp":"2024-05-01T10:00:00Z","payload":{"agent_run_id":"r1","agentName":"subfinder","phase":"osint","status":"completed"}}`)
		require.NotNil(t, evt.Agent)
		assert.Equal(t, "r1", evt.Agent.ID)
		assert.Equal(t, "subfinder", evt.Agent.AgentName)
		assert.Equal(t, graphmodel.PhaseOSINT, evt.Agent.Phase)
		assert.Equal(t, graphmodel.StatusRunning, evt.Agent.Status)
		assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), evt.Timestamp)
	})

	t.Run("agent finished with error field becomes error", func(t *testing.T) {
		evt := mustNormalize(t, `{"type":"agent_finished","payload":{"id":"r1","error":"boom","duration_ms":1500,"total_tokens":42}}`)
		assert.Equal(t, graphmodel.StatusError, evt.Agent.Status)
		assert.Equal(t, 1500*time.Millisecond, evt.Agent.Duration)
		assert.EqualValues(t, 42, evt.Agent.Tokens)
	})

	t.Run("agent finished without status is completed", func(t *testing.T) {
		evt := mustNormalize(t, `{"type":"agent_finished","payload":{"id":"r1"}}`)
		assert.Equal(t, graphmodel.StatusCompleted, evt.Agent.Status)
	})

	t.Run("agent_failed alias implies error", func(t *testing.T) {
		evt := mustNormalize(t, `{"type":"agent_failed","payload":{"id":"r1"}}`)
		assert.Equal(t, TypeAgentFinished, evt.Type)
		assert.Equal(t, graphmodel.StatusError, evt.Agent.Status)
	})

	t.Run("tool call with arguments and agent reference", func(t *testing.T) {
		evt := mustNormalize(t, `{"type":"tool_started","payload":{"call_id":"t1","tool":"nmap","agent":"Recon","arguments":{"target":"10.0.0.1"}}}`)
		assert.Equal(t, TypeToolCalled, evt.Type)
		require.NotNil(t, evt.Tool)
		assert.Equal(t, "t1", evt.Tool.ID)
		assert.Equal(t, "nmap", evt.Tool.ToolName)
		assert.Equal(t, "Recon", evt.Tool.AgentName)
		assert.Equal(t, "10.0.0.1", evt.Tool.Args["target"])
		assert.Equal(t, graphmodel.StatusRunning, evt.Tool.Status)
	})

	t.Run("tool finished reads status words from result", func(t *testing.T) {
		evt := mustNormalize(t, `{"type":"tool_finished","payload":{"tool_call_id":"t1","result":"failed"}}`)
		assert.Equal(t, graphmodel.StatusError, evt.Tool.Status)
	})

	t.Run("mission completed has no payload", func(t *testing.T) {
		evt := mustNormalize(t, `{"type":"mission.complete","ts":1714557600}`)
		assert.Equal(t, TypeMissionCompleted, evt.Type)
		assert.Equal(t, time.Unix(1714557600, 0).UTC(), evt.Timestamp)
	})
}

func TestNormalize_Snapshot(t *testing.T) {
	t.Run("full snapshot", func(t *testing.T) {
		evt := mustNormalize(t, `{"type":"graph_snapshot","seq":7,"payload":{
			"nodes":[{"id":"d1","type":"DOMAIN"},{"type":"DOMAIN"}],
			"edges":[{"source":"d1","target":"s1","relation":"CONTAINS"}],
			"agents":[{"id":"r1","status":"running"}],
			"tool_calls":[]}}`)
		assert.Equal(t, TypeSnapshot, evt.Type)
		assert.EqualValues(t, 7, evt.Sequence)
		require.NotNil(t, evt.Snapshot)
		require.Len(t, evt.Snapshot.Nodes, 1, "nodes without an id are skipped")
		assert.Len(t, evt.Snapshot.Edges, 1)
		require.Len(t, evt.Snapshot.AgentRuns, 1)
		assert.Equal(t, graphmodel.StatusRunning, evt.Snapshot.AgentRuns[0].Status)
		assert.NotNil(t, evt.Snapshot.ToolCalls)
		assert.Empty(t, evt.Snapshot.ToolCalls)
	})

	t.Run("absent workflow sets stay nil", func(t *testing.T) {
		evt := mustNormalize(t, `{"type":"snapshot","payload":{"nodes":[],"edges":[]}}`)
		assert.Nil(t, evt.Snapshot.AgentRuns)
		assert.Nil(t, evt.Snapshot.ToolCalls)
	})
}

func TestNormalize_AssetMutation(t *testing.T) {
	evt := mustNormalize(t, `{"type":"asset_created","payload":{"asset":{"id":"s9","type":"SUBDOMAIN","name":"a.example.com"},
		"relationships":[{"from":"d1","to":"s9","relation":"CONTAINS"},{"from":"d1"}]}}`)
	assert.Equal(t, TypeAssetMutation, evt.Type)
	require.NotNil(t, evt.Mutation)
	assert.Equal(t, MutationCreated, evt.Mutation.Action)
	assert.Equal(t, "s9", evt.Mutation.Node.ID)
	require.Len(t, evt.Mutation.Edges, 1)

	del := mustNormalize(t, `{"type":"asset_mutation","payload":{"operation":"remove","id":"s9","type":"SUBDOMAIN"}}`)
	assert.Equal(t, MutationDeleted, del.Mutation.Action)

	_, err := Normalize([]byte(`{"type":"asset_mutation","payload":{"action":"explode","id":"s9"}}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestNormalize_KeepaliveAndErrors(t *testing.T) {
	for _, raw := range []string{`{"type":"keepalive"}`, `{"type":"PING"}`, `{"event":"heartbeat"}`} {
		evt, err := Normalize([]byte(raw))
		assert.NoError(t, err, raw)
		assert.Nil(t, evt, raw)
	}

	for name, raw := range map[string]string{
		"not json":     `{"type":`,
		"array":        `[1,2,3]`,
		"no type":      `{"payload":{"id":"x"}}`,
		"unknown type": `{"type":"node_exploded","payload":{"id":"x"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			evt, err := Normalize([]byte(raw))
			assert.Nil(t, evt)
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestNormalizeNamed_UsesSSEEventName(t *testing.T) {
	evt, err := NormalizeNamed("node_added", []byte(`{"id":"d1","type":"DOMAIN"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeNodeAdded, evt.Type)

	// The generic SSE name is never treated as a type.
	_, err = NormalizeNamed("message", []byte(`{"id":"d1"}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestCanonicalKey(t *testing.T) {
	cases := map[string]string{
		"nodeId":        "node_id",
		"node_id":       "node_id",
		"HTTPService":   "http_service",
		"tool-called":   "tool_called",
		"mission.done":  "mission_done",
		"agentRunID":    "agent_run_id",
		"totalTokens":   "total_tokens",
		"already_snake": "already_snake",
	}
	for in, want := range cases {
		assert.Equal(t, want, CanonicalKey(in), in)
	}
}
