package snapshot

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-livegraph/internal/events"
	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

type recordedRequest struct {
	Query     string
	Variables map[string]interface{}
	RequestID string
}

// fakeGraphQL answers by operation keyword found in the query text.
func fakeGraphQL(t *testing.T, answers map[string]string) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req gqlRequest
		require.NoError(t, json.Unmarshal(body, &req))

		mu.Lock()
		reqs = append(reqs, recordedRequest{Query: req.Query, Variables: req.Variables, RequestID: r.Header.Get("X-Request-ID")})
		mu.Unlock()

		for keyword, answer := range answers {
			if strings.Contains(req.Query, keyword) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, answer)
				return
			}
		}
		http.Error(w, `{"errors":[{"message":"unknown operation"}]}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), reqs...)
	}
}

func TestFetchSnapshot(t *testing.T) {
	srv, requests := fakeGraphQL(t, map[string]string{
		"MissionNodes": `{"data":{"nodes":[
			{"id":"d1","type":"DOMAIN","properties":{"name":"example.com"}},
			{"id":"s1","type":"SUBDOMAIN","properties":"{\"name\":\"www.example.com\"}"}
		]}}`,
		"MissionEdges": `{"data":{"edges":[{"id":"e1","fromNode":"d1","toNode":"s1","relation":"contains"}]}}`,
	})

	c := NewClient(zaptest.NewLogger(t), srv.URL, srv.Client(), 100)
	evt, err := c.FetchSnapshot(context.Background(), "m1")
	require.NoError(t, err)

	assert.Equal(t, events.TypeSnapshot, evt.Type)
	assert.Equal(t, "m1", evt.MissionID)
	assert.False(t, evt.Timestamp.IsZero())
	require.NotNil(t, evt.Snapshot)
	require.Len(t, evt.Snapshot.Nodes, 2)
	assert.Equal(t, graphmodel.NodeTypeDomain, evt.Snapshot.Nodes[0].Type)
	assert.Equal(t, "www.example.com", evt.Snapshot.Nodes[1].Properties.String("name"))
	assert.Equal(t, []graphmodel.Edge{{ID: "e1", SourceID: "d1", TargetID: "s1", Relationship: graphmodel.RelationshipContains}}, evt.Snapshot.Edges)
	assert.Nil(t, evt.Snapshot.AgentRuns, "a query snapshot leaves the workflow untouched")

	reqs := requests()
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Equal(t, "m1", r.Variables["missionId"])
		assert.NotEmpty(t, r.RequestID)
		if strings.Contains(r.Query, "MissionNodes") {
			assert.Equal(t, float64(100), r.Variables["limit"])
		}
	}
}

func TestFetchSnapshot_EmptyGraph(t *testing.T) {
	srv, _ := fakeGraphQL(t, map[string]string{
		"MissionNodes": `{"data":{"nodes":[]}}`,
		"MissionEdges": `{"data":{"edges":null}}`,
	})

	evt, err := NewClient(nil, srv.URL, nil, 0).FetchSnapshot(context.Background(), "m1")
	require.NoError(t, err)
	assert.Empty(t, evt.Snapshot.Nodes)
	assert.Empty(t, evt.Snapshot.Edges)
}

func TestFetchSnapshot_PartialFailure(t *testing.T) {
	srv, _ := fakeGraphQL(t, map[string]string{
		"MissionNodes": `{"data":{"nodes":[]}}`,
		"MissionEdges": `{"data":null,"errors":[{"message":"mission not found"}]}`,
	})

	_, err := NewClient(nil, srv.URL, nil, 0).FetchSnapshot(context.Background(), "m1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGraphQL)
	assert.ErrorContains(t, err, "mission not found")

	var gerr *GraphQLError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, "edges", gerr.Operation)
}

func TestClient_HTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(nil, srv.URL, nil, 0).ListMissions(context.Background(), 10, 0)
	assert.ErrorContains(t, err, "unexpected status 502")
}

func TestListMissions(t *testing.T) {
	srv, requests := fakeGraphQL(t, map[string]string{
		"query Missions": `{"data":{"missions":[
			{"id":"m1","targetDomain":"example.com","status":"running","createdAt":"2024-05-01T12:00:00Z"},
			{"id":"m2","targetDomain":"example.org","status":"completed","createdAt":"2024-04-01T12:00:00Z","completedAt":"2024-04-01T13:00:00Z"}
		]}}`,
	})

	missions, err := NewClient(nil, srv.URL, nil, 0).ListMissions(context.Background(), 20, 40)
	require.NoError(t, err)
	require.Len(t, missions, 2)
	assert.Equal(t, "example.com", missions[0].TargetDomain)
	assert.True(t, missions[0].CompletedAt.IsZero())
	assert.Equal(t, "completed", missions[1].Status)

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, float64(20), reqs[0].Variables["limit"])
	assert.Equal(t, float64(40), reqs[0].Variables["offset"])
}

func TestMissionLifecycle(t *testing.T) {
	srv, requests := fakeGraphQL(t, map[string]string{
		"StartMission":  `{"data":{"startMission":{"id":"m9","targetDomain":"example.com","status":"pending"}}}`,
		"CancelMission": `{"data":{"cancelMission":{"id":"m9","status":"cancelled"}}}`,
		"DeleteMission": `{"data":{"deleteMission":true}}`,
	})
	c := NewClient(nil, srv.URL, nil, 0)
	ctx := context.Background()

	m, err := c.StartMission(ctx, "example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "m9", m.ID)

	require.NoError(t, c.CancelMission(ctx, "m9"))
	require.NoError(t, c.DeleteMission(ctx, "m9"))

	reqs := requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "example.com", reqs[0].Variables["targetDomain"])
	assert.NotContains(t, reqs[0].Variables, "objective")
	assert.Equal(t, "m9", reqs[1].Variables["missionId"])
}

func TestDeleteMission_NotDeleted(t *testing.T) {
	srv, _ := fakeGraphQL(t, map[string]string{
		"DeleteMission": `{"data":{"deleteMission":false}}`,
	})
	err := NewClient(nil, srv.URL, nil, 0).DeleteMission(context.Background(), "m1")
	assert.ErrorContains(t, err, "was not deleted")
}
