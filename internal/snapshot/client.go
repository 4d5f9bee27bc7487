// Package snapshot queries the mission backend's GraphQL API: baseline graph
// snapshots for the reconciliation store, plus the mission list and
// lifecycle mutations.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-livegraph/internal/events"
)

// DefaultLimit caps the node query when the caller sets none.
const DefaultLimit = 5000

// maxResponseBytes bounds a GraphQL response body.
const maxResponseBytes = 64 << 20

// ErrGraphQL matches every error reported in a GraphQL "errors" array.
var ErrGraphQL = errors.New("graphql error")

// GraphQLError carries the messages of a failed GraphQL operation.
type GraphQLError struct {
	Operation string
	Messages  []string
}

func (e *GraphQLError) Error() string {
	return fmt.Sprintf("graphql %s: %s", e.Operation, strings.Join(e.Messages, "; "))
}

// Is allows errors.Is(err, ErrGraphQL).
func (e *GraphQLError) Is(target error) bool { return target == ErrGraphQL }

const (
	queryNodes = `query MissionNodes($missionId: String!, $filter: NodeFilter, $limit: Int) {
  nodes(missionId: $missionId, filter: $filter, limit: $limit) { id type properties }
}`
	queryEdges = `query MissionEdges($missionId: String!) {
  edges(missionId: $missionId) { id fromNode toNode relation }
}`
	queryMissions = `query Missions($limit: Int, $offset: Int) {
  missions(limit: $limit, offset: $offset) { id targetDomain status createdAt completedAt }
}`
	mutationStart = `mutation StartMission($targetDomain: String!, $objective: String) {
  startMission(targetDomain: $targetDomain, objective: $objective) { id targetDomain status createdAt }
}`
	mutationCancel = `mutation CancelMission($missionId: String!) {
  cancelMission(missionId: $missionId) { id status }
}`
	mutationDelete = `mutation DeleteMission($missionId: String!) {
  deleteMission(missionId: $missionId)
}`
)

// Mission is one entry of the mission list.
type Mission struct {
	ID           string    `json:"id"`
	TargetDomain string    `json:"targetDomain"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	CompletedAt  time.Time `json:"completedAt"`
}

// Client is a minimal GraphQL client.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *zap.Logger
	limit    int
	now      func() time.Time
}

// NewClient creates a client for the GraphQL endpoint. A nil httpClient
// selects http.DefaultClient; limit <= 0 selects DefaultLimit.
func NewClient(logger *zap.Logger, endpoint string, httpClient *http.Client, limit int) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Client{
		endpoint: endpoint,
		http:     httpClient,
		logger:   logger.Named("snapshot"),
		limit:    limit,
		now:      time.Now,
	}
}

type gqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// do runs one operation and decodes its data into out.
func (c *Client) do(ctx context.Context, op, query string, vars map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}
	c.logger.Debug("GraphQL operation complete.",
		zap.String("operation", op),
		zap.String("request_id", requestID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", c.now().Sub(start)))

	var decoded gqlResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
		}
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	if len(decoded.Errors) > 0 {
		gerr := &GraphQLError{Operation: op}
		for _, e := range decoded.Errors {
			gerr.Messages = append(gerr.Messages, e.Message)
		}
		return gerr
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", op, err)
	}
	return nil
}

// FetchSnapshot queries nodes and edges concurrently and returns them as a
// canonical snapshot event, ready for the reconciliation store. The event
// carries no agent or tool sets, so applying it keeps the tracked workflow.
func (c *Client) FetchSnapshot(ctx context.Context, missionID string) (*events.Event, error) {
	var nodes, edges struct {
		Nodes []interface{} `json:"nodes"`
		Edges []interface{} `json:"edges"`
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.do(gctx, "nodes", queryNodes, map[string]interface{}{
			"missionId": missionID,
			"limit":     c.limit,
		}, &nodes)
	})
	g.Go(func() error {
		return c.do(gctx, "edges", queryEdges, map[string]interface{}{"missionId": missionID}, &edges)
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("snapshot fetch for mission %q failed: %w", missionID, err)
	}
	if len(nodes.Nodes) >= c.limit {
		c.logger.Warn("Snapshot hit the node limit, graph may be truncated.",
			zap.String("mission_id", missionID), zap.Int("limit", c.limit))
	}

	if nodes.Nodes == nil {
		nodes.Nodes = []interface{}{}
	}
	if edges.Edges == nil {
		edges.Edges = []interface{}{}
	}
	evt, err := events.NormalizeMap("snapshot", map[string]interface{}{
		"mission_id": missionID,
		"data": map[string]interface{}{
			"nodes": nodes.Nodes,
			"edges": edges.Edges,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot for mission %q is malformed: %w", missionID, err)
	}
	evt.Timestamp = c.now()
	return evt, nil
}

// ListMissions returns a page of missions.
func (c *Client) ListMissions(ctx context.Context, limit, offset int) ([]Mission, error) {
	var out struct {
		Missions []Mission `json:"missions"`
	}
	err := c.do(ctx, "missions", queryMissions, map[string]interface{}{"limit": limit, "offset": offset}, &out)
	if err != nil {
		return nil, err
	}
	return out.Missions, nil
}

// StartMission launches a mission against targetDomain.
func (c *Client) StartMission(ctx context.Context, targetDomain, objective string) (*Mission, error) {
	vars := map[string]interface{}{"targetDomain": targetDomain}
	if objective != "" {
		vars["objective"] = objective
	}
	var out struct {
		StartMission *Mission `json:"startMission"`
	}
	if err := c.do(ctx, "startMission", mutationStart, vars, &out); err != nil {
		return nil, err
	}
	if out.StartMission == nil {
		return nil, fmt.Errorf("startMission returned no mission")
	}
	return out.StartMission, nil
}

// CancelMission stops a running mission.
func (c *Client) CancelMission(ctx context.Context, missionID string) error {
	return c.do(ctx, "cancelMission", mutationCancel, map[string]interface{}{"missionId": missionID}, nil)
}

// DeleteMission removes a mission and its data.
func (c *Client) DeleteMission(ctx context.Context, missionID string) error {
	var out struct {
		DeleteMission bool `json:"deleteMission"`
	}
	if err := c.do(ctx, "deleteMission", mutationDelete, map[string]interface{}{"missionId": missionID}, &out); err != nil {
		return err
	}
	if !out.DeleteMission {
		return fmt.Errorf("mission %q was not deleted", missionID)
	}
	return nil
}
