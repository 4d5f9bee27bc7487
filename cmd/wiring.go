package cmd

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-livegraph/internal/config"
	"github.com/xkilldash9x/scalpel-livegraph/internal/layout"
	"github.com/xkilldash9x/scalpel-livegraph/internal/mission"
	"github.com/xkilldash9x/scalpel-livegraph/internal/network"
	"github.com/xkilldash9x/scalpel-livegraph/internal/snapshot"
	"github.com/xkilldash9x/scalpel-livegraph/internal/stream"
	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

// defaultLayoutDir is used when layout.local_dir is empty.
const defaultLayoutDir = ".livegraph/layouts"

// joinURL appends path to base, keeping a single slash between them.
func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// websocketURL converts an http(s) base URL into its ws(s) equivalent.
func websocketURL(base, path string) (string, error) {
	u, err := url.Parse(joinURL(base, path))
	if err != nil {
		return "", fmt.Errorf("invalid stream base_url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported stream base_url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// buildGraphTransport selects the entity-event transport for missionID.
func buildGraphTransport(s config.StreamConfig, missionID string) (stream.Transport, error) {
	switch s.Transport {
	case config.TransportSSE:
		return &stream.SSETransport{
			URL:    joinURL(s.BaseURL, config.MissionPath(s.SSEPath, missionID)),
			Client: network.NewClient(network.NewStreamingClientConfig()),
		}, nil
	case config.TransportWebSocket:
		u, err := websocketURL(s.BaseURL, config.MissionPath(s.GraphWSPath, missionID))
		if err != nil {
			return nil, err
		}
		return &stream.WebSocketTransport{URL: u, HandshakeTimeout: s.HandshakeWait, PongWait: s.ReadTimeout, Label: "graph"}, nil
	case config.TransportFile:
		return &stream.CaptureTransport{Path: s.CaptureFile, Follow: s.Follow}, nil
	}
	return nil, fmt.Errorf("unsupported transport %q", s.Transport)
}

// buildLogsTransport returns the log channel, or nil when it is disabled or
// the graph transport has no companion log stream.
func buildLogsTransport(s config.StreamConfig, missionID string) (stream.Transport, error) {
	if !s.LogsEnabled || s.Transport == config.TransportFile {
		return nil, nil
	}
	u, err := websocketURL(s.BaseURL, config.MissionPath(s.LogsWSPath, missionID))
	if err != nil {
		return nil, err
	}
	return &stream.WebSocketTransport{URL: u, HandshakeTimeout: s.HandshakeWait, PongWait: s.ReadTimeout, Label: "logs"}, nil
}

func policyFrom(s config.StreamConfig) stream.Policy {
	return stream.Policy{BaseDelay: s.BaseDelay, MaxDelay: s.MaxDelay, MaxRetries: s.MaxRetries}
}

func newSnapshotClient(cfg *config.Config, logger *zap.Logger) *snapshot.Client {
	netCfg := network.NewDefaultClientConfig()
	if cfg.API.Timeout > 0 {
		netCfg.RequestTimeout = cfg.API.Timeout
	}
	netCfg.Logger = logger
	return snapshot.NewClient(logger, cfg.API.GraphQLURL, network.NewClient(netCfg), cfg.API.SnapshotLimit)
}

// buildPersister wires the configured remote layout backend in front of the
// local file copy. The returned cleanup releases backend resources and must
// run after the persister is closed.
func buildPersister(ctx context.Context, cfg config.LayoutConfig, logger *zap.Logger) (*layout.Persister, func(), error) {
	dir := cfg.LocalDir
	if dir == "" {
		dir = defaultLayoutDir
	}
	local := &layout.FileBackend{Dir: dir}
	cleanup := func() {}

	var remote layout.Backend
	switch cfg.Remote {
	case config.LayoutRemoteHTTP:
		remote = layout.NewHTTPBackend(cfg.BaseURL, network.NewClient(network.NewDefaultClientConfig()))
	case config.LayoutRemotePostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create layout database pool: %w", err)
		}
		pg, err := layout.NewPostgresBackend(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		remote = pg
		cleanup = pool.Close
	}
	return layout.NewPersister(logger, remote, local, cfg.Debounce), cleanup, nil
}

func parseVisibleTypes(raw []string) []graphmodel.NodeType {
	var out []graphmodel.NodeType
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, graphmodel.ParseNodeType(part))
			}
		}
	}
	return out
}

// sessionOptions maps the engine and API configuration onto a session.
func sessionOptions(cfg *config.Config, missionID string, graph, logs stream.Transport) mission.Options {
	return mission.Options{
		MissionID:        missionID,
		Graph:            graph,
		Logs:             logs,
		Policy:           policyFrom(cfg.Stream),
		TraceCapacity:    cfg.Engine.TraceCapacity,
		InboxSize:        cfg.Engine.InboxSize,
		VisibleTypes:     parseVisibleTypes(cfg.Engine.VisibleTypes),
		DisableInference: !cfg.Engine.InferenceEnabled,
		SnapshotRate:     rate.Limit(cfg.API.SnapshotRate),
		SnapshotBurst:    cfg.API.SnapshotBurst,
	}
}
