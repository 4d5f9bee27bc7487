package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-livegraph/internal/mission"
	"github.com/xkilldash9x/scalpel-livegraph/internal/stream"
)

// shutdownTimeout bounds the final layout flush.
const shutdownTimeout = 10 * time.Second

func newWatchCmd(app *appState) *cobra.Command {
	var exportPath string

	watchCmd := &cobra.Command{
		Use:   "watch <mission-id>",
		Short: "Follow a mission's live event stream and reconcile its graph",
		Long: `Connects to the mission's event stream, baselines from a GraphQL snapshot on
every (re)connect and logs each change to the rendered graph. The user layout is
loaded at start and persisted on exit.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			missionID := args[0]
			cfg := app.cfg
			logger := app.logger.With(zap.String("mission_id", missionID))

			graph, err := buildGraphTransport(cfg.Stream, missionID)
			if err != nil {
				return err
			}
			logs, err := buildLogsTransport(cfg.Stream, missionID)
			if err != nil {
				return err
			}
			persister, cleanup, err := buildPersister(ctx, cfg.Layout, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize layout persistence: %w", err)
			}
			defer cleanup()

			opts := sessionOptions(cfg, missionID, graph, logs)
			opts.Fetcher = newSnapshotClient(cfg, logger)
			opts.Layouts = persister
			opts.OnLog = func(m stream.Message) {
				logger.Info("Mission log.", zap.ByteString("line", m.Data))
			}

			session, err := mission.New(logger, opts)
			if err != nil {
				return err
			}
			unsubscribe := session.Subscribe(logUpdate(logger))
			defer unsubscribe()

			logger.Info("Watching mission.", zap.String("transport", graph.Name()))
			runErr := session.Run(ctx)

			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := persister.Close(flushCtx); err != nil {
				logger.Warn("Final layout flush failed.", zap.Error(err))
			}
			if exportPath != "" {
				if err := writeJSON(exportPath, session.Export()); err != nil {
					return err
				}
				logger.Info("Graph exported.", zap.String("path", exportPath))
			}
			if errors.Is(runErr, context.Canceled) {
				logger.Info("Watch stopped.")
				return nil
			}
			return runErr
		},
	}

	flags := watchCmd.Flags()
	flags.String("transport", "", "event transport: sse, websocket or file")
	flags.String("base-url", "", "mission backend base URL")
	flags.String("graphql-url", "", "GraphQL endpoint for snapshots")
	flags.Int("max-retries", 0, "reconnect attempts before giving up")
	flags.Bool("follow", false, "with the file transport, keep tailing the capture")
	flags.Bool("logs", false, "also stream mission logs over WebSocket")
	flags.String("layout-remote", "", "layout backend: http, postgres or none")
	flags.String("layout-dir", "", "directory for local layout copies")
	flags.StringSlice("visible", nil, "node types to render (default all)")
	flags.Bool("no-inference", false, "disable edge inference")
	flags.StringVarP(&exportPath, "export", "o", "", "write the reconciled graph as JSON on exit")
	return watchCmd
}

// logUpdate reports each published change.
func logUpdate(logger *zap.Logger) func(mission.Update) {
	var last stream.Status
	return func(u mission.Update) {
		if u.Status != last {
			logger.Info("Stream status changed.", zap.String("status", string(u.Status)))
			last = u.Status
		}
		if u.Diff.Empty() {
			return
		}
		logger.Info("Graph updated.",
			zap.Uint64("revision", u.Revision),
			zap.Int("added", len(u.Diff.Added)),
			zap.Int("updated", len(u.Diff.Updated)),
			zap.Int("removed", len(u.Diff.Removed)),
			zap.Int("nodes", len(u.Snapshot.Nodes)),
			zap.Int("edges", len(u.Edges)),
			zap.Bool("loading", u.Loading),
			zap.Bool("completed", u.Snapshot.MissionCompleted))
	}
}

// writeJSON writes v indented to path, or to stdout when path is "-".
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	data = append(data, '\n')
	if path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write export %s: %w", path, err)
	}
	return nil
}
