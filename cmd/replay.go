package cmd

import (
	"fmt"
	"io"
	"os"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-livegraph/internal/config"
	"github.com/xkilldash9x/scalpel-livegraph/internal/knowledgegraph"
	"github.com/xkilldash9x/scalpel-livegraph/internal/mission"
	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

// replayReport is the output of a replay run.
type replayReport struct {
	Revision         uint64                      `json:"revision"`
	MissionCompleted bool                        `json:"mission_completed"`
	Graph            graphmodel.GraphExport      `json:"graph"`
	Trace            []knowledgegraph.TraceEntry `json:"trace,omitempty"`
}

func newReplayCmd(app *appState) *cobra.Command {
	var (
		missionID string
		withTrace bool
	)

	replayCmd := &cobra.Command{
		Use:   "replay <capture-file>",
		Short: "Reconcile a recorded event capture and print the resulting graph",
		Long: `Feeds a newline-delimited capture (one envelope per line, or raw SSE
"event:"/"data:" lines) through the same pipeline as watch, then prints the
reconciled graph as JSON. No network access is made.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := app.logger.Named("replay")
			cfg := *app.cfg
			cfg.Stream.Transport = config.TransportFile
			cfg.Stream.CaptureFile = args[0]
			cfg.Stream.Follow = false
			cfg.Stream.LogsEnabled = false

			if _, err := os.Stat(args[0]); err != nil {
				return fmt.Errorf("cannot read capture: %w", err)
			}
			id := missionID
			if id == "" {
				id = "replay"
			}

			graph, err := buildGraphTransport(cfg.Stream, id)
			if err != nil {
				return err
			}
			opts := sessionOptions(&cfg, id, graph, nil)
			opts.StopWhenDrained = true
			opts.AnyMission = missionID == ""
			// A missing capture fails the first dial; do not retry it.
			opts.Policy.MaxRetries = 0

			session, err := mission.New(logger, opts)
			if err != nil {
				return err
			}
			if err := session.Run(cmd.Context()); err != nil {
				return fmt.Errorf("replay interrupted: %w", err)
			}

			snap := session.Store().Snapshot()
			if len(snap.Nodes) == 0 && len(session.Store().Trace()) == 0 {
				return fmt.Errorf("capture %s produced no events", args[0])
			}
			report := replayReport{
				Revision:         snap.Revision,
				MissionCompleted: snap.MissionCompleted,
				Graph:            session.Export(),
			}
			if withTrace {
				report.Trace = session.Store().Trace()
			}
			logger.Info("Replay complete.",
				zap.Int("nodes", len(report.Graph.Nodes)),
				zap.Int("edges", len(report.Graph.Edges)),
				zap.Uint64("revision", report.Revision))
			return encodeReport(cmd.OutOrStdout(), report)
		},
	}

	flags := replayCmd.Flags()
	flags.StringVarP(&missionID, "mission", "m", "", "only reconcile events of this mission (default accepts all)")
	flags.BoolVar(&withTrace, "trace", false, "include the event trace in the output")
	flags.StringSlice("visible", nil, "node types to render (default all)")
	flags.Bool("no-inference", false, "disable edge inference")
	flags.Int("trace-capacity", 0, "trace entries to retain")
	return replayCmd
}

func encodeReport(w io.Writer, report replayReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to encode replay report: %w", err)
	}
	return nil
}
