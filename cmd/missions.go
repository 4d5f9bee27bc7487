package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-livegraph/internal/snapshot"
)

func newMissionsCmd(app *appState) *cobra.Command {
	missionsCmd := &cobra.Command{
		Use:   "missions",
		Short: "List, start, cancel and delete missions",
	}
	missionsCmd.PersistentFlags().String("graphql-url", "", "GraphQL endpoint")

	client := func() *snapshot.Client { return newSnapshotClient(app.cfg, app.logger) }

	var (
		limit, offset int
		asJSON        bool
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List missions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			missions, err := client().ListMissions(cmd.Context(), limit, offset)
			if err != nil {
				return fmt.Errorf("failed to list missions: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(missions)
			}
			return printMissions(cmd.OutOrStdout(), missions)
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "page size")
	listCmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	listCmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	var objective string
	startCmd := &cobra.Command{
		Use:   "start <target-domain>",
		Short: "Launch a mission against a target domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := client().StartMission(cmd.Context(), args[0], objective)
			if err != nil {
				return fmt.Errorf("failed to start mission: %w", err)
			}
			app.logger.Info("Mission started.", zap.String("mission_id", m.ID), zap.String("target", m.TargetDomain))
			fmt.Fprintln(cmd.OutOrStdout(), m.ID)
			return nil
		},
	}
	startCmd.Flags().StringVar(&objective, "objective", "", "free-text mission objective")

	cancelCmd := &cobra.Command{
		Use:   "cancel <mission-id>",
		Short: "Stop a running mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().CancelMission(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to cancel mission: %w", err)
			}
			app.logger.Info("Mission cancelled.", zap.String("mission_id", args[0]))
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <mission-id>",
		Short: "Delete a mission and its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().DeleteMission(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to delete mission: %w", err)
			}
			app.logger.Info("Mission deleted.", zap.String("mission_id", args[0]))
			return nil
		},
	}

	missionsCmd.AddCommand(listCmd, startCmd, cancelCmd, deleteCmd)
	return missionsCmd
}

func printMissions(w io.Writer, missions []snapshot.Mission) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTARGET\tSTATUS\tCREATED\tCOMPLETED")
	for _, m := range missions {
		completed := "-"
		if !m.CompletedAt.IsZero() {
			completed = m.CompletedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.TargetDomain, m.Status, m.CreatedAt.Format(time.RFC3339), completed)
	}
	return tw.Flush()
}
