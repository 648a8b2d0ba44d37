package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay <run-id>",
	Short: "Re-submit a run's failed batches from their saved payloads",
	Long:  "Re-submits a run's failed batches from their saved payloads, merges the recovered weights into the attribution table and rebuilds the channel report from the whole table. If the run wrote no weights of its own, the first replay replaces the table instead of merging into rows left by an earlier run.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		applyFlags(cmd)

		format, _ := cmd.Flags().GetString("summary")
		if err := checkSummaryFormat(format); err != nil {
			return err
		}

		env, err := initPipeline(ctx, "replay")
		if err != nil {
			return err
		}
		defer env.Close()

		summary, runErr := env.Pipeline.Replay(ctx, args[0])
		pushMetrics(env.Metrics)

		if summary != nil {
			if err := writeSummary(os.Stdout, format, summary); err != nil {
				return err
			}
		}
		return runErr
	},
}

func init() {
	replayCmd.Flags().String("output", "", "channel report output path (default from config)")
	replayCmd.Flags().String("summary", "json", "summary format: json or yaml")
	rootCmd.AddCommand(replayCmd)
}
