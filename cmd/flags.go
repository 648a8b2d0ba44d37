package main

import (
	"github.com/spf13/cobra"
)

// addRangeFlags registers the flags that select and pack journeys.
func addRangeFlags(cmd *cobra.Command) {
	cmd.Flags().String("start", "", "first conversion date to include (YYYY-MM-DD)")
	cmd.Flags().String("end", "", "last conversion date to include (YYYY-MM-DD)")
	cmd.Flags().String("strategy", "", "packing strategy: largest-first, smallest-first, per-journey")
}

// applyFlags copies explicitly set command flags over the loaded config.
func applyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("start") {
		cfg.Attribution.StartDate, _ = flags.GetString("start")
	}
	if flags.Changed("end") {
		cfg.Attribution.EndDate, _ = flags.GetString("end")
	}
	if flags.Changed("strategy") {
		cfg.Attribution.Strategy, _ = flags.GetString("strategy")
	}
	if flags.Changed("concurrency") {
		cfg.Attribution.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("output") {
		cfg.Report.OutputPath, _ = flags.GetString("output")
	}
}
