package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show how journeys would be batched without calling the scoring service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		applyFlags(cmd)

		env, err := initPipeline(ctx, "plan")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.Plan(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	addRangeFlags(planCmd)
	rootCmd.AddCommand(planCmd)
}
