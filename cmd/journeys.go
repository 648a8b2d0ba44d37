package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/attribution-cli/internal/model"
)

var journeysCmd = &cobra.Command{
	Use:   "journeys",
	Short: "Dump extracted customer journeys as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		applyFlags(cmd)

		env, err := initPipeline(ctx, "read")
		if err != nil {
			return err
		}
		defer env.Close()

		journeys, _, err := env.Pipeline.Journeys(ctx)
		if err != nil {
			return err
		}

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			return writeJourneys(os.Stdout, journeys)
		}

		f, err := os.Create(out)
		if err != nil {
			return eris.Wrapf(err, "journeys: create %s", out)
		}
		defer f.Close() //nolint:errcheck
		if err := writeJourneys(f, journeys); err != nil {
			return err
		}
		zap.L().Info("journeys: written", zap.String("path", out), zap.Int("journeys", len(journeys)))
		return nil
	},
}

// writeJourneys writes journeys as an indented JSON array. A nil slice is
// written as [].
func writeJourneys(w io.Writer, journeys []model.Journey) error {
	if journeys == nil {
		journeys = []model.Journey{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(journeys), "journeys: encode")
}

func init() {
	journeysCmd.Flags().String("start", "", "first conversion date to include (YYYY-MM-DD)")
	journeysCmd.Flags().String("end", "", "last conversion date to include (YYYY-MM-DD)")
	journeysCmd.Flags().String("out", "", "output file (default: stdout)")
	rootCmd.AddCommand(journeysCmd)
}
