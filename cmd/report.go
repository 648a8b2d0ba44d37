package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/attribution-cli/internal/model"
	"github.com/sells-group/attribution-cli/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export the stored channel report with CPO and ROAS",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		applyFlags(cmd)

		env, err := initPipeline(ctx, "read")
		if err != nil {
			return err
		}
		defer env.Close()

		rows, err := env.Pipeline.Export(ctx)
		if err != nil {
			return err
		}

		if show, _ := cmd.Flags().GetBool("print"); show {
			formatReport(os.Stdout, rows, cfg.Report.MissingValue)
		}
		fmt.Fprintf(os.Stderr, "Wrote %d rows to %s\n", len(rows), cfg.Report.OutputPath)
		return nil
	},
}

// formatReport writes the channel report as an aligned table followed by a
// totals line.
func formatReport(out io.Writer, rows []model.ChannelMetric, missing string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CHANNEL\tDATE\tCOST\tIHC\tIHC_REVENUE\tCPO\tROAS")
	for _, r := range report.Rows(rows, missing) {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ChannelName, r.Date, r.Cost, r.IHC, r.IHCRevenue, r.CPO, r.ROAS)
	}
	t := report.Totals(rows)
	_, _ = fmt.Fprintf(w, "TOTAL\t\t%.2f\t%.4f\t%.2f\t\t\n", t.Cost, t.IHC, t.IHCRevenue)
	_ = w.Flush()
}

func init() {
	reportCmd.Flags().String("output", "", "output path; .xlsx selects Excel (default from config)")
	reportCmd.Flags().Bool("print", false, "also print the report to stdout")
	rootCmd.AddCommand(reportCmd)
}
