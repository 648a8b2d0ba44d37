package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/attribution-cli/internal/metrics"
	"github.com/sells-group/attribution-cli/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run attribution end to end",
	Long:  "Extracts journeys, submits them in batches to the IHC scoring service, stores the weights and builds the channel report. Ctrl-C stops new submissions and lets in-flight batches finish.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		applyFlags(cmd)

		format, _ := cmd.Flags().GetString("summary")
		if err := checkSummaryFormat(format); err != nil {
			return err
		}

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		summary, runErr := env.Pipeline.Run(ctx)
		pushMetrics(env.Metrics)

		if summary != nil {
			if err := writeSummary(os.Stdout, format, summary); err != nil {
				return err
			}
		}
		return runErr
	},
}

// pushMetrics sends run metrics to the configured Pushgateway, if any.
func pushMetrics(m *metrics.Metrics) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Push(ctx, cfg.Metrics.PushURL, cfg.Metrics.Job); err != nil {
		zap.L().Warn("metrics push failed", zap.Error(err))
	}
}

func checkSummaryFormat(format string) error {
	switch format {
	case "json", "yaml":
		return nil
	default:
		return eris.Errorf("unknown summary format %q (want json or yaml)", format)
	}
}

// writeSummary renders a run summary as json or yaml.
func writeSummary(w io.Writer, format string, s *model.RunSummary) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return eris.Wrap(err, "encode summary")
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(s), "encode summary")
	default:
		return checkSummaryFormat(format)
	}
}

func init() {
	addRangeFlags(runCmd)
	runCmd.Flags().Int("concurrency", 0, "concurrent batch submissions (default from config)")
	runCmd.Flags().String("output", "", "channel report output path (default from config)")
	runCmd.Flags().String("summary", "json", "run summary format: json or yaml")
	rootCmd.AddCommand(runCmd)
}
