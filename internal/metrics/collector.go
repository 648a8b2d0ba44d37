package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sells-group/attribution-cli/internal/model"
	"github.com/sells-group/attribution-cli/internal/store"
)

var (
	runsDesc = prometheus.NewDesc(
		"attribution_runs",
		"Persisted runs by status.",
		[]string{"status"},
		nil,
	)
	failedBatchesDesc = prometheus.NewDesc(
		"attribution_last_run_failed_batches",
		"Failed batches recorded for the most recent run.",
		[]string{"run_id"},
		nil,
	)
)

// RunLister is the subset of store.Store read by RunCollector.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// RunCollector reads run history from the store on each scrape.
type RunCollector struct {
	runs    RunLister
	limit   int
	timeout time.Duration
}

// NewRunCollector creates a collector over the most recent limit runs.
func NewRunCollector(runs RunLister, limit int) *RunCollector {
	if limit <= 0 {
		limit = 1000
	}
	return &RunCollector{runs: runs, limit: limit, timeout: 5 * time.Second}
}

// Describe sends the metric descriptors to the channel.
func (c *RunCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- runsDesc
	ch <- failedBatchesDesc
}

// Collect lists recent runs and emits per-status gauges.
func (c *RunCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: c.limit})
	if err != nil {
		zap.L().Error("metrics: collect runs", zap.Error(err))
		return
	}

	counts := map[model.RunStatus]int{
		model.RunStatusQueued:   0,
		model.RunStatusComplete: 0,
		model.RunStatusFailed:   0,
	}
	for _, r := range runs {
		counts[r.Status]++
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(runsDesc, prometheus.GaugeValue, float64(n), string(status))
	}

	// ListRuns orders newest first.
	if len(runs) > 0 && runs[0].Summary != nil {
		ch <- prometheus.MustNewConstMetric(
			failedBatchesDesc,
			prometheus.GaugeValue,
			float64(runs[0].Summary.FailedBatches),
			runs[0].ID,
		)
	}
}
