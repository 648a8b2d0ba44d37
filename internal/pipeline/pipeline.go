// Package pipeline orchestrates an attribution run: extract journeys, pack
// them into batches, score them, reconcile the weights and build the channel
// report.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/attribution-cli/internal/attribution"
	"github.com/sells-group/attribution-cli/internal/metrics"
	"github.com/sells-group/attribution-cli/internal/model"
	"github.com/sells-group/attribution-cli/internal/packer"
	"github.com/sells-group/attribution-cli/internal/payload"
	"github.com/sells-group/attribution-cli/internal/reconcile"
	"github.com/sells-group/attribution-cli/internal/report"
	"github.com/sells-group/attribution-cli/internal/resilience"
	"github.com/sells-group/attribution-cli/internal/store"
	"github.com/sells-group/attribution-cli/pkg/ihc"
)

// ErrInterrupted is returned when a run stops early because its context was
// cancelled.
var ErrInterrupted = eris.New("pipeline: run interrupted")

// Options configures a run.
type Options struct {
	DateRange   model.DateRange
	Limits      packer.Limits
	ConvTypeID  string
	Concurrency int
	Tolerance   float64
	Fallback    reconcile.Fallback
	Retry       resilience.RetryConfig
	Breaker     *resilience.CircuitBreaker
	Report      ReportOptions
}

// ReportOptions configures the channel report export. An empty OutputPath
// skips the file export; the table is still written.
type ReportOptions struct {
	OutputPath   string
	Format       report.Format
	MissingValue string
}

// Pipeline runs attribution end to end against a store and a scoring client.
type Pipeline struct {
	store   store.Store
	client  ihc.Client
	sink    payload.Sink
	metrics *metrics.Metrics
	opts    Options
}

// New creates a Pipeline. client and sink may be nil for read-only use
// (Journeys, Plan, Export); m may be nil.
func New(st store.Store, client ihc.Client, sink payload.Sink, m *metrics.Metrics, opts Options) *Pipeline {
	return &Pipeline{store: st, client: client, sink: sink, metrics: m, opts: opts}
}

func (p *Pipeline) submitter() *attribution.Submitter {
	return attribution.NewSubmitter(p.client, p.sink, p.store, attribution.Options{
		ConvTypeID:  p.opts.ConvTypeID,
		Concurrency: p.opts.Concurrency,
		Retry:       p.opts.Retry,
		Breaker:     p.opts.Breaker,
		Metrics:     p.metrics,
	})
}

// Journeys extracts touchpoints in the configured date range and groups them
// into journeys.
func (p *Pipeline) Journeys(ctx context.Context) ([]model.Journey, model.GroupStats, error) {
	tps, err := p.store.Journeys(ctx, p.opts.DateRange)
	if err != nil {
		return nil, model.GroupStats{}, eris.Wrap(err, "pipeline: extract journeys")
	}
	journeys, stats := model.GroupJourneys(tps)
	zap.L().Info("pipeline: journeys extracted",
		zap.Int("rows", len(tps)),
		zap.Int("journeys", len(journeys)),
		zap.Int("touchpoints", stats.Touchpoints),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("invalid", stats.Invalid),
	)
	return journeys, stats, nil
}

// PlanResult is the dry-run view of a run.
type PlanResult struct {
	Journeys []model.Journey   `json:"-"`
	Group    model.GroupStats  `json:"group"`
	Plan     packer.Plan       `json:"-"`
	Stats    packer.Stats      `json:"stats"`
	Excluded []model.Exclusion `json:"excluded,omitempty"`
}

// Plan extracts and packs journeys without calling the scoring service.
func (p *Pipeline) Plan(ctx context.Context) (*PlanResult, error) {
	journeys, gstats, err := p.Journeys(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := packer.Pack(journeys, p.opts.Limits)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: pack")
	}
	for _, e := range plan.Excluded {
		zap.L().Warn("pipeline: journey exceeds batch limit, excluded",
			zap.String("conversion_id", e.ConversionID),
			zap.Int("size", e.Size),
			zap.Int("limit", e.Limit),
		)
	}
	return &PlanResult{
		Journeys: journeys,
		Group:    gstats,
		Plan:     plan,
		Stats:    plan.Stats(p.opts.Limits),
		Excluded: plan.Excluded,
	}, nil
}

// Run executes a full attribution run and returns its summary. The summary
// is returned (and stored on the run) even when the run fails.
func (p *Pipeline) Run(ctx context.Context) (*model.RunSummary, error) {
	start := time.Now()

	run, err := p.store.CreateRun(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log := zap.L().With(zap.String("run_id", run.ID))
	log.Info("pipeline: starting run",
		zap.String("strategy", string(p.opts.Limits.Strategy)),
		zap.String("start_date", p.opts.DateRange.StartString()),
		zap.String("end_date", p.opts.DateRange.EndString()),
	)

	summary := &model.RunSummary{
		RunID:     run.ID,
		Strategy:  string(p.opts.Limits.Strategy),
		StartDate: p.opts.DateRange.StartString(),
		EndDate:   p.opts.DateRange.EndString(),
	}

	// Run bookkeeping survives an interrupt.
	bg := context.WithoutCancel(ctx)
	setStatus := func(status model.RunStatus) {
		if statusErr := p.store.UpdateRunStatus(bg, run.ID, status); statusErr != nil {
			log.Warn("pipeline: failed to update status", zap.Error(statusErr))
		}
	}
	finish := func(runErr error) (*model.RunSummary, error) {
		summary.DurationMs = time.Since(start).Milliseconds()
		status := model.RunStatusComplete
		if runErr != nil {
			status = model.RunStatusFailed
			if err := p.store.FailRun(bg, run.ID, runErr, summary); err != nil {
				log.Warn("pipeline: failed to record run failure", zap.Error(err))
			}
			log.Error("pipeline: run failed", zap.Error(runErr), zap.Int64("duration_ms", summary.DurationMs))
		} else {
			if err := p.store.CompleteRun(bg, run.ID, summary); err != nil {
				log.Warn("pipeline: failed to complete run", zap.Error(err))
			}
			log.Info("pipeline: run complete",
				zap.Int("batches", summary.Batches),
				zap.Int("weights", summary.Weights),
				zap.Int("report_rows", summary.ReportRows),
				zap.Int64("duration_ms", summary.DurationMs),
			)
		}
		p.metrics.ObserveRun(string(status), time.Since(start), summary.ExcludedJourneys, summary.Anomalies, summary.ReportRows)
		return summary, runErr
	}

	// Extract and pack.
	setStatus(model.RunStatusExtracting)
	planned, err := p.Plan(ctx)
	if err != nil {
		return finish(err)
	}
	summary.Touchpoints = planned.Group.Touchpoints
	summary.Conversions = len(planned.Journeys)
	summary.Batches = len(planned.Plan.Batches)
	summary.ExcludedJourneys = len(planned.Excluded)
	summary.Excluded = planned.Excluded

	if len(planned.Journeys) == 0 {
		log.Warn("pipeline: no journeys in range, nothing to attribute")
		return finish(nil)
	}

	// Score.
	setStatus(model.RunStatusSubmitting)
	res := p.submitter().Submit(ctx, run.ID, planned.Plan.Batches)
	summary.FailedBatches = len(res.Failed)
	summary.SkippedBatches = len(res.Skipped)
	summary.DuplicateWeights = res.Weights.Duplicates()

	// Reconcile.
	setStatus(model.RunStatusReconciling)
	if fallback := reconcile.FallbackWeights(p.opts.Fallback, planned.Journeys, planned.Excluded); len(fallback) > 0 {
		res.Weights.Add(fallback...)
		summary.FallbackWeights = len(fallback)
		log.Info("pipeline: fallback weights assigned to excluded journeys", zap.Int("weights", len(fallback)))
	}
	weights := res.Weights.Weights()
	summary.Weights = len(weights)

	rep := reconcile.Validate(weights, p.opts.Tolerance)
	rep.Log(log)
	summary.Anomalies = len(rep.Anomalies)

	if len(res.Skipped) > 0 {
		// Keep what was collected without discarding weights from earlier runs.
		if len(weights) > 0 {
			if err := p.store.UpsertAttribution(bg, weights); err != nil {
				log.Warn("pipeline: persist partial weights", zap.Error(err))
			}
		}
		return finish(ErrInterrupted)
	}

	if len(weights) == 0 {
		log.Warn("pipeline: no attribution data returned, skipping weight write and report",
			zap.Int("failed_batches", summary.FailedBatches),
		)
		return finish(nil)
	}

	// Submission is over; the output writes complete even if an interrupt
	// arrives now.
	if err := p.store.ReplaceAttribution(bg, weights); err != nil {
		return finish(eris.Wrap(err, "pipeline: persist weights"))
	}

	// Aggregate.
	setStatus(model.RunStatusAggregating)
	rows, err := p.buildReport(bg, weights)
	if err != nil {
		return finish(err)
	}
	summary.ReportRows = len(rows)
	summary.OutputPath = p.opts.Report.OutputPath

	return finish(nil)
}

// buildReport aggregates weights against the session facts, replaces the
// channel report table and exports it.
func (p *Pipeline) buildReport(ctx context.Context, weights []model.AttributionWeight) ([]model.ChannelMetric, error) {
	sessions, err := p.store.SessionFacts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load session facts")
	}
	costs, err := p.store.SessionCosts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load session costs")
	}
	revenue, err := p.store.ConversionRevenue(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load conversion revenue")
	}

	rows := report.Aggregate(report.Facts{Sessions: sessions, Costs: costs, Revenue: revenue}, weights)
	if err := p.store.ReplaceChannelReport(ctx, rows); err != nil {
		return nil, eris.Wrap(err, "pipeline: persist channel report")
	}

	if err := p.export(rows); err != nil {
		return nil, err
	}
	totals := report.Totals(rows)
	zap.L().Info("pipeline: channel report built",
		zap.Int("rows", len(rows)),
		zap.Float64("cost", totals.Cost),
		zap.Float64("ihc", totals.IHC),
		zap.Float64("ihc_revenue", totals.IHCRevenue),
	)
	return rows, nil
}

func (p *Pipeline) export(rows []model.ChannelMetric) error {
	path := p.opts.Report.OutputPath
	if path == "" {
		return nil
	}
	if err := report.WriteFile(path, p.opts.Report.Format, rows, p.opts.Report.MissingValue); err != nil {
		return eris.Wrap(err, "pipeline: export report")
	}
	zap.L().Info("pipeline: report exported", zap.String("path", path))
	return nil
}

// Export writes the persisted channel report to the configured output path.
func (p *Pipeline) Export(ctx context.Context) ([]model.ChannelMetric, error) {
	rows, err := p.store.ChannelReport(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load channel report")
	}
	if p.opts.Report.OutputPath == "" {
		return nil, eris.New("pipeline: export: no output path")
	}
	if err := p.export(rows); err != nil {
		return nil, err
	}
	return rows, nil
}
