package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/attribution-cli/internal/model"
	"github.com/sells-group/attribution-cli/internal/reconcile"
)

// Replay re-submits the failed batches of runID from their persisted
// payloads, merges recovered weights into the attribution table and
// rebuilds the channel report from the full table. When the run wrote no
// weights and none of its batches have been recovered yet, the recovered
// weights replace the table so rows left by an earlier run are not mixed in.
func (p *Pipeline) Replay(ctx context.Context, runID string) (*model.RunSummary, error) {
	start := time.Now()
	log := zap.L().With(zap.String("run_id", runID))

	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: replay %s", runID)
	}
	failed, err := p.store.ListFailedBatches(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list failed batches")
	}

	summary := &model.RunSummary{RunID: runID, Strategy: "replay", Batches: len(failed)}
	if len(failed) == 0 {
		log.Info("pipeline: no failed batches to replay")
		summary.DurationMs = time.Since(start).Milliseconds()
		return summary, nil
	}
	log.Info("pipeline: replaying failed batches", zap.Int("batches", len(failed)))

	res := p.submitter().Replay(ctx, runID, failed)
	weights := res.Weights.Weights()
	summary.FailedBatches = len(res.Failed)
	summary.SkippedBatches = len(res.Skipped)
	summary.Weights = len(weights)
	summary.DuplicateWeights = res.Weights.Duplicates()

	if len(weights) == 0 {
		log.Warn("pipeline: replay recovered no weights", zap.Int("failed_batches", summary.FailedBatches))
		summary.DurationMs = time.Since(start).Milliseconds()
		return summary, nil
	}

	bg := context.WithoutCancel(ctx)
	write := p.store.UpsertAttribution
	if replacesOutput(run, failed) {
		log.Info("pipeline: run wrote no weights, replacing attribution table")
		write = p.store.ReplaceAttribution
	}
	if err := write(bg, weights); err != nil {
		return summary, eris.Wrap(err, "pipeline: merge replayed weights")
	}
	if len(res.Skipped) > 0 {
		summary.DurationMs = time.Since(start).Milliseconds()
		return summary, ErrInterrupted
	}

	all, err := p.store.Attribution(bg)
	if err != nil {
		return summary, eris.Wrap(err, "pipeline: load attribution")
	}
	rep := reconcile.Validate(all, p.opts.Tolerance)
	rep.Log(log)
	summary.Conversions = rep.Conversions
	summary.Anomalies = len(rep.Anomalies)

	rows, err := p.buildReport(bg, all)
	if err != nil {
		return summary, err
	}
	summary.ReportRows = len(rows)
	summary.OutputPath = p.opts.Report.OutputPath
	summary.DurationMs = time.Since(start).Milliseconds()

	log.Info("pipeline: replay complete",
		zap.Int("recovered_weights", summary.Weights),
		zap.Int("still_failed", summary.FailedBatches),
	)
	return summary, nil
}

// replacesOutput reports whether run never persisted weights of its own and
// every one of its batches is still awaiting replay.
func replacesOutput(run *model.Run, failed []model.FailedBatch) bool {
	if run.Summary == nil || run.Summary.Weights > 0 {
		return false
	}
	return len(failed) == run.Summary.Batches
}
