package attribution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/attribution-cli/internal/metrics"
	"github.com/sells-group/attribution-cli/internal/model"
	"github.com/sells-group/attribution-cli/internal/payload"
	"github.com/sells-group/attribution-cli/internal/reconcile"
	"github.com/sells-group/attribution-cli/internal/resilience"
	"github.com/sells-group/attribution-cli/pkg/ihc"
)

// FailureStore persists failed batches for later replay.
type FailureStore interface {
	RecordFailedBatch(ctx context.Context, fb model.FailedBatch) error
	DeleteFailedBatch(ctx context.Context, runID string, batchIndex int) error
}

// Options tunes a Submitter.
type Options struct {
	ConvTypeID  string
	Concurrency int
	Retry       resilience.RetryConfig
	// Breaker is optional. When set, batches fail fast while it is open.
	Breaker *resilience.CircuitBreaker
	Metrics *metrics.Metrics
}

// Submitter sends batches to the scoring service through a bounded worker
// pool. Per-batch failures never abort the run.
type Submitter struct {
	client   ihc.Client
	sink     payload.Sink
	failures FailureStore
	opts     Options
}

// NewSubmitter creates a Submitter. failures may be nil.
func NewSubmitter(client ihc.Client, sink payload.Sink, failures FailureStore, opts Options) *Submitter {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.ConvTypeID == "" {
		opts.ConvTypeID = "all_markets"
	}
	return &Submitter{client: client, sink: sink, failures: failures, opts: opts}
}

// Result is the outcome of a submission pass.
type Result struct {
	Weights   *reconcile.WeightSet
	Succeeded []int
	Failed    []model.FailedBatch
	Skipped   []int
	// Unexpected counts returned weights whose conversion was not in the batch.
	Unexpected int

	mu sync.Mutex
}

func (r *Result) succeed(index int) {
	r.mu.Lock()
	r.Succeeded = append(r.Succeeded, index)
	r.mu.Unlock()
}

func (r *Result) fail(fb model.FailedBatch) {
	r.mu.Lock()
	r.Failed = append(r.Failed, fb)
	r.mu.Unlock()
}

func (r *Result) skip(index int) {
	r.mu.Lock()
	r.Skipped = append(r.Skipped, index)
	r.mu.Unlock()
}

func (r *Result) unexpected(n int) {
	r.mu.Lock()
	r.Unexpected += n
	r.mu.Unlock()
}

// sortIndexes orders the per-batch lists by batch index.
func (r *Result) sortIndexes() {
	sort.Ints(r.Succeeded)
	sort.Ints(r.Skipped)
	sort.Slice(r.Failed, func(i, j int) bool { return r.Failed[i].BatchIndex < r.Failed[j].BatchIndex })
}

// job is one unit of submission work: a batch built fresh or a persisted
// payload being replayed.
type job struct {
	index int
	req   ihc.Request
	// persisted is set when the payload already exists under key.
	persisted bool
	key       string
}

// Submit persists and sends every batch. Once ctx is cancelled no further
// batches start; in-flight requests finish on a detached context bounded by
// the HTTP client timeout and the rest are reported as skipped.
func (s *Submitter) Submit(ctx context.Context, runID string, batches []model.Batch) *Result {
	jobs := make([]job, len(batches))
	for i, b := range batches {
		jobs[i] = job{
			index: b.Index,
			req:   BuildRequest(b),
			key:   payload.Key(runID, b.Index),
		}
	}
	return s.run(ctx, runID, jobs, false)
}

// Replay re-sends previously failed batches from their persisted payloads.
// Batches that succeed are removed from the failed-batch table.
func (s *Submitter) Replay(ctx context.Context, runID string, failed []model.FailedBatch) *Result {
	res := &Result{Weights: reconcile.NewWeightSet()}
	var jobs []job
	for _, fb := range failed {
		data, err := s.sink.Get(ctx, fb.PayloadKey)
		if err == nil {
			var req ihc.Request
			req, err = DecodeRequest(data)
			if err == nil {
				jobs = append(jobs, job{index: fb.BatchIndex, req: req, key: fb.PayloadKey, persisted: true})
				continue
			}
		}
		zap.L().Error("attribution: load payload for replay",
			zap.String("run_id", runID),
			zap.Int("batch", fb.BatchIndex),
			zap.String("payload_key", fb.PayloadKey),
			zap.Error(err),
		)
		fb.Error = err.Error()
		fb.ErrorType = "permanent"
		res.fail(fb)
	}

	out := s.run(ctx, runID, jobs, true)
	out.Failed = append(out.Failed, res.Failed...)
	out.sortIndexes()
	return out
}

func (s *Submitter) run(ctx context.Context, runID string, jobs []job, replay bool) *Result {
	res := &Result{Weights: reconcile.NewWeightSet()}
	log := zap.L().With(zap.String("run_id", runID))

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)

	for _, j := range jobs {
		if ctx.Err() != nil {
			res.skip(j.index)
			s.opts.Metrics.ObserveBatch(metrics.OutcomeSkipped, 0)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				res.skip(j.index)
				s.opts.Metrics.ObserveBatch(metrics.OutcomeSkipped, 0)
				return nil
			}
			s.process(ctx, log, runID, j, replay, res)
			return nil
		})
	}
	_ = g.Wait()

	res.sortIndexes()
	if len(res.Skipped) > 0 {
		log.Warn("attribution: submission interrupted",
			zap.Int("skipped", len(res.Skipped)),
			zap.Int("succeeded", len(res.Succeeded)),
			zap.Int("failed", len(res.Failed)),
		)
	}
	return res
}

func (s *Submitter) process(ctx context.Context, log *zap.Logger, runID string, j job, replay bool, res *Result) {
	start := time.Now()
	log = log.With(zap.Int("batch", j.index), zap.Int("touchpoints", len(j.req.CustomerJourneys)))

	// Detached so an interrupt lets the in-flight batch finish and be
	// recorded; the HTTP client timeout still bounds it.
	work := context.WithoutCancel(ctx)

	fail := func(stage string, err error) {
		log.Error("attribution: batch failed", zap.String("stage", stage), zap.Error(err))
		fb := model.FailedBatch{
			RunID:       runID,
			BatchIndex:  j.index,
			PayloadKey:  j.key,
			Error:       err.Error(),
			ErrorType:   resilience.ClassifyError(err),
			Conversions: conversionsIn(j.req),
			CreatedAt:   time.Now().UTC(),
		}
		if s.failures != nil {
			if recErr := s.failures.RecordFailedBatch(work, fb); recErr != nil {
				log.Warn("attribution: record failed batch", zap.Error(recErr))
			}
		}
		res.fail(fb)
		s.opts.Metrics.ObserveBatch(metrics.OutcomeFailed, time.Since(start))
	}

	if !j.persisted {
		data, err := EncodeRequest(j.req)
		if err != nil {
			fail("encode", err)
			return
		}
		location, err := s.sink.Put(work, j.key, data)
		if err != nil {
			fail("persist", err)
			return
		}
		log.Debug("attribution: payload persisted", zap.String("location", location))
	}

	resp, err := s.send(ctx, work, log, j)
	if err != nil {
		fail("send", err)
		return
	}

	weights := toWeights(resp)
	if extra := countUnexpected(j, weights); extra > 0 {
		log.Warn("attribution: response carries conversions outside the batch", zap.Int("weights", extra))
		res.unexpected(extra)
	}
	if dups := res.Weights.Add(weights...); dups > 0 {
		log.Warn("attribution: duplicate weight keys in response", zap.Int("duplicates", dups))
	}
	res.succeed(j.index)
	s.opts.Metrics.AddWeights(len(weights))
	s.opts.Metrics.ObserveBatch(metrics.OutcomeSuccess, time.Since(start))

	if replay && s.failures != nil {
		if err := s.failures.DeleteFailedBatch(work, runID, j.index); err != nil {
			log.Warn("attribution: clear replayed batch", zap.Error(err))
		}
	}
	log.Info("attribution: batch scored", zap.Int("weights", len(weights)), zap.Duration("elapsed", time.Since(start)))
}

// send calls the scoring service with retry and the optional breaker. Retry
// backoff observes ctx so an interrupt stops further attempts, while each
// attempt runs on the detached work context.
func (s *Submitter) send(ctx, work context.Context, log *zap.Logger, j job) (*ihc.Response, error) {
	retry := s.opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("compute_ihc", zap.Int("batch", j.index))
	}

	call := func(context.Context) (*ihc.Response, error) {
		return s.client.ComputeIHC(work, s.opts.ConvTypeID, j.req)
	}
	attempt := call
	if s.opts.Breaker != nil {
		attempt = func(c context.Context) (*ihc.Response, error) {
			return resilience.ExecuteVal(c, s.opts.Breaker, call)
		}
	}

	resp, err := resilience.DoVal(ctx, retry, attempt)
	if err != nil {
		return nil, eris.Wrapf(err, "attribution: batch %d", j.index)
	}
	log.Debug("attribution: response received", zap.Int("values", len(resp.Value)))
	return resp, nil
}

func countUnexpected(j job, weights []model.AttributionWeight) int {
	allowed := make(map[string]struct{}, len(j.req.CustomerJourneys))
	for _, tp := range j.req.CustomerJourneys {
		allowed[tp.ConversionID] = struct{}{}
	}
	n := 0
	for _, w := range weights {
		if _, ok := allowed[w.ConversionID]; !ok {
			n++
		}
	}
	return n
}
