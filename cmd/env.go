package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/attribution-cli/internal/metrics"
	"github.com/sells-group/attribution-cli/internal/model"
	"github.com/sells-group/attribution-cli/internal/packer"
	"github.com/sells-group/attribution-cli/internal/payload"
	"github.com/sells-group/attribution-cli/internal/pipeline"
	"github.com/sells-group/attribution-cli/internal/reconcile"
	"github.com/sells-group/attribution-cli/internal/report"
	"github.com/sells-group/attribution-cli/internal/resilience"
	"github.com/sells-group/attribution-cli/internal/store"
	"github.com/sells-group/attribution-cli/pkg/ihc"
)

const defaultSQLitePath = "attribution.db"

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initSink(ctx context.Context) (payload.Sink, error) {
	switch cfg.Payload.Backend {
	case "", "file":
		return payload.NewFileSink(cfg.Payload.Dir), nil
	case "s3":
		return payload.NewS3Sink(ctx, cfg.Payload.S3Bucket, cfg.Payload.S3Prefix, cfg.Payload.S3Region)
	default:
		return nil, eris.Errorf("unsupported payload backend: %s", cfg.Payload.Backend)
	}
}

func initClient() ihc.Client {
	return ihc.NewClient(cfg.IHC.APIKey,
		ihc.WithBaseURL(cfg.IHC.BaseURL),
		ihc.WithTimeout(time.Duration(cfg.IHC.TimeoutSecs)*time.Second),
		ihc.WithRateLimit(cfg.IHC.RequestsPerSecond),
	)
}

// pipelineOptions translates the loaded config into pipeline options.
func pipelineOptions() (pipeline.Options, error) {
	a := cfg.Attribution

	dr, err := model.ParseDateRange(a.StartDate, a.EndDate)
	if err != nil {
		return pipeline.Options{}, err
	}
	strategy, err := packer.ParseStrategy(a.Strategy)
	if err != nil {
		return pipeline.Options{}, err
	}
	fallback, err := reconcile.ParseFallback(a.ExcludedFallback)
	if err != nil {
		return pipeline.Options{}, err
	}
	format := report.Format(cfg.Report.Format)
	if _, err := report.ResolveFormat(cfg.Report.OutputPath, format); err != nil {
		return pipeline.Options{}, err
	}

	r := cfg.Retry
	opts := pipeline.Options{
		DateRange: dr,
		Limits: packer.Limits{
			MaxItems:  a.MaxSessionsPerBatch,
			MaxGroups: a.MaxConversionsPerBatch,
			Strategy:  strategy,
		},
		ConvTypeID:  cfg.IHC.ConvTypeID,
		Concurrency: a.Concurrency,
		Tolerance:   a.Tolerance,
		Fallback:    fallback,
		Retry:       resilience.FromRetryConfig(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.JitterFraction),
		Report: pipeline.ReportOptions{
			OutputPath:   cfg.Report.OutputPath,
			Format:       format,
			MissingValue: cfg.Report.MissingValue,
		},
	}
	if cb := resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs); cb != nil {
		opts.Breaker = resilience.NewCircuitBreaker(*cb)
	}
	return opts, nil
}

// pipelineEnv holds the store, metrics and pipeline needed by the
// attribution commands.
type pipelineEnv struct {
	Store    store.Store
	Metrics  *metrics.Metrics
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates the config for mode, opens and migrates the store
// and builds the Pipeline. The scoring client and payload sink are only
// created for the "run" and "replay" modes. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	opts, err := pipelineOptions()
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env := &pipelineEnv{Store: st, Metrics: metrics.New()}

	var (
		client ihc.Client
		sink   payload.Sink
	)
	if mode == "run" || mode == "replay" {
		client = initClient()
		sink, err = initSink(ctx)
		if err != nil {
			env.Close()
			return nil, err
		}
	}

	env.Pipeline = pipeline.New(st, client, sink, env.Metrics, opts)
	return env, nil
}
