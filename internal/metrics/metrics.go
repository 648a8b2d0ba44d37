// Package metrics exposes Prometheus instrumentation for attribution runs.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rotisserie/eris"
)

const namespace = "attribution"

// Batch outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Metrics holds the run instrumentation on a private registry so tests and
// repeated runs in one process do not collide on the default registerer.
type Metrics struct {
	Registry *prometheus.Registry

	Batches       *prometheus.CounterVec
	BatchDuration prometheus.Histogram
	Weights       prometheus.Counter
	Anomalies     prometheus.Counter
	Excluded      prometheus.Counter
	ReportRows    prometheus.Gauge
	RunDuration   *prometheus.HistogramVec
}

// New creates and registers the run metrics.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches submitted to the scoring service by outcome.",
		}, []string{"outcome"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one batch submission including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		Weights: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weights_total",
			Help:      "Attribution weights received.",
		}),
		Anomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Conversions whose weights do not sum to one.",
		}),
		Excluded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "excluded_journeys_total",
			Help:      "Journeys too large for any batch.",
		}),
		ReportRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "report_rows",
			Help:      "Rows in the last channel report.",
		}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a pipeline run by final status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"status"}),
	}
	m.Registry.MustRegister(
		m.Batches,
		m.BatchDuration,
		m.Weights,
		m.Anomalies,
		m.Excluded,
		m.ReportRows,
		m.RunDuration,
	)
	return m
}

// ObserveBatch records one batch outcome. A nil receiver is a no-op.
func (m *Metrics) ObserveBatch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(outcome).Inc()
	if outcome != OutcomeSkipped {
		m.BatchDuration.Observe(d.Seconds())
	}
}

// AddWeights counts received weights. A nil receiver is a no-op.
func (m *Metrics) AddWeights(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Weights.Add(float64(n))
}

// ObserveRun records the run-level outcome. A nil receiver is a no-op.
func (m *Metrics) ObserveRun(status string, d time.Duration, excluded, anomalies, reportRows int) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(status).Observe(d.Seconds())
	m.Excluded.Add(float64(excluded))
	m.Anomalies.Add(float64(anomalies))
	m.ReportRows.Set(float64(reportRows))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Push sends the registry to a Pushgateway. An empty url is a no-op.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	if job == "" {
		job = namespace
	}
	err := push.New(url, job).Gatherer(m.Registry).PushContext(ctx)
	return eris.Wrapf(err, "metrics: push to %s", url)
}
