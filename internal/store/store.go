// Package store reads customer journeys and session facts from the challenge
// database and persists attribution outputs and run history.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/attribution-cli/internal/model"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the attribution pipeline.
type Store interface {
	// Source data
	Journeys(ctx context.Context, dr model.DateRange) ([]model.Touchpoint, error)
	SessionFacts(ctx context.Context) ([]model.SessionFact, error)
	SessionCosts(ctx context.Context) (map[string]float64, error)
	ConversionRevenue(ctx context.Context) (map[string]float64, error)

	// Attribution weights
	ReplaceAttribution(ctx context.Context, weights []model.AttributionWeight) error
	UpsertAttribution(ctx context.Context, weights []model.AttributionWeight) error
	Attribution(ctx context.Context) ([]model.AttributionWeight, error)

	// Channel report
	ReplaceChannelReport(ctx context.Context, metrics []model.ChannelMetric) error
	ChannelReport(ctx context.Context) ([]model.ChannelMetric, error)

	// Runs
	CreateRun(ctx context.Context) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, summary *model.RunSummary) error
	FailRun(ctx context.Context, runID string, runErr error, summary *model.RunSummary) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Failed batches
	RecordFailedBatch(ctx context.Context, fb model.FailedBatch) error
	ListFailedBatches(ctx context.Context, runID string) ([]model.FailedBatch, error)
	DeleteFailedBatch(ctx context.Context, runID string, batchIndex int) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Output table names.
const (
	TableAttribution   = "attribution_customer_journey"
	TableChannelReport = "channel_reporting"
	TableRuns          = "attribution_runs"
	TableFailedBatches = "attribution_failed_batches"
)

var (
	attributionColumns   = []string{"conv_id", "session_id", "ihc"}
	channelReportColumns = []string{"channel_name", "date", "cost", "ihc", "ihc_revenue"}
)

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
