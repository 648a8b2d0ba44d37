package model

import "time"

// RunStatus represents the current state of an attribution run.
type RunStatus string

const (
	RunStatusQueued      RunStatus = "queued"
	RunStatusExtracting  RunStatus = "extracting"
	RunStatusSubmitting  RunStatus = "submitting"
	RunStatusReconciling RunStatus = "reconciling"
	RunStatusAggregating RunStatus = "aggregating"
	RunStatusComplete    RunStatus = "complete"
	RunStatusFailed      RunStatus = "failed"
)

// Run represents a single attribution pipeline run.
type Run struct {
	ID        string      `json:"id"`
	Status    RunStatus   `json:"status"`
	Summary   *RunSummary `json:"summary,omitempty"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// RunSummary is the operator-facing outcome of a run.
type RunSummary struct {
	RunID            string      `json:"run_id" yaml:"run_id"`
	Strategy         string      `json:"strategy" yaml:"strategy"`
	StartDate        string      `json:"start_date,omitempty" yaml:"start_date,omitempty"`
	EndDate          string      `json:"end_date,omitempty" yaml:"end_date,omitempty"`
	Touchpoints      int         `json:"touchpoints" yaml:"touchpoints"`
	Conversions      int         `json:"conversions" yaml:"conversions"`
	Batches          int         `json:"batches" yaml:"batches"`
	ExcludedJourneys int         `json:"excluded_journeys" yaml:"excluded_journeys"`
	Excluded         []Exclusion `json:"excluded,omitempty" yaml:"excluded,omitempty"`
	FailedBatches    int         `json:"failed_batches" yaml:"failed_batches"`
	SkippedBatches   int         `json:"skipped_batches" yaml:"skipped_batches"`
	Weights          int         `json:"weights" yaml:"weights"`
	DuplicateWeights int         `json:"duplicate_weights" yaml:"duplicate_weights"`
	FallbackWeights  int         `json:"fallback_weights" yaml:"fallback_weights"`
	Anomalies        int         `json:"anomalies" yaml:"anomalies"`
	ReportRows       int         `json:"report_rows" yaml:"report_rows"`
	OutputPath       string      `json:"output_path,omitempty" yaml:"output_path,omitempty"`
	DurationMs       int64       `json:"duration_ms" yaml:"duration_ms"`
}

// FailedBatch records a batch whose submission failed so it can be replayed
// from its persisted payload.
type FailedBatch struct {
	RunID       string    `json:"run_id"`
	BatchIndex  int       `json:"batch_index"`
	PayloadKey  string    `json:"payload_key"`
	Error       string    `json:"error"`
	ErrorType   string    `json:"error_type"` // "transient" or "permanent"
	Conversions int       `json:"conversions"`
	CreatedAt   time.Time `json:"created_at"`
}
