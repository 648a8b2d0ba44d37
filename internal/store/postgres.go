package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/attribution-cli/internal/db"
	"github.com/sells-group/attribution-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS attribution_customer_journey (
	conv_id    TEXT NOT NULL,
	session_id TEXT NOT NULL,
	ihc        DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (conv_id, session_id)
);

CREATE TABLE IF NOT EXISTS channel_reporting (
	channel_name TEXT NOT NULL,
	date         TEXT NOT NULL,
	cost         DOUBLE PRECISION NOT NULL DEFAULT 0,
	ihc          DOUBLE PRECISION NOT NULL DEFAULT 0,
	ihc_revenue  DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (channel_name, date)
);

CREATE TABLE IF NOT EXISTS attribution_runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	status     TEXT NOT NULL DEFAULT 'queued',
	summary    JSONB,
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS attribution_failed_batches (
	run_id      TEXT NOT NULL REFERENCES attribution_runs(id),
	batch_index INTEGER NOT NULL,
	payload_key TEXT NOT NULL,
	error       TEXT NOT NULL,
	error_type  TEXT NOT NULL DEFAULT 'transient',
	conversions INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, batch_index)
);

CREATE INDEX IF NOT EXISTS idx_attribution_runs_status ON attribution_runs(status);
CREATE INDEX IF NOT EXISTS idx_attribution_runs_created_at ON attribution_runs(created_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// -- source data --

func (s *PostgresStore) Journeys(ctx context.Context, dr model.DateRange) ([]model.Touchpoint, error) {
	query, args := journeysQuery(dr, postgresPlaceholder)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query journeys")
	}
	defer rows.Close()

	var out []model.Touchpoint
	for rows.Next() {
		var (
			convID, sessionID, ts, channel string
			holder, closer, impression     int64
			revenue                        float64
		)
		if err := rows.Scan(&convID, &sessionID, &ts, &channel, &holder, &closer, &impression, &revenue); err != nil {
			return nil, eris.Wrap(err, "postgres: scan touchpoint")
		}
		out = append(out, touchpointFromRow(convID, sessionID, ts, channel, holder, closer, impression, revenue))
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate journeys")
}

func (s *PostgresStore) SessionFacts(ctx context.Context) ([]model.SessionFact, error) {
	rows, err := s.pool.Query(ctx, sessionFactsQuery)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query session facts")
	}
	defer rows.Close()

	var out []model.SessionFact
	for rows.Next() {
		var f model.SessionFact
		if err := rows.Scan(&f.SessionID, &f.ChannelName, &f.Date); err != nil {
			return nil, eris.Wrap(err, "postgres: scan session fact")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate session facts")
}

func (s *PostgresStore) SessionCosts(ctx context.Context) (map[string]float64, error) {
	return s.floatMap(ctx, sessionCostsQuery, "session costs")
}

func (s *PostgresStore) ConversionRevenue(ctx context.Context) (map[string]float64, error) {
	return s.floatMap(ctx, conversionRevenueQuery, "conversion revenue")
}

func (s *PostgresStore) floatMap(ctx context.Context, query, what string) (map[string]float64, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query %s", what)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var k string
		var v float64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", what)
		}
		out[k] = v
	}
	return out, eris.Wrapf(rows.Err(), "postgres: iterate %s", what)
}

// -- attribution --

func weightRows(weights []model.AttributionWeight) [][]any {
	rows := make([][]any, len(weights))
	for i, w := range weights {
		rows[i] = []any{w.ConversionID, w.SessionID, w.IHC}
	}
	return rows
}

func (s *PostgresStore) ReplaceAttribution(ctx context.Context, weights []model.AttributionWeight) error {
	_, err := db.ReplaceAll(ctx, s.pool, TableAttribution, attributionColumns, weightRows(weights))
	return eris.Wrap(err, "postgres: replace attribution")
}

func (s *PostgresStore) UpsertAttribution(ctx context.Context, weights []model.AttributionWeight) error {
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        TableAttribution,
		Columns:      attributionColumns,
		ConflictKeys: []string{"conv_id", "session_id"},
	}, weightRows(weights))
	return eris.Wrap(err, "postgres: upsert attribution")
}

func (s *PostgresStore) Attribution(ctx context.Context) ([]model.AttributionWeight, error) {
	rows, err := s.pool.Query(ctx, attributionQuery)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query attribution")
	}
	defer rows.Close()

	var out []model.AttributionWeight
	for rows.Next() {
		var w model.AttributionWeight
		if err := rows.Scan(&w.ConversionID, &w.SessionID, &w.IHC); err != nil {
			return nil, eris.Wrap(err, "postgres: scan weight")
		}
		out = append(out, w)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate attribution")
}

// -- channel report --

func (s *PostgresStore) ReplaceChannelReport(ctx context.Context, metrics []model.ChannelMetric) error {
	rows := make([][]any, len(metrics))
	for i, m := range metrics {
		rows[i] = []any{m.ChannelName, m.Date, m.Cost, m.IHC, m.IHCRevenue}
	}
	_, err := db.ReplaceAll(ctx, s.pool, TableChannelReport, channelReportColumns, rows)
	return eris.Wrap(err, "postgres: replace channel report")
}

func (s *PostgresStore) ChannelReport(ctx context.Context) ([]model.ChannelMetric, error) {
	rows, err := s.pool.Query(ctx, channelReportQuery)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query channel report")
	}
	defer rows.Close()

	var out []model.ChannelMetric
	for rows.Next() {
		var m model.ChannelMetric
		if err := rows.Scan(&m.ChannelName, &m.Date, &m.Cost, &m.IHC, &m.IHCRevenue); err != nil {
			return nil, eris.Wrap(err, "postgres: scan report row")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate channel report")
}

// -- runs --

func (s *PostgresStore) CreateRun(ctx context.Context) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO attribution_runs (id, status, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		id, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE attribution_runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, summary *model.RunSummary) error {
	return s.finishRun(ctx, runID, model.RunStatusComplete, "", summary)
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, runErr error, summary *model.RunSummary) error {
	return s.finishRun(ctx, runID, model.RunStatusFailed, runErrorString(runErr), summary)
}

func (s *PostgresStore) finishRun(ctx context.Context, runID string, status model.RunStatus, errMsg string, summary *model.RunSummary) error {
	var summaryJSON []byte
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal run summary")
		}
		summaryJSON = b
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE attribution_runs SET status = $1, summary = $2, error = $3, updated_at = $4 WHERE id = $5`,
		string(status), summaryJSON, errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, summary, error, created_at, updated_at FROM attribution_runs WHERE id = $1`,
		runID,
	)
	r, err := scanPostgresRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, summary, error, created_at, updated_at FROM attribution_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPostgresRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status string
	var summaryJSON []byte

	if err := row.Scan(&r.ID, &status, &summaryJSON, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if len(summaryJSON) > 0 {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal(summaryJSON, r.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run summary")
		}
	}
	return &r, nil
}

// -- failed batches --

func (s *PostgresStore) RecordFailedBatch(ctx context.Context, fb model.FailedBatch) error {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO attribution_failed_batches (run_id, batch_index, payload_key, error, error_type, conversions, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (run_id, batch_index) DO UPDATE SET
			payload_key = EXCLUDED.payload_key,
			error = EXCLUDED.error,
			error_type = EXCLUDED.error_type,
			conversions = EXCLUDED.conversions,
			created_at = EXCLUDED.created_at`,
		fb.RunID, fb.BatchIndex, fb.PayloadKey, fb.Error, fb.ErrorType, fb.Conversions, fb.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: record failed batch %s/%d", fb.RunID, fb.BatchIndex)
}

func (s *PostgresStore) ListFailedBatches(ctx context.Context, runID string) ([]model.FailedBatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, batch_index, payload_key, error, error_type, conversions, created_at
		 FROM attribution_failed_batches WHERE run_id = $1 ORDER BY batch_index`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failed batches")
	}
	defer rows.Close()

	var out []model.FailedBatch
	for rows.Next() {
		var fb model.FailedBatch
		if err := rows.Scan(&fb.RunID, &fb.BatchIndex, &fb.PayloadKey, &fb.Error, &fb.ErrorType, &fb.Conversions, &fb.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failed batch")
		}
		out = append(out, fb)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate failed batches")
}

func (s *PostgresStore) DeleteFailedBatch(ctx context.Context, runID string, batchIndex int) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM attribution_failed_batches WHERE run_id = $1 AND batch_index = $2`,
		runID, batchIndex,
	)
	return eris.Wrapf(err, "postgres: delete failed batch %s/%d", runID, batchIndex)
}
