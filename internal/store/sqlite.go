package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/attribution-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS attribution_customer_journey (
	conv_id    TEXT NOT NULL,
	session_id TEXT NOT NULL,
	ihc        REAL NOT NULL,
	PRIMARY KEY (conv_id, session_id)
);

CREATE TABLE IF NOT EXISTS channel_reporting (
	channel_name TEXT NOT NULL,
	date         TEXT NOT NULL,
	cost         REAL NOT NULL DEFAULT 0,
	ihc          REAL NOT NULL DEFAULT 0,
	ihc_revenue  REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (channel_name, date)
);

CREATE TABLE IF NOT EXISTS attribution_runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'queued',
	summary    TEXT,
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS attribution_failed_batches (
	run_id      TEXT NOT NULL REFERENCES attribution_runs(id),
	batch_index INTEGER NOT NULL,
	payload_key TEXT NOT NULL,
	error       TEXT NOT NULL,
	error_type  TEXT NOT NULL DEFAULT 'transient',
	conversions INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, batch_index)
);

CREATE INDEX IF NOT EXISTS idx_attribution_runs_status ON attribution_runs(status);
CREATE INDEX IF NOT EXISTS idx_attribution_runs_created_at ON attribution_runs(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// -- source data --

func (s *SQLiteStore) Journeys(ctx context.Context, dr model.DateRange) ([]model.Touchpoint, error) {
	query, args := journeysQuery(dr, sqlitePlaceholder)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query journeys")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Touchpoint
	for rows.Next() {
		var (
			convID, sessionID, ts, channel string
			holder, closer, impression     int64
			revenue                        float64
		)
		if err := rows.Scan(&convID, &sessionID, &ts, &channel, &holder, &closer, &impression, &revenue); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan touchpoint")
		}
		out = append(out, touchpointFromRow(convID, sessionID, ts, channel, holder, closer, impression, revenue))
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate journeys")
}

func (s *SQLiteStore) SessionFacts(ctx context.Context) ([]model.SessionFact, error) {
	rows, err := s.db.QueryContext(ctx, sessionFactsQuery)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query session facts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SessionFact
	for rows.Next() {
		var f model.SessionFact
		if err := rows.Scan(&f.SessionID, &f.ChannelName, &f.Date); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session fact")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate session facts")
}

func (s *SQLiteStore) SessionCosts(ctx context.Context) (map[string]float64, error) {
	return s.floatMap(ctx, sessionCostsQuery, "session costs")
}

func (s *SQLiteStore) ConversionRevenue(ctx context.Context) (map[string]float64, error) {
	return s.floatMap(ctx, conversionRevenueQuery, "conversion revenue")
}

func (s *SQLiteStore) floatMap(ctx context.Context, query, what string) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query %s", what)
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]float64)
	for rows.Next() {
		var k string
		var v float64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", what)
		}
		out[k] = v
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: iterate %s", what)
}

// -- attribution --

func (s *SQLiteStore) ReplaceAttribution(ctx context.Context, weights []model.AttributionWeight) error {
	return s.writeWeights(ctx, weights, true)
}

func (s *SQLiteStore) UpsertAttribution(ctx context.Context, weights []model.AttributionWeight) error {
	return s.writeWeights(ctx, weights, false)
}

func (s *SQLiteStore) writeWeights(ctx context.Context, weights []model.AttributionWeight, replace bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin attribution tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if replace {
		if _, err := tx.ExecContext(ctx, `DELETE FROM attribution_customer_journey`); err != nil {
			return eris.Wrap(err, "sqlite: clear attribution")
		}
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO attribution_customer_journey (conv_id, session_id, ihc) VALUES (?, ?, ?)
		 ON CONFLICT (conv_id, session_id) DO UPDATE SET ihc = excluded.ihc`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare attribution insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, w := range weights {
		if _, err := stmt.ExecContext(ctx, w.ConversionID, w.SessionID, w.IHC); err != nil {
			return eris.Wrapf(err, "sqlite: insert weight %s/%s", w.ConversionID, w.SessionID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit attribution")
}

func (s *SQLiteStore) Attribution(ctx context.Context) ([]model.AttributionWeight, error) {
	rows, err := s.db.QueryContext(ctx, attributionQuery)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query attribution")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AttributionWeight
	for rows.Next() {
		var w model.AttributionWeight
		if err := rows.Scan(&w.ConversionID, &w.SessionID, &w.IHC); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan weight")
		}
		out = append(out, w)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate attribution")
}

// -- channel report --

func (s *SQLiteStore) ReplaceChannelReport(ctx context.Context, metrics []model.ChannelMetric) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin report tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_reporting`); err != nil {
		return eris.Wrap(err, "sqlite: clear channel report")
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO channel_reporting (channel_name, date, cost, ihc, ihc_revenue) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare report insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, m := range metrics {
		if _, err := stmt.ExecContext(ctx, m.ChannelName, m.Date, m.Cost, m.IHC, m.IHCRevenue); err != nil {
			return eris.Wrapf(err, "sqlite: insert report row %s/%s", m.ChannelName, m.Date)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit channel report")
}

func (s *SQLiteStore) ChannelReport(ctx context.Context) ([]model.ChannelMetric, error) {
	rows, err := s.db.QueryContext(ctx, channelReportQuery)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query channel report")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ChannelMetric
	for rows.Next() {
		var m model.ChannelMetric
		if err := rows.Scan(&m.ChannelName, &m.Date, &m.Cost, &m.IHC, &m.IHCRevenue); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan report row")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate channel report")
}

// -- runs --

func (s *SQLiteStore) CreateRun(ctx context.Context) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attribution_runs (id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attribution_runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, summary *model.RunSummary) error {
	return s.finishRun(ctx, runID, model.RunStatusComplete, "", summary)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, runErr error, summary *model.RunSummary) error {
	return s.finishRun(ctx, runID, model.RunStatusFailed, runErrorString(runErr), summary)
}

func (s *SQLiteStore) finishRun(ctx context.Context, runID string, status model.RunStatus, errMsg string, summary *model.RunSummary) error {
	var summaryJSON sql.NullString
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run summary")
		}
		summaryJSON = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE attribution_runs SET status = ?, summary = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), summaryJSON, errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, summary, error, created_at, updated_at FROM attribution_runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, summary, error, created_at, updated_at FROM attribution_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// -- failed batches --

func (s *SQLiteStore) RecordFailedBatch(ctx context.Context, fb model.FailedBatch) error {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attribution_failed_batches (run_id, batch_index, payload_key, error, error_type, conversions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, batch_index) DO UPDATE SET
			payload_key = excluded.payload_key,
			error = excluded.error,
			error_type = excluded.error_type,
			conversions = excluded.conversions,
			created_at = excluded.created_at`,
		fb.RunID, fb.BatchIndex, fb.PayloadKey, fb.Error, fb.ErrorType, fb.Conversions, fb.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: record failed batch %s/%d", fb.RunID, fb.BatchIndex)
}

func (s *SQLiteStore) ListFailedBatches(ctx context.Context, runID string) ([]model.FailedBatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, batch_index, payload_key, error, error_type, conversions, created_at
		 FROM attribution_failed_batches WHERE run_id = ? ORDER BY batch_index`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failed batches")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FailedBatch
	for rows.Next() {
		var fb model.FailedBatch
		if err := rows.Scan(&fb.RunID, &fb.BatchIndex, &fb.PayloadKey, &fb.Error, &fb.ErrorType, &fb.Conversions, &fb.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failed batch")
		}
		out = append(out, fb)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate failed batches")
}

func (s *SQLiteStore) DeleteFailedBatch(ctx context.Context, runID string, batchIndex int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM attribution_failed_batches WHERE run_id = ? AND batch_index = ?`,
		runID, batchIndex,
	)
	return eris.Wrapf(err, "sqlite: delete failed batch %s/%d", runID, batchIndex)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var summaryJSON sql.NullString

	err := row.Scan(&r.ID, &r.Status, &summaryJSON, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if summaryJSON.Valid && summaryJSON.String != "" {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal([]byte(summaryJSON.String), r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run summary")
		}
	}
	return &r, nil
}
