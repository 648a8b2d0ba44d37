package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/sells-group/attribution-cli/internal/model"
	"github.com/sells-group/attribution-cli/internal/packer"
	"github.com/sells-group/attribution-cli/internal/payload"
	"github.com/sells-group/attribution-cli/internal/reconcile"
	"github.com/sells-group/attribution-cli/internal/report"
	"github.com/sells-group/attribution-cli/internal/resilience"
	"github.com/sells-group/attribution-cli/internal/store"
	"github.com/sells-group/attribution-cli/pkg/ihc"
)

const challengeSchema = `
CREATE TABLE conversions (conv_id TEXT, user_id TEXT, conv_date TEXT, conv_time TEXT, revenue REAL);
CREATE TABLE session_sources (
	session_id TEXT, user_id TEXT, event_date TEXT, event_time TEXT, channel_name TEXT,
	holder_engagement INTEGER, closer_engagement INTEGER, impression_interaction INTEGER
);
CREATE TABLE session_costs (session_id TEXT, cost REAL);

INSERT INTO conversions VALUES
	('c1', 'u1', '2023-09-02', '12:00:00', 100),
	('c2', 'u2', '2023-09-03', '09:00:00', 50),
	('c3', 'u1', '2023-09-05', '08:00:00', NULL);

INSERT INTO session_sources VALUES
	('s1', 'u1', '2023-09-01', '10:00:00', 'Paid Search', 1, 0, 0),
	('s2', 'u1', '2023-09-02', '12:00:00', 'Email', 0, 1, 0),
	('s3', 'u1', '2023-09-02', '13:00:00', 'Display', 0, 0, 1),
	('s4', 'u2', '2023-09-03', '08:00:00', 'Email', NULL, NULL, NULL),
	('s5', 'u2', '2023-09-04', '10:00:00', 'Display', 0, 0, 0);

INSERT INTO session_costs VALUES ('s1', 10), ('s3', 5), ('s5', 2);
`

func newChallengeStore(t *testing.T, extra ...string) *store.SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "challenge.db")

	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	for _, stmt := range append([]string{challengeSchema}, extra...) {
		_, err = raw.Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, raw.Close())

	st, err := store.NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// scoringStub splits credit evenly within each conversion unless fail says
// otherwise.
type scoringStub struct {
	calls  atomic.Int32
	fail   func(req ihc.Request) error
	onCall func()
	skew   map[string]float64
}

func (s *scoringStub) ComputeIHC(_ context.Context, _ string, req ihc.Request) (*ihc.Response, error) {
	s.calls.Add(1)
	if s.onCall != nil {
		s.onCall()
	}
	if s.fail != nil {
		if err := s.fail(req); err != nil {
			return nil, err
		}
	}
	counts := make(map[string]int)
	for _, tp := range req.CustomerJourneys {
		counts[tp.ConversionID]++
	}
	resp := &ihc.Response{}
	for _, tp := range req.CustomerJourneys {
		w := 1 / float64(counts[tp.ConversionID])
		if f, ok := s.skew[tp.ConversionID]; ok {
			w *= f
		}
		resp.Value = append(resp.Value, ihc.Weight{ConversionID: tp.ConversionID, SessionID: tp.SessionID, IHC: w})
	}
	return resp, nil
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Limits:     packer.Limits{MaxItems: 200, MaxGroups: 100, Strategy: packer.StrategyLargestFirst},
		ConvTypeID: "all_markets",
		Tolerance:  reconcile.DefaultTolerance,
		Fallback:   reconcile.FallbackNone,
		Retry:      resilience.RetryConfig{MaxAttempts: 1},
		Report: ReportOptions{
			OutputPath: filepath.Join(t.TempDir(), "out", "channel_reporting.csv"),
			Format:     report.FormatAuto,
		},
	}
}

func findRow(rows []model.ChannelMetric, channel, date string) *model.ChannelMetric {
	for i := range rows {
		if rows[i].ChannelName == channel && rows[i].Date == date {
			return &rows[i]
		}
	}
	return nil
}

func TestRun_EndToEnd(t *testing.T) {
	st := newChallengeStore(t)
	client := &scoringStub{}
	payloadDir := t.TempDir()
	opts := testOptions(t)

	p := New(st, client, payload.NewFileSink(payloadDir), nil, opts)
	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Conversions)
	assert.Equal(t, 6, summary.Touchpoints)
	assert.Equal(t, 1, summary.Batches)
	assert.Equal(t, 6, summary.Weights)
	assert.Equal(t, 0, summary.Anomalies)
	assert.Equal(t, 5, summary.ReportRows)
	assert.Equal(t, int32(1), client.calls.Load())

	// Payload persisted under the run.
	_, err = os.Stat(filepath.Join(payloadDir, summary.RunID, "batch_1.json"))
	require.NoError(t, err)

	weights, err := st.Attribution(context.Background())
	require.NoError(t, err)
	assert.Len(t, weights, 6)

	rows, err := st.ChannelReport(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 5)

	paid := findRow(rows, "Paid Search", "2023-09-01")
	require.NotNil(t, paid)
	assert.InDelta(t, 10, paid.Cost, 1e-9)
	assert.InDelta(t, 0.5+1.0/3, paid.IHC, 1e-9)
	assert.InDelta(t, 50, paid.IHCRevenue, 1e-9)

	display := findRow(rows, "Display", "2023-09-04")
	require.NotNil(t, display)
	assert.InDelta(t, 2, display.Cost, 1e-9)
	assert.Zero(t, display.IHC)
	_, ok := display.CPO()
	assert.False(t, ok)

	data, err := os.ReadFile(opts.Report.OutputPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, "channel_name,date,cost,ihc,ihc_revenue,CPO,ROAS", lines[0])
	assert.Len(t, lines, 6)

	run, err := st.GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.Summary)
	assert.Equal(t, 5, run.Summary.ReportRows)
}

func TestRun_ExclusionWithUniformFallback(t *testing.T) {
	st := newChallengeStore(t)
	opts := testOptions(t)
	opts.Limits.MaxItems = 2
	opts.Fallback = reconcile.FallbackUniform

	p := New(st, &scoringStub{}, payload.NewFileSink(t.TempDir()), nil, opts)
	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ExcludedJourneys)
	require.Len(t, summary.Excluded, 1)
	assert.Equal(t, "c3", summary.Excluded[0].ConversionID)
	assert.Equal(t, 3, summary.FallbackWeights)
	assert.Equal(t, 6, summary.Weights)
	assert.Equal(t, 0, summary.Anomalies)
}

func TestRun_ExclusionWithoutFallback(t *testing.T) {
	st := newChallengeStore(t)
	opts := testOptions(t)
	opts.Limits.MaxItems = 2

	p := New(st, &scoringStub{}, payload.NewFileSink(t.TempDir()), nil, opts)
	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ExcludedJourneys)
	assert.Equal(t, 0, summary.FallbackWeights)
	assert.Equal(t, 3, summary.Weights)
}

func TestRun_AnomalyReported(t *testing.T) {
	st := newChallengeStore(t)
	client := &scoringStub{skew: map[string]float64{"c2": 0.9}}

	p := New(st, client, payload.NewFileSink(t.TempDir()), nil, testOptions(t))
	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Anomalies)
}

func TestRun_NoJourneysShortCircuits(t *testing.T) {
	st := newChallengeStore(t)
	opts := testOptions(t)
	dr, err := model.ParseDateRange("2030-01-01", "2030-12-31")
	require.NoError(t, err)
	opts.DateRange = dr
	client := &scoringStub{}

	p := New(st, client, payload.NewFileSink(t.TempDir()), nil, opts)
	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Conversions)
	assert.Equal(t, int32(0), client.calls.Load())
	_, err = os.Stat(opts.Report.OutputPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRun_AllBatchesFailThenReplay(t *testing.T) {
	st := newChallengeStore(t)
	opts := testOptions(t)
	opts.Limits.Strategy = packer.StrategyPerJourney
	sink := payload.NewFileSink(t.TempDir())

	stale := model.AttributionWeight{ConversionID: "old", SessionID: "s9", IHC: 1}
	require.NoError(t, st.ReplaceAttribution(context.Background(), []model.AttributionWeight{stale}))

	down := &scoringStub{fail: func(ihc.Request) error {
		return &resilience.TransientError{Err: errors.New("service unavailable"), StatusCode: 503}
	}}
	summary, err := New(st, down, sink, nil, opts).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Batches)
	assert.Equal(t, 3, summary.FailedBatches)
	assert.Equal(t, 0, summary.Weights)

	rows, err := st.ChannelReport(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows, "no report without attribution data")

	failed, err := st.ListFailedBatches(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Len(t, failed, 3)
	assert.Equal(t, "transient", failed[0].ErrorType)

	up := &scoringStub{}
	replayed, err := New(st, up, sink, nil, opts).Replay(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, 3, replayed.Batches)
	assert.Equal(t, 0, replayed.FailedBatches)
	assert.Equal(t, 6, replayed.Weights)
	assert.Equal(t, 5, replayed.ReportRows)
	assert.Equal(t, int32(3), up.calls.Load())

	failed, err = st.ListFailedBatches(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Empty(t, failed)

	weights, err := st.Attribution(context.Background())
	require.NoError(t, err)
	assert.Len(t, weights, 6)
	assert.NotContains(t, weights, stale, "rows from an earlier run are replaced")
}

func TestReplay_PartialRecoveryMerges(t *testing.T) {
	st := newChallengeStore(t)
	opts := testOptions(t)
	opts.Limits.Strategy = packer.StrategyPerJourney
	sink := payload.NewFileSink(t.TempDir())
	unavailable := &resilience.TransientError{Err: errors.New("service unavailable"), StatusCode: 503}

	down := &scoringStub{fail: func(ihc.Request) error { return unavailable }}
	summary, err := New(st, down, sink, nil, opts).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, summary.FailedBatches)

	// First replay recovers every journey except c2.
	flaky := &scoringStub{fail: func(req ihc.Request) error {
		if req.CustomerJourneys[0].ConversionID == "c2" {
			return unavailable
		}
		return nil
	}}
	first, err := New(st, flaky, sink, nil, opts).Replay(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.FailedBatches)
	assert.Equal(t, 5, first.Weights)

	second, err := New(st, &scoringStub{}, sink, nil, opts).Replay(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Batches)
	assert.Equal(t, 1, second.Weights)

	weights, err := st.Attribution(context.Background())
	require.NoError(t, err)
	assert.Len(t, weights, 6, "the second replay merges into the first")
}

func TestRun_CancelAfterSubmissionStillPersists(t *testing.T) {
	st := newChallengeStore(t)
	opts := testOptions(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &scoringStub{onCall: cancel}

	summary, err := New(st, client, payload.NewFileSink(t.TempDir()), nil, opts).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Batches)
	assert.Zero(t, summary.SkippedBatches)
	assert.Equal(t, 6, summary.Weights)
	assert.Equal(t, 5, summary.ReportRows)

	weights, err := st.Attribution(context.Background())
	require.NoError(t, err)
	assert.Len(t, weights, 6)

	rows, err := st.ChannelReport(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 5)
}

func TestRun_BadSourceRowIsolated(t *testing.T) {
	st := newChallengeStore(t,
		`INSERT INTO session_sources VALUES ('sx', 'u2', '2023-09-01', '10h30', 'Email', 0, 0, 0)`)
	client := &scoringStub{}

	planned, err := New(st, client, nil, nil, testOptions(t)).Plan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, planned.Group.Invalid)
	assert.Equal(t, 6, planned.Group.Touchpoints)

	summary, err := New(st, client, payload.NewFileSink(t.TempDir()), nil, testOptions(t)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Conversions)
	assert.Equal(t, 6, summary.Weights)
	assert.Zero(t, summary.Anomalies)
}

func TestReplay_NothingToDo(t *testing.T) {
	st := newChallengeStore(t)
	run, err := st.CreateRun(context.Background())
	require.NoError(t, err)

	summary, err := New(st, &scoringStub{}, payload.NewFileSink(t.TempDir()), nil, testOptions(t)).
		Replay(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Batches)
}

func TestReplay_UnknownRun(t *testing.T) {
	st := newChallengeStore(t)
	_, err := New(st, &scoringStub{}, payload.NewFileSink(t.TempDir()), nil, testOptions(t)).
		Replay(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRun_Interrupted(t *testing.T) {
	st := newChallengeStore(t)
	opts := testOptions(t)
	opts.Limits.Strategy = packer.StrategyPerJourney

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &scoringStub{onCall: cancel}

	summary, err := New(st, client, payload.NewFileSink(t.TempDir()), nil, opts).Run(ctx)
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, 2, summary.SkippedBatches)
	assert.Equal(t, int32(1), client.calls.Load())

	weights, err := st.Attribution(context.Background())
	require.NoError(t, err)
	assert.Len(t, weights, 2, "weights collected before the interrupt are kept")

	run, err := st.GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "interrupted")
}

func TestPlan(t *testing.T) {
	st := newChallengeStore(t)
	opts := testOptions(t)
	opts.Limits = packer.Limits{MaxItems: 3, MaxGroups: 1, Strategy: packer.StrategyLargestFirst}

	res, err := New(st, nil, nil, nil, opts).Plan(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Journeys, 3)
	assert.Equal(t, 3, res.Stats.Batches)
	assert.Empty(t, res.Excluded)
	assert.Equal(t, 6, res.Group.Touchpoints)
}

func TestExport(t *testing.T) {
	st := newChallengeStore(t)
	opts := testOptions(t)

	_, err := New(st, &scoringStub{}, payload.NewFileSink(t.TempDir()), nil, opts).Run(context.Background())
	require.NoError(t, err)

	opts.Report.OutputPath = filepath.Join(t.TempDir(), "channel_reporting.xlsx")
	rows, err := New(st, nil, nil, nil, opts).Export(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 5)

	info, err := os.Stat(opts.Report.OutputPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestExport_NoPath(t *testing.T) {
	st := newChallengeStore(t)
	opts := testOptions(t)
	opts.Report.OutputPath = ""

	_, err := New(st, nil, nil, nil, opts).Export(context.Background())
	require.Error(t, err)
}
