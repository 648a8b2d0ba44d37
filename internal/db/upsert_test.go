package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "attribution_customer_journey",
		Columns:      weightCols,
		ConflictKeys: []string{"conv_id", "session_id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "attribution_customer_journey",
		ConflictKeys: []string{"conv_id"},
	}, [][]any{{"c1", "s1", 1.0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "attribution_customer_journey",
		Columns: weightCols,
	}, [][]any{{"c1", "s1", 1.0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_attribution_customer_journey"}, weightCols).WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("conv_id", "session_id"\) DO UPDATE SET "ihc" = EXCLUDED."ihc"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "attribution_customer_journey",
		Columns:      weightCols,
		ConflictKeys: []string{"conv_id", "session_id"},
	}, [][]any{{"c1", "s1", 0.5}, {"c1", "s2", 0.5}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_BeginError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin().WillReturnError(fmt.Errorf("db down"))

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "attribution_customer_journey",
		Columns:      weightCols,
		ConflictKeys: []string{"conv_id", "session_id"},
	}, [][]any{{"c1", "s1", 1.0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
}

func TestDedupeLast(t *testing.T) {
	cfg := UpsertConfig{Columns: weightCols, ConflictKeys: []string{"conv_id", "session_id"}}
	rows := [][]any{
		{"c1", "s1", 0.1},
		{"c1", "s2", 0.5},
		{"c1", "s1", 0.5},
	}

	got := dedupeLast(rows, cfg)
	require.Len(t, got, 2)
	assert.Equal(t, []any{"c1", "s2", 0.5}, got[0])
	assert.Equal(t, []any{"c1", "s1", 0.5}, got[1])

	unique := rows[:2]
	assert.Equal(t, unique, dedupeLast(unique, cfg))
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"channel_reporting", `"channel_reporting"`},
		{"public.channel_reporting", `"public"."channel_reporting"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"conv_id", "session_id", "ihc"`, quoteAndJoin(weightCols))
}
