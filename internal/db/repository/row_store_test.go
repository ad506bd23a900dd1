package repository

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-ingest/internal/db"
	"duck-ingest/internal/domain"
)

func taggedRows(from, to int64) []domain.TaggedRow {
	cols := []string{"name", "qty"}
	out := make([]domain.TaggedRow, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, domain.TaggedRow{
			RawRow: domain.NewRawRow(cols, []domain.Value{
				domain.StringValue(fmt.Sprintf("item-%d", i)),
				domain.NumberValue(float64(i)),
			}),
			SourceID:   "upload-1",
			IngestedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			RowNumber:  i,
		})
	}
	return out
}

func newTestRowStore(t *testing.T) *RowStore {
	t.Helper()
	writeDB, _ := db.OpenTestSQLite(t)
	return NewRowStore(writeDB, db.DialectSQLite, domain.BackendModeDirect, slog.New(slog.DiscardHandler))
}

func TestRowStore_InsertManyIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestRowStore(t)

	conn, err := store.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	n, err := conn.InsertMany(ctx, "file-1", taggedRows(1, 250))
	require.NoError(t, err)
	assert.Equal(t, 250, n)

	// Redelivering an overlapping range stores nothing twice.
	n, err = conn.InsertMany(ctx, "file-1", taggedRows(200, 300))
	require.NoError(t, err)
	assert.Equal(t, 101, n)

	conn.Release()
	count, err := store.CountRows(ctx, "file-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), count)
}

func TestRowStore_InsertTxCommits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestRowStore(t)

	conn, err := store.Acquire(ctx)
	require.NoError(t, err)
	n, err := conn.InsertTx(ctx, "file-1", taggedRows(1, 120), domain.TxOptions{
		Timeout: 10 * time.Second,
		MaxWait: 2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 120, n)
	conn.Release()

	count, err := store.CountRows(ctx, "file-1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), count)
}

func TestRowStore_InsertOneReportsUnique(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestRowStore(t)

	conn, err := store.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	row := taggedRows(7, 7)[0]
	require.NoError(t, conn.InsertOne(ctx, "file-1", row))

	err = conn.InsertOne(ctx, "file-1", row)
	require.Error(t, err)
	assert.Equal(t, domain.DBErrorUnique, domain.ClassOf(err))
}

func TestRowStore_StreamRowsInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestRowStore(t)

	conn, err := store.Acquire(ctx)
	require.NoError(t, err)
	rows := taggedRows(1, 5)
	// Insert out of order; streaming sorts by row number.
	_, err = conn.InsertMany(ctx, "file-1", []domain.TaggedRow{rows[3], rows[0], rows[4], rows[1], rows[2]})
	require.NoError(t, err)
	conn.Release()

	var seen []int64
	err = store.StreamRows(ctx, "file-1", func(rowNum int64, values map[string]any) error {
		seen = append(seen, rowNum)
		assert.Equal(t, fmt.Sprintf("item-%d", rowNum), values["name"])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seen)
}

func TestRowStore_ReleaseTwice(t *testing.T) {
	t.Parallel()
	store := newTestRowStore(t)

	conn, err := store.Acquire(context.Background())
	require.NoError(t, err)
	conn.Release()
	assert.NotPanics(t, conn.Release)
}

func TestRowStore_AcquireWithoutDB(t *testing.T) {
	t.Parallel()
	store := NewRowStore(nil, db.DialectSQLite, domain.BackendModeDirect, slog.New(slog.DiscardHandler))

	_, err := store.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.DBErrorUnavailable, domain.ClassOf(err))
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.DBErrorClass
	}{
		{"deadline", context.DeadlineExceeded, domain.DBErrorTimeout},
		{"message timeout", fmt.Errorf("query timed out"), domain.DBErrorTimeout},
		{"permission", fmt.Errorf("permission denied for table x"), domain.DBErrorPermission},
		{"duplicate", fmt.Errorf("duplicate key value violates unique constraint"), domain.DBErrorUnique},
		{"refused", fmt.Errorf("dial tcp: connection refused"), domain.DBErrorUnavailable},
		{"other", fmt.Errorf("boom"), domain.DBErrorOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classOf(tt.err))
		})
	}
}
