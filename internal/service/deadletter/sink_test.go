package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-ingest/internal/db"
	"duck-ingest/internal/db/repository"
	"duck-ingest/internal/domain"
	"duck-ingest/internal/service/batch"
	"duck-ingest/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// steppingClock returns a clock that advances one second per call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func rows(from, to int64) []domain.TaggedRow {
	cols := []string{"sku", "qty"}
	out := make([]domain.TaggedRow, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, domain.TaggedRow{
			RawRow:     domain.NewRawRow(cols, []domain.Value{domain.StringValue("sku"), domain.NumberValue(float64(i))}),
			SourceID:   "upload-7",
			IngestedAt: time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC),
			RowNumber:  i,
		})
	}
	return out
}

type recordingInserter struct {
	err   error
	calls [][]domain.TaggedRow
}

func (r *recordingInserter) ProcessRows(_ context.Context, _ string, rows []domain.TaggedRow) (*domain.BatchOutcome, error) {
	r.calls = append(r.calls, rows)
	if r.err != nil {
		return &domain.BatchOutcome{Rows: len(rows), Failed: len(rows)}, r.err
	}
	return &domain.BatchOutcome{Rows: len(rows), Inserted: len(rows)}, nil
}

func newSQLiteSink(t *testing.T, opts ...Option) (*Sink, *repository.DeadLetterRepo) {
	t.Helper()
	writeDB, _ := db.OpenTestSQLite(t)
	repo := repository.NewDeadLetterRepo(writeDB, db.DialectSQLite)
	opts = append([]Option{WithClock(steppingClock())}, opts...)
	return NewSink(repo, discardLogger(), opts...), repo
}

func TestSink_EnqueueCreatesTableLazily(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sink, repo := newSQLiteSink(t)

	payload := domain.RowsPayload{FileID: "file-1", Seq: 4, Rows: rows(1, 3)}
	require.NoError(t, sink.Enqueue(ctx, "file-1", domain.OpInsertRows, payload, errors.New("timeout: boom"), domain.SeverityMedium))

	entries, total, err := repo.List(ctx, domain.PageRequest{})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	e := entries[0]
	assert.Equal(t, "file-1", e.FileID)
	assert.Equal(t, domain.OpInsertRows, e.Operation)
	assert.Equal(t, "timeout: boom", e.Error)
	assert.Equal(t, domain.SeverityMedium, e.Severity)
	assert.Equal(t, 0, e.RetryCount)

	var decoded domain.RowsPayload
	require.NoError(t, json.Unmarshal(e.Payload, &decoded))
	assert.Equal(t, int64(4), decoded.Seq)
	require.Len(t, decoded.Rows, 3)
	assert.Equal(t, int64(2), decoded.Rows[1].RowNumber)
	assert.Equal(t, []string{"sku", "qty"}, decoded.Rows[1].Columns)
}

func TestSink_EnqueueValidation(t *testing.T) {
	t.Parallel()
	sink, _ := newSQLiteSink(t)

	err := sink.Enqueue(context.Background(), "file-1", "", nil, nil, domain.SeverityLow)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	err = sink.Enqueue(context.Background(), "file-1", domain.OpInsertRows, []byte("{not json"), nil, domain.SeverityLow)
	require.Error(t, err)
}

func TestSink_DegradesWhenStoreUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("nil repository", func(t *testing.T) {
		t.Parallel()
		sink := NewSink(nil, discardLogger())
		require.NoError(t, sink.Enqueue(ctx, "f", domain.OpInsertRows, map[string]int{"a": 1}, errors.New("x"), domain.SeverityHigh))

		res, err := sink.Dequeue(ctx, 10, 3)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Claimed)

		n, err := sink.Purge(ctx, 3)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("closed database", func(t *testing.T) {
		t.Parallel()
		writeDB, _ := db.OpenTestSQLite(t)
		require.NoError(t, writeDB.Close())
		sink := NewSink(repository.NewDeadLetterRepo(writeDB, db.DialectSQLite), discardLogger())

		require.NoError(t, sink.Enqueue(ctx, "f", domain.OpInsertRows, nil, errors.New("x"), domain.SeverityHigh))
		res, err := sink.Dequeue(ctx, 10, 3)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Claimed)
	})
}

func TestSink_DequeueReplaysAndDeletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inserter := &recordingInserter{}
	sink, repo := newSQLiteSink(t, WithReprocessor(domain.OpInsertRows, InsertRowsReprocessor(inserter)))

	require.NoError(t, sink.Enqueue(ctx, "file-1", domain.OpInsertRows, domain.RowsPayload{FileID: "file-1", Rows: rows(1, 2)}, errors.New("a"), domain.SeverityLow))
	require.NoError(t, sink.Enqueue(ctx, "file-1", domain.OpInsertRows, domain.RowsPayload{FileID: "file-1", Rows: rows(10, 14)}, errors.New("b"), domain.SeverityLow))

	res, err := sink.Dequeue(ctx, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, &ReplayResult{Claimed: 2, Replayed: 2}, res)

	require.Len(t, inserter.calls, 2)
	assert.Len(t, inserter.calls[0], 2, "oldest entry replays first")
	assert.Len(t, inserter.calls[1], 5)

	_, total, err := repo.List(ctx, domain.PageRequest{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSink_FailedReplayStaysUntilPurged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inserter := &recordingInserter{err: errors.New("still down")}
	sink, _ := newSQLiteSink(t, WithReprocessor(domain.OpInsertRows, InsertRowsReprocessor(inserter)))

	require.NoError(t, sink.Enqueue(ctx, "file-1", domain.OpInsertRows, domain.RowsPayload{FileID: "file-1", Rows: rows(1, 1)}, errors.New("a"), domain.SeverityMedium))

	for i := 1; i <= 2; i++ {
		res, err := sink.Dequeue(ctx, 10, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Claimed)
		assert.Equal(t, 1, res.Failed)
		require.Len(t, res.Errors, 1)
		assert.Contains(t, res.Errors[0], "still down")
	}

	res, err := sink.Dequeue(ctx, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed, "entries at the retry limit are left alone")

	entries, total, err := sink.List(ctx, domain.PageRequest{})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, 2, entries[0].RetryCount)
	require.NotNil(t, entries[0].LastRetryAt)

	n, err := sink.Purge(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSink_UnknownOperationIsSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sink, _ := newSQLiteSink(t)

	require.NoError(t, sink.Enqueue(ctx, "file-1", "reindex", map[string]string{"k": "v"}, errors.New("a"), domain.SeverityLow))

	res, err := sink.Dequeue(ctx, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, &ReplayResult{Claimed: 1, Skipped: 1}, res)
}

func TestSink_DequeueValidation(t *testing.T) {
	t.Parallel()
	sink, _ := newSQLiteSink(t)

	tests := []struct {
		name       string
		maxItems   int
		maxRetries int
	}{
		{"zero items", 0, 3},
		{"negative retries", 5, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sink.Dequeue(context.Background(), tt.maxItems, tt.maxRetries)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
		})
	}
}

func TestSink_ThrottledReplayStopsOnCancel(t *testing.T) {
	t.Parallel()
	inserter := &recordingInserter{}
	sink, _ := newSQLiteSink(t,
		WithReprocessor(domain.OpInsertRows, InsertRowsReprocessor(inserter)),
		WithReplayRate(0.001),
	)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, sink.Enqueue(ctx, "file-1", domain.OpInsertRows, domain.RowsPayload{FileID: "file-1", Rows: rows(i, i)}, errors.New("a"), domain.SeverityLow))
	}

	cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	res, err := sink.Dequeue(cctx, 10, 3)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.Claimed)
	assert.Equal(t, 1, res.Replayed, "the limiter's initial burst allows exactly one replay")
	assert.Len(t, inserter.calls, 1)
}

func TestSink_ReplayThroughBatchProcessor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	writeDB, _ := db.OpenTestSQLite(t)
	store := repository.NewRowStore(writeDB, db.DialectSQLite, domain.BackendModeDirect, discardLogger())
	processor := batch.NewProcessor(store, discardLogger())
	sink := NewSink(
		repository.NewDeadLetterRepo(writeDB, db.DialectSQLite),
		discardLogger(),
		WithReprocessor(domain.OpInsertRows, InsertRowsReprocessor(processor)),
	)

	require.NoError(t, sink.Enqueue(ctx, "file-9", domain.OpInsertRows, domain.RowsPayload{FileID: "file-9", Rows: rows(1, 40)}, errors.New("timeout"), domain.SeverityMedium))
	// Replaying twice stores every row exactly once.
	require.NoError(t, sink.Enqueue(ctx, "file-9", domain.OpInsertRows, domain.RowsPayload{FileID: "file-9", Rows: rows(30, 60)}, errors.New("timeout"), domain.SeverityMedium))

	res, err := sink.Dequeue(ctx, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replayed)

	n, err := store.CountRows(ctx, "file-9")
	require.NoError(t, err)
	assert.Equal(t, int64(60), n)
}

func TestParquetExportReprocessor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	files := &testutil.MockIngestedFileRepo{}
	conv := "duckdb: out of disk"
	_, err := files.Create(ctx, &domain.IngestedFile{ID: "file-3", Headers: []string{"a", "b"}, ConversionError: &conv})
	require.NoError(t, err)

	var gotHeaders []string
	sink := &testutil.MockParquetSink{ExportFn: func(_ context.Context, fileID string, headers []string) (string, error) {
		gotHeaders = headers
		return "/exports/" + fileID + ".parquet", nil
	}}
	fn := ParquetExportReprocessor(sink, files)

	payload, err := json.Marshal(domain.ExportPayload{FileID: "file-3", Target: "/exports"})
	require.NoError(t, err)
	require.NoError(t, fn(ctx, domain.DeadLetterEntry{ID: "dl-1", FileID: "file-3", Operation: domain.OpParquetExport, Payload: payload}))

	assert.Equal(t, []string{"a", "b"}, gotHeaders)
	f, err := files.GetByID(ctx, "file-3")
	require.NoError(t, err)
	assert.Nil(t, f.ConversionError)

	sink.ExportFn = func(context.Context, string, []string) (string, error) { return "", errors.New("disk full") }
	err = fn(ctx, domain.DeadLetterEntry{ID: "dl-2", FileID: "file-3", Operation: domain.OpParquetExport, Payload: payload})
	require.Error(t, err)
	assert.Equal(t, domain.CategoryConversion, domain.CategoryOf(err))
}
