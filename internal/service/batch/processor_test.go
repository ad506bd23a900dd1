package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-ingest/internal/db"
	"duck-ingest/internal/db/repository"
	"duck-ingest/internal/domain"
	"duck-ingest/internal/testutil"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func makeBatch(seq int64, from, to int64) *domain.Batch {
	rows := make([]domain.TaggedRow, 0, to-from+1)
	for i := from; i <= to; i++ {
		rows = append(rows, domain.TaggedRow{
			RawRow:     domain.NewRawRow([]string{"n"}, []domain.Value{domain.NumberValue(float64(i))}),
			SourceID:   "src",
			IngestedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			RowNumber:  i,
		})
	}
	return &domain.Batch{Seq: seq, FileID: "file-1", Rows: rows}
}

func dbErr(class domain.DBErrorClass) error {
	return &domain.DBError{Class: class, Err: fmt.Errorf("simulated %s", class)}
}

func okMany(_ context.Context, _ string, rows []domain.TaggedRow) (int, error) { return len(rows), nil }
func okTx(_ context.Context, _ string, rows []domain.TaggedRow, _ domain.TxOptions) (int, error) {
	return len(rows), nil
}
func okOne(context.Context, string, domain.TaggedRow) error { return nil }

// recordingSleeper captures backoff delays without sleeping.
type recordingSleeper struct{ delays []time.Duration }

func (s *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newProcessor(backend domain.RowBackend, opts ...Option) (*Processor, *recordingSleeper) {
	s := &recordingSleeper{}
	opts = append([]Option{WithSleeper(s.sleep)}, opts...)
	return NewProcessor(backend, discardLogger(), opts...), s
}

func TestProcess_StrategySelection(t *testing.T) {
	tests := []struct {
		name     string
		mode     domain.BackendMode
		rows     int64
		wantTx   []int
		wantMany []int
	}{
		{"direct large uses transaction", domain.BackendModeDirect, 150, []int{150}, nil},
		{"direct small uses bulk", domain.BackendModeDirect, 100, nil, []int{100}},
		{"accelerated uses bulk", domain.BackendModeAccelerated, 150, nil, []int{150}},
		{"accelerated large is chunked", domain.BackendModeAccelerated, 1100, nil, []int{200, 200, 200, 200, 200, 100}},
		{"accelerated at chunk threshold stays whole", domain.BackendModeAccelerated, 500, nil, []int{500}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &testutil.MockRowBackend{ModeValue: tt.mode, InsertManyFn: okMany, InsertTxFn: okTx}
			p, _ := newProcessor(backend)

			out, err := p.Process(context.Background(), "file-1", makeBatch(1, 1, tt.rows))
			require.NoError(t, err)
			assert.Equal(t, int(tt.rows), out.Inserted)
			assert.Zero(t, out.Failed)
			assert.Equal(t, tt.wantTx, backend.InsertTxSize)
			assert.Equal(t, tt.wantMany, backend.InsertManySize)
			assert.Zero(t, backend.Outstanding())
		})
	}
}

func TestProcess_TimeoutSplitsDownToPerRow(t *testing.T) {
	// 800 direct rows time out; the first quarter times out again; its first
	// 50-row piece times out once more and falls to per-row insertion.
	backend := &testutil.MockRowBackend{
		ModeValue:  domain.BackendModeDirect,
		InsertTxFn: func(_ context.Context, _ string, rows []domain.TaggedRow, _ domain.TxOptions) (int, error) {
			if len(rows) == 800 || (len(rows) == 200 && rows[0].RowNumber == 1) {
				return 0, dbErr(domain.DBErrorTimeout)
			}
			return len(rows), nil
		},
		InsertManyFn: func(_ context.Context, _ string, rows []domain.TaggedRow) (int, error) {
			if len(rows) == 50 && rows[0].RowNumber == 1 {
				return 0, dbErr(domain.DBErrorTimeout)
			}
			return len(rows), nil
		},
	}
	p, sleeper := newProcessor(backend)

	out, err := p.Process(context.Background(), "file-1", makeBatch(1, 1, 800))
	require.NoError(t, err)

	assert.Equal(t, 800, out.Inserted)
	assert.Zero(t, out.Failed)
	assert.Equal(t, 2, out.Splits)
	assert.True(t, out.PerRow)
	assert.Empty(t, sleeper.delays, "timeouts split immediately, without backoff")
	assert.Equal(t, []int{800, 200, 200, 200, 200}, backend.InsertTxSize)
	assert.Equal(t, []int{50, 10, 10, 10, 10, 10, 50, 50, 50}, backend.InsertManySize)
	assert.Zero(t, backend.Outstanding())
}

func TestProcess_OtherErrorsRetryThenPerRow(t *testing.T) {
	backend := &testutil.MockRowBackend{
		InsertManyFn: func(_ context.Context, _ string, rows []domain.TaggedRow) (int, error) {
			if len(rows) == 30 {
				return 0, dbErr(domain.DBErrorOther)
			}
			return len(rows), nil
		},
	}
	p, sleeper := newProcessor(backend)

	out, err := p.Process(context.Background(), "file-1", makeBatch(1, 1, 30))
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}, sleeper.delays)
	assert.Equal(t, 2, out.Retries)
	assert.True(t, out.PerRow)
	assert.Equal(t, 30, out.Inserted)
	assert.Equal(t, []int{30, 30, 30, 10, 10, 10}, backend.InsertManySize)
}

func TestProcess_RetryRecoversWithoutFallback(t *testing.T) {
	calls := 0
	backend := &testutil.MockRowBackend{
		InsertTxFn: func(_ context.Context, _ string, rows []domain.TaggedRow, _ domain.TxOptions) (int, error) {
			calls++
			if calls == 1 {
				return 0, dbErr(domain.DBErrorUnavailable)
			}
			return len(rows), nil
		},
	}
	p, sleeper := newProcessor(backend)

	out, err := p.Process(context.Background(), "file-1", makeBatch(1, 1, 300))
	require.NoError(t, err)
	assert.Equal(t, 300, out.Inserted)
	assert.Equal(t, 1, out.Retries)
	assert.False(t, out.PerRow)
	assert.Equal(t, []time.Duration{time.Second}, sleeper.delays)
}

func TestProcess_ExhaustedRetriesSplitLargeBatch(t *testing.T) {
	backend := &testutil.MockRowBackend{
		InsertTxFn: func(_ context.Context, _ string, rows []domain.TaggedRow, _ domain.TxOptions) (int, error) {
			if len(rows) == 400 {
				return 0, dbErr(domain.DBErrorOther)
			}
			return len(rows), nil
		},
		InsertManyFn: okMany,
	}
	p, sleeper := newProcessor(backend)

	out, err := p.Process(context.Background(), "file-1", makeBatch(1, 1, 400))
	require.NoError(t, err)
	assert.Len(t, sleeper.delays, 2)
	assert.Equal(t, 1, out.Splits)
	assert.Equal(t, []int{400, 400, 400}, backend.InsertTxSize)
	// 100-row quarters take the non-transactional path.
	assert.Equal(t, []int{100, 100, 100, 100}, backend.InsertManySize)
	assert.Equal(t, 400, out.Inserted)
}

func TestProcess_PermissionGoesStraightToPerRow(t *testing.T) {
	backend := &testutil.MockRowBackend{
		InsertTxFn: func(context.Context, string, []domain.TaggedRow, domain.TxOptions) (int, error) {
			return 0, dbErr(domain.DBErrorPermission)
		},
		InsertManyFn: okMany,
	}
	p, sleeper := newProcessor(backend)

	out, err := p.Process(context.Background(), "file-1", makeBatch(1, 1, 200))
	require.NoError(t, err)
	assert.Empty(t, sleeper.delays)
	assert.Zero(t, out.Splits)
	assert.True(t, out.PerRow)
	assert.Equal(t, 200, out.Inserted)
	assert.Len(t, backend.InsertManySize, 20)
}

func TestProcess_AcceleratedSplitFactors(t *testing.T) {
	backend := &testutil.MockRowBackend{
		ModeValue:    domain.BackendModeAccelerated,
		InsertManyFn: func(_ context.Context, _ string, rows []domain.TaggedRow) (int, error) {
			// Only the first chunk of the original batch times out.
			if len(rows) == 200 && rows[0].RowNumber == 1 {
				return 0, dbErr(domain.DBErrorTimeout)
			}
			return len(rows), nil
		},
	}
	p, _ := newProcessor(backend)

	out, err := p.Process(context.Background(), "file-1", makeBatch(1, 1, 1000))
	require.NoError(t, err)
	assert.Equal(t, 1000, out.Inserted)
	// The failed remainder (1000 rows, nothing committed) splits 8 ways.
	assert.Equal(t, 1, out.Splits)
	assert.Equal(t, []int{200, 125, 125, 125, 125, 125, 125, 125, 125}, backend.InsertManySize)
}

func TestProcess_PartialChunkProgressIsKept(t *testing.T) {
	failed := false
	backend := &testutil.MockRowBackend{
		ModeValue:    domain.BackendModeAccelerated,
		InsertManyFn: func(_ context.Context, _ string, rows []domain.TaggedRow) (int, error) {
			if !failed && rows[0].RowNumber == 401 {
				failed = true
				return 0, dbErr(domain.DBErrorOther)
			}
			return len(rows), nil
		},
	}
	p, sleeper := newProcessor(backend)

	out, err := p.Process(context.Background(), "file-1", makeBatch(1, 1, 600))
	require.NoError(t, err)
	assert.Equal(t, 600, out.Inserted)
	assert.Len(t, sleeper.delays, 1)
	// Rows 1-400 are not re-sent on retry; the 200-row remainder is.
	assert.Equal(t, []int{200, 200, 200, 200}, backend.InsertManySize)
}

func TestProcess_PerRowCountsUniqueAsSuccessAndDeadLetters(t *testing.T) {
	backend := &testutil.MockRowBackend{
		InsertManyFn: func(context.Context, string, []domain.TaggedRow) (int, error) {
			return 0, dbErr(domain.DBErrorConstraint)
		},
		InsertOneFn: func(_ context.Context, _ string, row domain.TaggedRow) error {
			switch row.RowNumber {
			case 3:
				return dbErr(domain.DBErrorUnique)
			case 5, 7:
				return dbErr(domain.DBErrorConstraint)
			}
			return nil
		},
	}
	dlq := &testutil.MockDeadLetterer{}
	p, _ := newProcessor(backend, WithDeadLetters(dlq))

	out, err := p.Process(context.Background(), "file-1", makeBatch(4, 1, 12))
	require.NoError(t, err)

	assert.Equal(t, 10, out.Inserted)
	assert.Equal(t, 2, out.Failed)
	require.Len(t, out.RowErrors, 2)
	assert.Equal(t, int64(5), out.RowErrors[0].RowNumber)
	assert.Equal(t, int64(7), out.RowErrors[1].RowNumber)
	assert.True(t, out.DeadLettered)
	assert.Equal(t, domain.SeverityLow, out.Severity)

	require.Len(t, dlq.Calls, 1)
	call := dlq.Calls[0]
	assert.Equal(t, domain.OpInsertRows, call.Operation)
	payload, ok := call.Payload.(domain.RowsPayload)
	require.True(t, ok)
	assert.Equal(t, int64(4), payload.Seq)
	require.Len(t, payload.Rows, 2)
	assert.Equal(t, int64(5), payload.Rows[0].RowNumber)
	assert.Zero(t, backend.Outstanding())
}

func TestProcess_AllRowsFailingIsHighSeverity(t *testing.T) {
	backend := &testutil.MockRowBackend{
		InsertManyFn: func(context.Context, string, []domain.TaggedRow) (int, error) {
			return 0, dbErr(domain.DBErrorPermission)
		},
		InsertOneFn: func(context.Context, string, domain.TaggedRow) error {
			return dbErr(domain.DBErrorPermission)
		},
	}
	dlq := &testutil.MockDeadLetterer{}
	p, _ := newProcessor(backend, WithDeadLetters(dlq))

	out, err := p.Process(context.Background(), "file-1", makeBatch(1, 1, 5))
	require.NoError(t, err)
	assert.Equal(t, 5, out.Failed)
	assert.Equal(t, domain.SeverityHigh, out.Severity)
	require.Len(t, dlq.Calls, 1)
	assert.Equal(t, domain.SeverityHigh, dlq.Calls[0].Severity)
}

func TestProcess_AcquireFailureFailsRowsWithoutPanicking(t *testing.T) {
	backend := &testutil.MockRowBackend{
		AcquireFn: func(context.Context) error { return dbErr(domain.DBErrorUnavailable) },
	}
	dlq := &testutil.MockDeadLetterer{}
	p, sleeper := newProcessor(backend, WithDeadLetters(dlq))

	out, err := p.Process(context.Background(), "file-1", makeBatch(1, 1, 20))
	require.NoError(t, err)
	assert.Len(t, sleeper.delays, 2)
	assert.Equal(t, 20, out.Failed)
	assert.Equal(t, domain.SeverityHigh, out.Severity)
	assert.Zero(t, backend.Acquired)
}

func TestProcess_DeadLetterFailureIsReported(t *testing.T) {
	backend := &testutil.MockRowBackend{
		InsertManyFn: func(context.Context, string, []domain.TaggedRow) (int, error) {
			return 0, dbErr(domain.DBErrorPermission)
		},
		InsertOneFn: func(_ context.Context, _ string, row domain.TaggedRow) error {
			if row.RowNumber == 1 {
				return dbErr(domain.DBErrorOther)
			}
			return nil
		},
	}
	dlq := &testutil.MockDeadLetterer{EnqueueFn: func(context.Context, string, string, any, error, domain.Severity) error {
		return errors.New("sink down")
	}}
	p, _ := newProcessor(backend, WithDeadLetters(dlq))

	out, err := p.Process(context.Background(), "file-1", makeBatch(1, 1, 4))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, domain.SeverityMedium, out.Severity)
	assert.False(t, out.DeadLettered)
}

func TestProcess_IgnoresCancellationOnceStarted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	backend := &testutil.MockRowBackend{
		InsertManyFn: func(ctx context.Context, _ string, rows []domain.TaggedRow) (int, error) {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			return len(rows), nil
		},
	}
	p, _ := newProcessor(backend)

	out, err := p.Process(ctx, "file-1", makeBatch(1, 1, 10))
	require.NoError(t, err)
	assert.Equal(t, 10, out.Inserted)
}

func TestProcessRun_TracksRunTotals(t *testing.T) {
	backend := &testutil.MockRowBackend{
		InsertTxFn: func(_ context.Context, _ string, rows []domain.TaggedRow, _ domain.TxOptions) (int, error) {
			if len(rows) == 200 {
				return 0, dbErr(domain.DBErrorTimeout)
			}
			return len(rows), nil
		},
		InsertManyFn: okMany,
	}
	p, _ := newProcessor(backend)
	rc := NewRunContext("file-1")

	for seq := int64(1); seq <= 3; seq++ {
		_, err := p.ProcessRun(context.Background(), rc, makeBatch(seq, (seq-1)*200+1, seq*200))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, rc.Batches())
	assert.Equal(t, 3, rc.Splits())
	assert.Zero(t, rc.Retries())
	assert.Empty(t, rc.attempts, "terminal units leave no attempt state behind")
}

func TestProcess_Validation(t *testing.T) {
	p, _ := newProcessor(&testutil.MockRowBackend{})

	_, err := p.Process(context.Background(), "", makeBatch(1, 1, 1))
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = p.Process(context.Background(), "file-1", nil)
	require.ErrorAs(t, err, &ve)
}

func TestProcessRows_NeverDeadLetters(t *testing.T) {
	backend := &testutil.MockRowBackend{
		InsertManyFn: func(context.Context, string, []domain.TaggedRow) (int, error) {
			return 0, dbErr(domain.DBErrorPermission)
		},
		InsertOneFn: func(_ context.Context, _ string, row domain.TaggedRow) error {
			if row.RowNumber == 2 {
				return dbErr(domain.DBErrorConstraint)
			}
			return nil
		},
	}
	dlq := &testutil.MockDeadLetterer{}
	p, _ := newProcessor(backend, WithDeadLetters(dlq))

	out, err := p.ProcessRows(context.Background(), "file-1", makeBatch(0, 1, 3).Rows)
	require.Error(t, err)
	assert.Equal(t, 1, out.Failed)
	assert.Empty(t, dlq.Calls)
}

func TestSplitFactor(t *testing.T) {
	tests := []struct {
		mode domain.BackendMode
		n    int
		want int
	}{
		{domain.BackendModeAccelerated, 501, 8},
		{domain.BackendModeAccelerated, 500, 4},
		{domain.BackendModeAccelerated, 101, 4},
		{domain.BackendModeAccelerated, 100, 0},
		{domain.BackendModeDirect, 800, 4},
		{domain.BackendModeDirect, 51, 4},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.mode, tt.n), func(t *testing.T) {
			assert.Equal(t, tt.want, splitFactor(tt.mode, tt.n))
		})
	}
}

// Repeated timeouts on every path must still terminate: splitting strictly
// shrinks units and per-row insertion never splits.
func TestProcess_SplitTerminatesUnderPersistentTimeouts(t *testing.T) {
	for _, mode := range []domain.BackendMode{domain.BackendModeDirect, domain.BackendModeAccelerated} {
		t.Run(string(mode), func(t *testing.T) {
			backend := &testutil.MockRowBackend{
				ModeValue:  mode,
				InsertTxFn: func(context.Context, string, []domain.TaggedRow, domain.TxOptions) (int, error) {
					return 0, dbErr(domain.DBErrorTimeout)
				},
				InsertManyFn: func(context.Context, string, []domain.TaggedRow) (int, error) {
					return 0, dbErr(domain.DBErrorTimeout)
				},
				InsertOneFn: okOne,
			}
			p, _ := newProcessor(backend)

			out, err := p.Process(context.Background(), "file-1", makeBatch(1, 1, 5000))
			require.NoError(t, err)
			assert.Equal(t, 5000, out.Inserted)
			assert.Len(t, backend.InsertOneRows, 5000)
			assert.Zero(t, backend.Outstanding())
		})
	}
}

func TestProcess_IdempotentAgainstRealStore(t *testing.T) {
	writeDB, _ := db.OpenTestSQLite(t)
	store := repository.NewRowStore(writeDB, db.DialectSQLite, domain.BackendModeDirect, discardLogger())
	p, _ := newProcessor(store)
	ctx := context.Background()

	for _, b := range []*domain.Batch{makeBatch(1, 1, 250), makeBatch(1, 1, 250), makeBatch(2, 1, 40)} {
		out, err := p.Process(ctx, "file-1", b)
		require.NoError(t, err)
		assert.Equal(t, b.Len(), out.Inserted)
		assert.Zero(t, out.Failed)
	}

	n, err := store.CountRows(ctx, "file-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), n)
}
