package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-ingest/internal/db"
	"duck-ingest/internal/domain"
)

func newTestDeadLetterRepo(t *testing.T) *DeadLetterRepo {
	t.Helper()
	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewDeadLetterRepo(writeDB, db.DialectSQLite)
	require.NoError(t, repo.EnsureTable(context.Background()))
	return repo
}

func TestDeadLetterRepo_EnsureTableIsIdempotent(t *testing.T) {
	t.Parallel()
	repo := newTestDeadLetterRepo(t)
	require.NoError(t, repo.EnsureTable(context.Background()))
}

func TestDeadLetterRepo_ClaimOldestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestDeadLetterRepo(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, repo.Insert(ctx, &domain.DeadLetterEntry{
			ID:        id,
			FileID:    "file-1",
			Operation: domain.OpInsertRows,
			Payload:   []byte(`{"rows":[]}`),
			Error:     "timeout: boom",
			Severity:  domain.SeverityMedium,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	now := base.Add(time.Hour)
	claimed, err := repo.ClaimBatch(ctx, 2, 3, now)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "c", claimed[0].ID)
	assert.Equal(t, "a", claimed[1].ID)
	assert.Equal(t, 1, claimed[0].RetryCount)
	require.NotNil(t, claimed[0].LastRetryAt)
	assert.True(t, now.Equal(*claimed[0].LastRetryAt))
	assert.Equal(t, domain.SeverityMedium, claimed[0].Severity)
	assert.JSONEq(t, `{"rows":[]}`, string(claimed[0].Payload))

	all, total, err := repo.List(ctx, domain.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, 1, all[0].RetryCount)
	assert.Equal(t, 0, all[2].RetryCount)
}

func TestDeadLetterRepo_RetryLimitAndPurge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestDeadLetterRepo(t)

	require.NoError(t, repo.Insert(ctx, &domain.DeadLetterEntry{
		FileID:    "file-1",
		Operation: domain.OpParquetExport,
		Payload:   []byte(`{}`),
		Error:     "export failed",
		Severity:  domain.SeverityLow,
	}))

	for i := 0; i < 2; i++ {
		claimed, err := repo.ClaimBatch(ctx, 10, 2, time.Now())
		require.NoError(t, err)
		require.Len(t, claimed, 1)
	}

	claimed, err := repo.ClaimBatch(ctx, 10, 2, time.Now())
	require.NoError(t, err)
	assert.Empty(t, claimed, "exhausted entries are not claimed again")

	purged, err := repo.PurgeExhausted(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestDeadLetterRepo_Delete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestDeadLetterRepo(t)

	e := &domain.DeadLetterEntry{FileID: "f", Operation: domain.OpInsertRows, Payload: []byte(`{}`), Error: "x", Severity: domain.SeverityHigh}
	require.NoError(t, repo.Insert(ctx, e))
	require.NotEmpty(t, e.ID)

	require.NoError(t, repo.Delete(ctx, e.ID))

	err := repo.Delete(ctx, e.ID)
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestDeadLetterRepo_EnsureTableWithoutDB(t *testing.T) {
	t.Parallel()
	repo := NewDeadLetterRepo(nil, db.DialectSQLite)
	err := repo.EnsureTable(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.DBErrorUnavailable, domain.ClassOf(err))
}
