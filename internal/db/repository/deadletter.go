package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	internaldb "duck-ingest/internal/db"
	"duck-ingest/internal/domain"
)

var _ domain.DeadLetterRepository = (*DeadLetterRepo)(nil)

// The dead-letter table lives outside the migrations so that a store whose
// migrations have not run can still accept failures.
const deadLetterDDL = `
	CREATE TABLE IF NOT EXISTS dead_letter_queue (
		id            TEXT PRIMARY KEY,
		file_id       TEXT NOT NULL,
		operation     TEXT NOT NULL,
		payload       TEXT NOT NULL,
		error         TEXT NOT NULL,
		severity      TEXT NOT NULL,
		created_at    TIMESTAMP NOT NULL,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		last_retry_at TIMESTAMP
	)`

const deadLetterIndexDDL = `CREATE INDEX IF NOT EXISTS idx_dead_letter_queue_created ON dead_letter_queue (created_at)`

const deadLetterColumns = `id, file_id, operation, payload, error, severity, created_at, retry_count, last_retry_at`

// DeadLetterRepo persists dead-letter entries.
type DeadLetterRepo struct {
	store
}

// NewDeadLetterRepo creates a new DeadLetterRepo.
func NewDeadLetterRepo(db *sql.DB, dialect internaldb.Dialect) *DeadLetterRepo {
	return &DeadLetterRepo{store: store{db: db, dialect: dialect}}
}

// EnsureTable creates the dead-letter table if it does not exist.
func (r *DeadLetterRepo) EnsureTable(ctx context.Context) error {
	if r.db == nil {
		return &domain.DBError{Class: domain.DBErrorUnavailable, Err: fmt.Errorf("dead-letter store not configured")}
	}
	if _, err := r.db.ExecContext(ctx, deadLetterDDL); err != nil {
		return classifyDBError(fmt.Errorf("create dead_letter_queue: %w", err))
	}
	if _, err := r.db.ExecContext(ctx, deadLetterIndexDDL); err != nil {
		return classifyDBError(fmt.Errorf("create dead_letter_queue index: %w", err))
	}
	return nil
}

// Insert stores an entry.
func (r *DeadLetterRepo) Insert(ctx context.Context, e *domain.DeadLetterEntry) error {
	if e.ID == "" {
		e.ID = domain.NewID()
	}
	e.CreatedAt = utc(e.CreatedAt)
	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO dead_letter_queue (id, file_id, operation, payload, error, severity, created_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), e.ID, e.FileID, e.Operation, string(e.Payload), e.Error, e.Severity.String(), e.CreatedAt, e.RetryCount)
	if err != nil {
		return classifyDBError(err)
	}
	return nil
}

// ClaimBatch selects the oldest entries still under the retry limit and
// bumps their retry counters in the same transaction.
func (r *DeadLetterRepo) ClaimBatch(ctx context.Context, maxItems, maxRetries int, now time.Time) ([]domain.DeadLetterEntry, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyDBError(fmt.Errorf("begin claim: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, r.q(`
		SELECT `+deadLetterColumns+` FROM dead_letter_queue
		WHERE retry_count < ?
		ORDER BY created_at, id
		LIMIT ?
	`), maxRetries, maxItems)
	if err != nil {
		return nil, classifyDBError(err)
	}
	entries, err := scanDeadLetters(rows)
	if err != nil {
		return nil, err
	}

	now = now.UTC()
	for i := range entries {
		if _, err := tx.ExecContext(ctx, r.q(`
			UPDATE dead_letter_queue SET retry_count = retry_count + 1, last_retry_at = ? WHERE id = ?
		`), now, entries[i].ID); err != nil {
			return nil, classifyDBError(err)
		}
		entries[i].RetryCount++
		at := now
		entries[i].LastRetryAt = &at
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyDBError(fmt.Errorf("commit claim: %w", err))
	}
	return entries, nil
}

// Delete removes an entry.
func (r *DeadLetterRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM dead_letter_queue WHERE id = ?`), id)
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound("dead letter %q not found", id)
	}
	return nil
}

// List returns entries oldest first.
func (r *DeadLetterRepo) List(ctx context.Context, page domain.PageRequest) ([]domain.DeadLetterEntry, int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&total); err != nil {
		return nil, 0, classifyDBError(err)
	}

	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT `+deadLetterColumns+` FROM dead_letter_queue
		ORDER BY created_at, id
		LIMIT ? OFFSET ?
	`), page.Limit(), page.Offset())
	if err != nil {
		return nil, 0, classifyDBError(err)
	}
	entries, err := scanDeadLetters(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// PurgeExhausted deletes entries that reached the retry limit.
func (r *DeadLetterRepo) PurgeExhausted(ctx context.Context, maxRetries int) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM dead_letter_queue WHERE retry_count >= ?`), maxRetries)
	if err != nil {
		return 0, classifyDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func scanDeadLetters(rows *sql.Rows) ([]domain.DeadLetterEntry, error) {
	defer rows.Close() //nolint:errcheck

	var out []domain.DeadLetterEntry
	for rows.Next() {
		var (
			e           domain.DeadLetterEntry
			payload     string
			severity    string
			lastRetryAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.FileID, &e.Operation, &payload, &e.Error, &severity,
			&e.CreatedAt, &e.RetryCount, &lastRetryAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		e.Payload = []byte(payload)
		e.Severity = domain.ParseSeverity(severity)
		e.CreatedAt = e.CreatedAt.UTC()
		e.LastRetryAt = nullTime(lastRetryAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
