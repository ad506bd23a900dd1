package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	internaldb "duck-ingest/internal/db"
	"duck-ingest/internal/domain"
)

var _ domain.RowBackend = (*RowStore)(nil)

// rowsPerStatement bounds multi-row VALUES lists so that the bind-parameter
// count stays well below SQLite's limit.
const rowsPerStatement = 100

const rowColumns = 5

// sqliteDefaultBusyTimeout matches the DSN busy timeout in internal/db.
const sqliteDefaultBusyTimeout = 5 * time.Second

// RowStore writes ingested rows to the ingested_rows table. Each Acquire
// checks one connection out of the pool.
type RowStore struct {
	store
	mode   domain.BackendMode
	logger *slog.Logger
}

// NewRowStore creates a RowStore.
func NewRowStore(db *sql.DB, dialect internaldb.Dialect, mode domain.BackendMode, logger *slog.Logger) *RowStore {
	return &RowStore{store: store{db: db, dialect: dialect}, mode: mode, logger: logger}
}

// Mode returns the configured backend mode.
func (s *RowStore) Mode() domain.BackendMode { return s.mode }

// Acquire checks out a pooled connection.
func (s *RowStore) Acquire(ctx context.Context) (domain.RowConn, error) {
	if s.db == nil {
		return nil, &domain.DBError{Class: domain.DBErrorUnavailable, Err: fmt.Errorf("row store not configured")}
	}
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, classifyDBError(fmt.Errorf("acquire connection: %w", err))
	}
	return &rowConn{conn: c, dialect: s.dialect}, nil
}

// CountRows returns the number of stored rows for a file.
func (s *RowStore) CountRows(ctx context.Context, fileID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM ingested_rows WHERE file_id = ?`), fileID).Scan(&n)
	if err != nil {
		return 0, mapDBError(err)
	}
	return n, nil
}

// StreamRows calls fn for each stored row of a file in row order.
func (s *RowStore) StreamRows(ctx context.Context, fileID string, fn func(rowNum int64, values map[string]any) error) error {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT row_num, data_json FROM ingested_rows
		WHERE file_id = ? ORDER BY row_num
	`), fileID)
	if err != nil {
		return mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var (
			rowNum int64
			data   string
		)
		if err := rows.Scan(&rowNum, &data); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		values, err := unmarshalData(data)
		if err != nil {
			return err
		}
		if err := fn(rowNum, values); err != nil {
			return err
		}
	}
	return rows.Err()
}

// rowConn is one checked-out connection.
type rowConn struct {
	conn    *sql.Conn
	dialect internaldb.Dialect
	once    sync.Once
}

func (c *rowConn) Release() {
	c.once.Do(func() { _ = c.conn.Close() })
}

// InsertMany inserts rows statement by statement, skipping existing keys.
// On failure it reports how many leading rows were stored.
func (c *rowConn) InsertMany(ctx context.Context, fileID string, rows []domain.TaggedRow) (int, error) {
	stored := 0
	for start := 0; start < len(rows); start += rowsPerStatement {
		end := min(start+rowsPerStatement, len(rows))
		query, args, err := c.buildInsert(fileID, rows[start:end], true)
		if err != nil {
			return stored, err
		}
		if _, err := c.conn.ExecContext(ctx, query, args...); err != nil {
			return stored, classifyDBError(err)
		}
		stored = end
	}
	return stored, nil
}

// InsertTx inserts all rows in one transaction bounded by opts.
func (c *rowConn) InsertTx(ctx context.Context, fileID string, rows []domain.TaggedRow, opts domain.TxOptions) (n int, err error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if c.dialect == internaldb.DialectSQLite && opts.MaxWait > 0 {
		if err := c.setBusyTimeout(ctx, opts.MaxWait); err != nil {
			return 0, err
		}
		defer func() {
			// Fresh context: the transaction context may already be done.
			_ = c.setBusyTimeout(context.Background(), sqliteDefaultBusyTimeout)
		}()
	}

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, classifyDBError(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if c.dialect == internaldb.DialectPostgres {
		if opts.MaxWait > 0 {
			if _, err = tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", opts.MaxWait.Milliseconds())); err != nil {
				return 0, classifyDBError(err)
			}
		}
		if opts.Timeout > 0 {
			if _, err = tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", opts.Timeout.Milliseconds())); err != nil {
				return 0, classifyDBError(err)
			}
		}
	}

	for start := 0; start < len(rows); start += rowsPerStatement {
		end := min(start+rowsPerStatement, len(rows))
		query, args, buildErr := c.buildInsert(fileID, rows[start:end], true)
		if buildErr != nil {
			err = buildErr
			return 0, err
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			err = classifyDBError(err)
			return 0, err
		}
	}

	if err = tx.Commit(); err != nil {
		err = classifyDBError(fmt.Errorf("commit: %w", err))
		return 0, err
	}
	return len(rows), nil
}

// InsertOne inserts a single row without duplicate skipping, so that a
// collision surfaces as DBErrorUnique.
func (c *rowConn) InsertOne(ctx context.Context, fileID string, row domain.TaggedRow) error {
	query, args, err := c.buildInsert(fileID, []domain.TaggedRow{row}, false)
	if err != nil {
		return err
	}
	if _, err := c.conn.ExecContext(ctx, query, args...); err != nil {
		return classifyDBError(err)
	}
	return nil
}

func (c *rowConn) setBusyTimeout(ctx context.Context, d time.Duration) error {
	// PRAGMA values cannot be bound; the value is an integer we format.
	if _, err := c.conn.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", d.Milliseconds())); err != nil {
		return classifyDBError(fmt.Errorf("set busy timeout: %w", err))
	}
	return nil
}

func (c *rowConn) buildInsert(fileID string, rows []domain.TaggedRow, skipDuplicates bool) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`INSERT INTO ingested_rows (file_id, row_num, source_id, ingested_at, data_json) VALUES `)
	args := make([]any, 0, len(rows)*rowColumns)
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?)")
		data, err := json.Marshal(r.Values)
		if err != nil {
			return "", nil, fmt.Errorf("marshal row %d: %w", r.RowNumber, err)
		}
		args = append(args, fileID, r.RowNumber, r.SourceID, utc(r.IngestedAt), string(data))
	}
	if skipDuplicates {
		b.WriteString(` ON CONFLICT (file_id, row_num) DO NOTHING`)
	}
	return c.dialect.Rebind(b.String()), args, nil
}
