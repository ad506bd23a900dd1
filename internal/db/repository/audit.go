package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	internaldb "duck-ingest/internal/db"
	"duck-ingest/internal/domain"
)

var _ domain.AuditRepository = (*AuditRepo)(nil)

type AuditRepo struct {
	store
}

func NewAuditRepo(db *sql.DB, dialect internaldb.Dialect) *AuditRepo {
	return &AuditRepo{store: store{db: db, dialect: dialect}}
}

func (r *AuditRepo) Insert(ctx context.Context, e *domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = domain.NewID()
	}
	e.CreatedAt = utc(e.CreatedAt)
	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO audit_log (id, actor, action, file_id, status, detail, error_message, duration_ms, rows_affected, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), e.ID, e.Actor, e.Action, nullString(e.FileID), e.Status, nullString(e.Detail),
		nullString(e.ErrorMessage), nullInt64(e.DurationMs), nullInt64(e.RowsAffected), e.CreatedAt)
	return mapDBError(err)
}

func (r *AuditRepo) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, int64, error) {
	// Build the WHERE clause from the filters that are set.
	var (
		conds []string
		args  []any
	)
	add := func(col string, v *string) {
		if v != nil {
			conds = append(conds, col+" = ?")
			args = append(args, *v)
		}
	}
	add("actor", filter.Actor)
	add("action", filter.Action)
	add("file_id", filter.FileID)
	add("status", filter.Status)

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM audit_log`+where), args...).Scan(&total); err != nil {
		return nil, 0, mapDBError(err)
	}

	listArgs := append(append([]any{}, args...), filter.Page.Limit(), filter.Page.Offset())
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT id, actor, action, file_id, status, detail, error_message, duration_ms, rows_affected, created_at
		FROM audit_log`+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`), listArgs...)
	if err != nil {
		return nil, 0, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e                   domain.AuditEntry
			fileID, detail, msg sql.NullString
			duration, affected  sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &fileID, &e.Status, &detail, &msg,
			&duration, &affected, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan audit entry: %w", err)
		}
		e.FileID = stringPtr(fileID)
		e.Detail = stringPtr(detail)
		e.ErrorMessage = stringPtr(msg)
		e.DurationMs = int64Ptr(duration)
		e.RowsAffected = int64Ptr(affected)
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}
