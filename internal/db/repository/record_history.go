package repository

import (
	"context"
	"database/sql"
	"fmt"

	internaldb "duck-ingest/internal/db"
	"duck-ingest/internal/domain"
)

var _ domain.RecordHistoryRepository = (*RecordHistoryRepo)(nil)

// RecordHistoryRepo appends to normalized_record_history. Rows are never
// updated or deleted.
type RecordHistoryRepo struct {
	store
}

// NewRecordHistoryRepo creates a new RecordHistoryRepo.
func NewRecordHistoryRepo(db *sql.DB, dialect internaldb.Dialect) *RecordHistoryRepo {
	return &RecordHistoryRepo{store: store{db: db, dialect: dialect}}
}

// Append stores a history entry.
func (r *RecordHistoryRepo) Append(ctx context.Context, h *domain.NormalizedRecordHistory) error {
	if h.ID == "" {
		h.ID = domain.NewID()
	}
	h.ChangedAt = utc(h.ChangedAt)
	data, err := marshalJSON(h.Data)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.q(`
		INSERT INTO normalized_record_history (id, record_id, lineage_id, version, operation, data_json, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), h.ID, h.RecordID, h.LineageID, h.Version, string(h.Operation), data, h.ChangedAt)
	return mapDBError(err)
}

// ListForRecord returns the history of one record version in write order.
func (r *RecordHistoryRepo) ListForRecord(ctx context.Context, recordID string) ([]domain.NormalizedRecordHistory, error) {
	return r.list(ctx, `WHERE record_id = ?`, recordID)
}

// ListForLineage returns the history of every version of an entity.
func (r *RecordHistoryRepo) ListForLineage(ctx context.Context, lineageID string) ([]domain.NormalizedRecordHistory, error) {
	return r.list(ctx, `WHERE lineage_id = ?`, lineageID)
}

func (r *RecordHistoryRepo) list(ctx context.Context, where string, args ...any) ([]domain.NormalizedRecordHistory, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT id, record_id, lineage_id, version, operation, data_json, changed_at
		FROM normalized_record_history `+where+`
		ORDER BY changed_at, id
	`), args...)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.NormalizedRecordHistory
	for rows.Next() {
		var (
			h    domain.NormalizedRecordHistory
			op   string
			data string
		)
		if err := rows.Scan(&h.ID, &h.RecordID, &h.LineageID, &h.Version, &op, &data, &h.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan record history: %w", err)
		}
		if h.Data, err = unmarshalData(data); err != nil {
			return nil, err
		}
		h.Operation = domain.HistoryOperation(op)
		h.ChangedAt = h.ChangedAt.UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}
