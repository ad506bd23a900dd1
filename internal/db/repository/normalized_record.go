package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	internaldb "duck-ingest/internal/db"
	"duck-ingest/internal/domain"
)

var _ domain.NormalizedRecordRepository = (*NormalizedRecordRepo)(nil)

const normalizedRecordColumns = `id, lineage_id, project_id, file_id, schema_id, data_json, version, is_active,
	previous_version_id, partition_key, created_at, updated_at`

// NormalizedRecordRepo stores the centralized normalized_records table.
type NormalizedRecordRepo struct {
	store
}

// NewNormalizedRecordRepo creates a new NormalizedRecordRepo.
func NewNormalizedRecordRepo(db *sql.DB, dialect internaldb.Dialect) *NormalizedRecordRepo {
	return &NormalizedRecordRepo{store: store{db: db, dialect: dialect}}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Insert stores a record. Re-inserting an existing id is a no-op.
func (r *NormalizedRecordRepo) Insert(ctx context.Context, rec *domain.NormalizedRecord) error {
	return r.insert(ctx, r.db, rec)
}

func (r *NormalizedRecordRepo) insert(ctx context.Context, ex execer, rec *domain.NormalizedRecord) error {
	if rec.ID == "" {
		rec.ID = domain.NewID()
	}
	if rec.LineageID == "" {
		rec.LineageID = rec.ID
	}
	rec.CreatedAt = utc(rec.CreatedAt)
	rec.UpdatedAt = utc(rec.UpdatedAt)
	data, err := marshalJSON(rec.Data)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, r.q(`
		INSERT INTO normalized_records (`+normalizedRecordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), rec.ID, rec.LineageID, rec.ProjectID, rec.FileID, rec.SchemaID, data, rec.Version,
		boolToInt(rec.IsActive), nullString(rec.PreviousVersionID), nullString(rec.PartitionKey),
		rec.CreatedAt, rec.UpdatedAt)
	return mapDBError(err)
}

// GetByID returns a record version by ID.
func (r *NormalizedRecordRepo) GetByID(ctx context.Context, id string) (*domain.NormalizedRecord, error) {
	recs, err := r.list(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, domain.ErrNotFound("normalized record %q not found", id)
	}
	return &recs[0], nil
}

// Supersede deactivates prevID and inserts next in one transaction. It fails
// with a ConflictError when prevID is no longer the active version.
func (r *NormalizedRecordRepo) Supersede(ctx context.Context, prevID string, next *domain.NormalizedRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin supersede: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, r.q(`
		UPDATE normalized_records SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1
	`), utc(next.CreatedAt), prevID)
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrConflict("record %q is not the active version", prevID)
	}

	if err := r.insert(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit supersede: %w", err)
	}
	return nil
}

// UpdateInPlace overwrites the data of an active record.
func (r *NormalizedRecordRepo) UpdateInPlace(ctx context.Context, rec *domain.NormalizedRecord) error {
	data, err := marshalJSON(rec.Data)
	if err != nil {
		return err
	}
	rec.UpdatedAt = utc(rec.UpdatedAt)
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE normalized_records SET data_json = ?, partition_key = ?, updated_at = ?
		WHERE id = ? AND is_active = 1
	`), data, nullString(rec.PartitionKey), rec.UpdatedAt, rec.ID)
	if err != nil {
		return mapDBError(err)
	}
	return expectOne(res, "active normalized record %q not found", rec.ID)
}

// Deactivate marks an active record inactive.
func (r *NormalizedRecordRepo) Deactivate(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE normalized_records SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1
	`), utc(at), id)
	if err != nil {
		return mapDBError(err)
	}
	return expectOne(res, "active normalized record %q not found", id)
}

// ListByProject returns a project's records, optionally restricted to one
// schema. activeOnly drops superseded and deleted versions.
func (r *NormalizedRecordRepo) ListByProject(ctx context.Context, projectID, schemaID string, activeOnly bool) ([]domain.NormalizedRecord, error) {
	return r.list(ctx, listWhere("project_id", schemaID, activeOnly), listArgs(projectID, schemaID)...)
}

// ListByFile returns the records produced from one file.
func (r *NormalizedRecordRepo) ListByFile(ctx context.Context, fileID, schemaID string, activeOnly bool) ([]domain.NormalizedRecord, error) {
	return r.list(ctx, listWhere("file_id", schemaID, activeOnly), listArgs(fileID, schemaID)...)
}

func listWhere(scope, schemaID string, activeOnly bool) string {
	where := `WHERE ` + scope + ` = ?`
	if schemaID != "" {
		where += ` AND schema_id = ?`
	}
	if activeOnly {
		where += ` AND is_active = 1`
	}
	return where + ` ORDER BY created_at, id`
}

func listArgs(scopeID, schemaID string) []any {
	if schemaID == "" {
		return []any{scopeID}
	}
	return []any{scopeID, schemaID}
}

// ListLineage returns every version of one entity, oldest first.
func (r *NormalizedRecordRepo) ListLineage(ctx context.Context, lineageID string) ([]domain.NormalizedRecord, error) {
	return r.list(ctx, `WHERE lineage_id = ? ORDER BY version`, lineageID)
}

// ListInactive returns superseded and deleted versions.
func (r *NormalizedRecordRepo) ListInactive(ctx context.Context) ([]domain.NormalizedRecord, error) {
	return r.list(ctx, `WHERE is_active = 0 ORDER BY lineage_id, version`)
}

// DeleteInactive removes inactive versions by id. Active ids are ignored.
func (r *NormalizedRecordRepo) DeleteInactive(ctx context.Context, ids []string) (int64, error) {
	var total int64
	for start := 0; start < len(ids); start += rowsPerStatement {
		chunk := ids[start:min(start+rowsPerStatement, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		res, err := r.db.ExecContext(ctx, r.q(`
			DELETE FROM normalized_records WHERE is_active = 0 AND id IN (`+placeholders+`)
		`), args...)
		if err != nil {
			return total, mapDBError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

func (r *NormalizedRecordRepo) list(ctx context.Context, where string, args ...any) ([]domain.NormalizedRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT `+normalizedRecordColumns+` FROM normalized_records `+where), args...)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.NormalizedRecord
	for rows.Next() {
		var (
			rec           domain.NormalizedRecord
			data          string
			active        int64
			prev, partKey sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.LineageID, &rec.ProjectID, &rec.FileID, &rec.SchemaID, &data,
			&rec.Version, &active, &prev, &partKey, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan normalized record: %w", err)
		}
		if rec.Data, err = unmarshalData(data); err != nil {
			return nil, err
		}
		rec.IsActive = active == 1
		rec.PreviousVersionID = stringPtr(prev)
		rec.PartitionKey = stringPtr(partKey)
		rec.CreatedAt = rec.CreatedAt.UTC()
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func expectOne(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound(format, args...)
	}
	return nil
}
