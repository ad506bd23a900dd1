package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	internaldb "duck-ingest/internal/db"
	"duck-ingest/internal/domain"
)

var _ domain.SchemaVersionRepository = (*SchemaVersionRepo)(nil)

// SchemaVersionRepo stores append-only schema snapshots.
type SchemaVersionRepo struct {
	store
}

// NewSchemaVersionRepo creates a new SchemaVersionRepo.
func NewSchemaVersionRepo(db *sql.DB, dialect internaldb.Dialect) *SchemaVersionRepo {
	return &SchemaVersionRepo{store: store{db: db, dialect: dialect}}
}

// Append stores v as the next version of its schema. The version number is
// assigned here: one past the current latest, or 1 for a new schema.
func (r *SchemaVersionRepo) Append(ctx context.Context, v *domain.SchemaVersion) (*domain.SchemaVersion, error) {
	if v.SchemaID == "" {
		return nil, domain.ErrValidation("schema id is required")
	}
	cols, err := marshalJSON(v.Columns)
	if err != nil {
		return nil, err
	}
	changes := v.ChangeLog
	if changes == nil {
		changes = []domain.SchemaChange{}
	}
	changeLog, err := marshalJSON(changes)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append schema version: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx, r.q(`SELECT MAX(version) FROM schema_versions WHERE schema_id = ?`), v.SchemaID).Scan(&latest); err != nil {
		return nil, mapDBError(err)
	}

	out := *v
	out.Version = int(latest.Int64) + 1
	out.ChangeLog = changes
	out.CreatedAt = utc(v.CreatedAt)

	if _, err := tx.ExecContext(ctx, r.q(`
		INSERT INTO schema_versions (schema_id, version, columns_json, change_log_json, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), out.SchemaID, out.Version, cols, changeLog, out.Comment, out.CreatedAt); err != nil {
		return nil, mapDBError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit schema version: %w", err)
	}
	return &out, nil
}

// Latest returns the newest version of a schema.
func (r *SchemaVersionRepo) Latest(ctx context.Context, schemaID string) (*domain.SchemaVersion, error) {
	vs, err := r.list(ctx, `WHERE schema_id = ? ORDER BY version DESC LIMIT 1`, schemaID)
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, domain.ErrNotFound("schema %q has no versions", schemaID)
	}
	return &vs[0], nil
}

// Get returns one version of a schema.
func (r *SchemaVersionRepo) Get(ctx context.Context, schemaID string, version int) (*domain.SchemaVersion, error) {
	vs, err := r.list(ctx, `WHERE schema_id = ? AND version = ?`, schemaID, version)
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, domain.ErrNotFound("schema %q version %d not found", schemaID, version)
	}
	return &vs[0], nil
}

// List returns every version of a schema, oldest first.
func (r *SchemaVersionRepo) List(ctx context.Context, schemaID string) ([]domain.SchemaVersion, error) {
	return r.list(ctx, `WHERE schema_id = ? ORDER BY version`, schemaID)
}

func (r *SchemaVersionRepo) list(ctx context.Context, where string, args ...any) ([]domain.SchemaVersion, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT schema_id, version, columns_json, change_log_json, comment, created_at
		FROM schema_versions `+where), args...)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.SchemaVersion
	for rows.Next() {
		var (
			v               domain.SchemaVersion
			cols, changeLog string
		)
		if err := rows.Scan(&v.SchemaID, &v.Version, &cols, &changeLog, &v.Comment, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schema version: %w", err)
		}
		if err := json.Unmarshal([]byte(cols), &v.Columns); err != nil {
			return nil, fmt.Errorf("unmarshal columns: %w", err)
		}
		if err := json.Unmarshal([]byte(changeLog), &v.ChangeLog); err != nil {
			return nil, fmt.Errorf("unmarshal change log: %w", err)
		}
		v.CreatedAt = v.CreatedAt.UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}
