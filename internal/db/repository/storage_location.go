package repository

import (
	"context"
	"database/sql"
	"fmt"

	internaldb "duck-ingest/internal/db"
	"duck-ingest/internal/domain"
)

var _ domain.StorageLocationRepository = (*StorageLocationRepo)(nil)

// StorageLocationRepo stores polyglot placement metadata.
type StorageLocationRepo struct {
	store
}

// NewStorageLocationRepo creates a new StorageLocationRepo.
func NewStorageLocationRepo(db *sql.DB, dialect internaldb.Dialect) *StorageLocationRepo {
	return &StorageLocationRepo{store: store{db: db, dialect: dialect}}
}

// Upsert records where a record's canonical copy lives.
func (r *StorageLocationRepo) Upsert(ctx context.Context, loc *domain.StorageLocation) error {
	loc.CreatedAt = utc(loc.CreatedAt)
	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO storage_locations (record_id, schema_id, storage_type, location, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (record_id) DO UPDATE SET
			schema_id = excluded.schema_id,
			storage_type = excluded.storage_type,
			location = excluded.location
	`), loc.RecordID, loc.SchemaID, loc.StorageType, loc.Location, loc.CreatedAt)
	return mapDBError(err)
}

// Get returns the placement of a record.
func (r *StorageLocationRepo) Get(ctx context.Context, recordID string) (*domain.StorageLocation, error) {
	var loc domain.StorageLocation
	err := r.db.QueryRowContext(ctx, r.q(`
		SELECT record_id, schema_id, storage_type, location, created_at
		FROM storage_locations WHERE record_id = ?
	`), recordID).Scan(&loc.RecordID, &loc.SchemaID, &loc.StorageType, &loc.Location, &loc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound("storage location for %q not found", recordID)
	}
	if err != nil {
		return nil, fmt.Errorf("get storage location: %w", mapDBError(err))
	}
	loc.CreatedAt = loc.CreatedAt.UTC()
	return &loc, nil
}
