package domain

import (
	"context"
	"time"
)

// AuditRepository provides operations for audit logs.
type AuditRepository interface {
	Insert(ctx context.Context, e *AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEntry, int64, error)
}

// IngestedFileRepository tracks ingestion runs.
type IngestedFileRepository interface {
	Create(ctx context.Context, f *IngestedFile) (*IngestedFile, error)
	GetByID(ctx context.Context, id string) (*IngestedFile, error)
	UpdateHeaders(ctx context.Context, id string, headers []string) error
	UpdateStatus(ctx context.Context, id string, status FileStatus, rowCount int64, errMsg *string) error
	SetConversionError(ctx context.Context, id string, errMsg *string) error
	List(ctx context.Context, page PageRequest) ([]IngestedFile, int64, error)
}

// DeadLetterRepository stores dead-letter entries.
type DeadLetterRepository interface {
	EnsureTable(ctx context.Context) error
	Insert(ctx context.Context, e *DeadLetterEntry) error
	// ClaimBatch selects up to maxItems entries with retry_count < maxRetries,
	// oldest first, and increments their retry count and timestamp.
	ClaimBatch(ctx context.Context, maxItems, maxRetries int, now time.Time) ([]DeadLetterEntry, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, page PageRequest) ([]DeadLetterEntry, int64, error)
	PurgeExhausted(ctx context.Context, maxRetries int) (int64, error)
}

// NormalizedRecordRepository persists the centralized records table.
type NormalizedRecordRepository interface {
	// Insert stores a record; inserting an existing id is a no-op.
	Insert(ctx context.Context, r *NormalizedRecord) error
	GetByID(ctx context.Context, id string) (*NormalizedRecord, error)
	// Supersede deactivates prev and inserts next in one transaction.
	Supersede(ctx context.Context, prevID string, next *NormalizedRecord) error
	UpdateInPlace(ctx context.Context, r *NormalizedRecord) error
	Deactivate(ctx context.Context, id string, at time.Time) error
	// ListByProject and ListByFile return versions optionally restricted to a
	// schema and to active ones; data filters and ordering happen in the
	// service.
	ListByProject(ctx context.Context, projectID, schemaID string, activeOnly bool) ([]NormalizedRecord, error)
	ListByFile(ctx context.Context, fileID, schemaID string, activeOnly bool) ([]NormalizedRecord, error)
	ListLineage(ctx context.Context, lineageID string) ([]NormalizedRecord, error)
	DeleteInactive(ctx context.Context, ids []string) (int64, error)
	ListInactive(ctx context.Context) ([]NormalizedRecord, error)
}

// RecordHistoryRepository appends and reads record history. There is no
// update or delete.
type RecordHistoryRepository interface {
	Append(ctx context.Context, h *NormalizedRecordHistory) error
	ListForRecord(ctx context.Context, recordID string) ([]NormalizedRecordHistory, error)
	ListForLineage(ctx context.Context, lineageID string) ([]NormalizedRecordHistory, error)
}

// StorageLocationRepository stores polyglot placement metadata.
type StorageLocationRepository interface {
	Upsert(ctx context.Context, loc *StorageLocation) error
	Get(ctx context.Context, recordID string) (*StorageLocation, error)
}

// SchemaTableStore manages per-schema tables for the decentralized pattern.
type SchemaTableStore interface {
	EnsureTable(ctx context.Context, schema *SchemaVersion) (string, error)
	InsertRecord(ctx context.Context, table string, schema *SchemaVersion, r *NormalizedRecord) error
	UpsertRecord(ctx context.Context, table string, schema *SchemaVersion, r *NormalizedRecord) error
	SetActive(ctx context.Context, table, id string, active bool) error
}

// SchemaVersionRepository stores schema version snapshots. Versions are
// append-only.
type SchemaVersionRepository interface {
	Append(ctx context.Context, v *SchemaVersion) (*SchemaVersion, error)
	Latest(ctx context.Context, schemaID string) (*SchemaVersion, error)
	Get(ctx context.Context, schemaID string, version int) (*SchemaVersion, error)
	List(ctx context.Context, schemaID string) ([]SchemaVersion, error)
}
