package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"duck-ingest/internal/domain"
)

// Polyglot placement written for every record until schemas can be routed to
// other engines.
const (
	polyglotStorageType = "relational"
	polyglotLocation    = "normalized_records"
)

// PatternWriter persists record versions for one architecture pattern. The
// normalized_records table is written by every pattern and stays the system
// of record for versioning and queries.
type PatternWriter interface {
	Pattern() domain.ArchitecturePattern
	// Write stores a new record. schema may be nil when the pattern does not
	// need column metadata.
	Write(ctx context.Context, rec *domain.NormalizedRecord, schema *domain.SchemaVersion) error
	// Supersede deactivates prevID and stores next as the lineage's active
	// version.
	Supersede(ctx context.Context, prevID string, next *domain.NormalizedRecord, schema *domain.SchemaVersion) error
	// Replace overwrites an active record's data.
	Replace(ctx context.Context, rec *domain.NormalizedRecord, schema *domain.SchemaVersion) error
	Deactivate(ctx context.Context, rec *domain.NormalizedRecord, schema *domain.SchemaVersion, at time.Time) error
}

// newPatternWriter selects the writer for opts.Pattern.
func newPatternWriter(pattern domain.ArchitecturePattern, records domain.NormalizedRecordRepository, tables domain.SchemaTableStore, locations domain.StorageLocationRepository) (PatternWriter, error) {
	central := &centralizedWriter{records: records}
	switch pattern {
	case domain.PatternCentralized, "":
		return central, nil
	case domain.PatternDecentralized:
		if tables == nil {
			return nil, domain.ErrValidation("decentralized pattern requires a schema table store")
		}
		return &decentralizedWriter{centralizedWriter: central, tables: tables, ready: map[string]string{}}, nil
	case domain.PatternPolyglot:
		if locations == nil {
			return nil, domain.ErrValidation("polyglot pattern requires a storage location repository")
		}
		return &polyglotWriter{centralizedWriter: central, locations: locations}, nil
	default:
		return nil, domain.ErrValidation("unknown architecture pattern %q", pattern)
	}
}

// === Centralized ===

type centralizedWriter struct {
	records domain.NormalizedRecordRepository
}

func (w *centralizedWriter) Pattern() domain.ArchitecturePattern { return domain.PatternCentralized }

func (w *centralizedWriter) Write(ctx context.Context, rec *domain.NormalizedRecord, _ *domain.SchemaVersion) error {
	if err := w.records.Insert(ctx, rec); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (w *centralizedWriter) Supersede(ctx context.Context, prevID string, next *domain.NormalizedRecord, _ *domain.SchemaVersion) error {
	if err := w.records.Supersede(ctx, prevID, next); err != nil {
		return fmt.Errorf("supersede record: %w", err)
	}
	return nil
}

func (w *centralizedWriter) Replace(ctx context.Context, rec *domain.NormalizedRecord, _ *domain.SchemaVersion) error {
	if err := w.records.UpdateInPlace(ctx, rec); err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	return nil
}

func (w *centralizedWriter) Deactivate(ctx context.Context, rec *domain.NormalizedRecord, _ *domain.SchemaVersion, at time.Time) error {
	if err := w.records.Deactivate(ctx, rec.ID, at); err != nil {
		return fmt.Errorf("deactivate record: %w", err)
	}
	return nil
}

// === Decentralized ===

// decentralizedWriter also spreads each record across the typed columns of a
// per-schema table. Copies are keyed by record id, so rewriting a stored
// record is a no-op.
type decentralizedWriter struct {
	*centralizedWriter
	tables domain.SchemaTableStore

	mu sync.Mutex
	// ready caches "schemaID@version" -> table for schemas already provisioned.
	ready map[string]string
}

func (w *decentralizedWriter) Pattern() domain.ArchitecturePattern {
	return domain.PatternDecentralized
}

func (w *decentralizedWriter) table(ctx context.Context, schema *domain.SchemaVersion) (string, error) {
	if schema == nil || len(schema.Columns) == 0 {
		return "", domain.ErrValidation("decentralized storage requires the schema's column list")
	}
	key := fmt.Sprintf("%s@%d", schema.SchemaID, schema.Version)
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.ready[key]; ok {
		return t, nil
	}
	t, err := w.tables.EnsureTable(ctx, schema)
	if err != nil {
		return "", fmt.Errorf("ensure schema table: %w", err)
	}
	w.ready[key] = t
	return t, nil
}

func (w *decentralizedWriter) Write(ctx context.Context, rec *domain.NormalizedRecord, schema *domain.SchemaVersion) error {
	table, err := w.table(ctx, schema)
	if err != nil {
		return err
	}
	// The typed copy goes first: it skips existing ids, so a failed central
	// insert is healed by the next write of the same record.
	if err := w.tables.InsertRecord(ctx, table, schema, rec); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return w.centralizedWriter.Write(ctx, rec, schema)
}

func (w *decentralizedWriter) Supersede(ctx context.Context, prevID string, next *domain.NormalizedRecord, schema *domain.SchemaVersion) error {
	table, err := w.table(ctx, schema)
	if err != nil {
		return err
	}
	if err := w.centralizedWriter.Supersede(ctx, prevID, next, schema); err != nil {
		return err
	}
	if err := w.tables.SetActive(ctx, table, prevID, false); err != nil {
		return fmt.Errorf("deactivate in %s: %w", table, err)
	}
	if err := w.tables.InsertRecord(ctx, table, schema, next); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

func (w *decentralizedWriter) Replace(ctx context.Context, rec *domain.NormalizedRecord, schema *domain.SchemaVersion) error {
	table, err := w.table(ctx, schema)
	if err != nil {
		return err
	}
	if err := w.centralizedWriter.Replace(ctx, rec, schema); err != nil {
		return err
	}
	if err := w.tables.UpsertRecord(ctx, table, schema, rec); err != nil {
		return fmt.Errorf("upsert into %s: %w", table, err)
	}
	return nil
}

func (w *decentralizedWriter) Deactivate(ctx context.Context, rec *domain.NormalizedRecord, schema *domain.SchemaVersion, at time.Time) error {
	table, err := w.table(ctx, schema)
	if err != nil {
		return err
	}
	if err := w.centralizedWriter.Deactivate(ctx, rec, schema, at); err != nil {
		return err
	}
	if err := w.tables.SetActive(ctx, table, rec.ID, false); err != nil {
		return fmt.Errorf("deactivate in %s: %w", table, err)
	}
	return nil
}

// === Polyglot ===

// polyglotWriter writes the centralized representation plus a storage
// location row naming where the canonical copy lives.
type polyglotWriter struct {
	*centralizedWriter
	locations domain.StorageLocationRepository
}

func (w *polyglotWriter) Pattern() domain.ArchitecturePattern { return domain.PatternPolyglot }

func (w *polyglotWriter) Write(ctx context.Context, rec *domain.NormalizedRecord, schema *domain.SchemaVersion) error {
	if err := w.centralizedWriter.Write(ctx, rec, schema); err != nil {
		return err
	}
	return w.place(ctx, rec)
}

func (w *polyglotWriter) Supersede(ctx context.Context, prevID string, next *domain.NormalizedRecord, schema *domain.SchemaVersion) error {
	if err := w.centralizedWriter.Supersede(ctx, prevID, next, schema); err != nil {
		return err
	}
	return w.place(ctx, next)
}

func (w *polyglotWriter) place(ctx context.Context, rec *domain.NormalizedRecord) error {
	loc := &domain.StorageLocation{
		RecordID:    rec.ID,
		SchemaID:    rec.SchemaID,
		StorageType: polyglotStorageType,
		Location:    polyglotLocation,
		CreatedAt:   rec.CreatedAt,
	}
	if err := w.locations.Upsert(ctx, loc); err != nil {
		return fmt.Errorf("record storage location: %w", err)
	}
	return nil
}
