// Package storage persists normalized records under one of three
// architecture patterns and maintains their versions, history and schemas.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"duck-ingest/internal/domain"
)

// recordNamespace seeds deterministic record ids derived from a natural key.
var recordNamespace = uuid.MustParse("6f1c1d7e-4c1b-4f55-9a57-2b1f0f5e9d3a")

// StoreOptions tunes one StoreNormalizedData call.
type StoreOptions struct {
	// Partition overrides the service's partition strategy for this call.
	Partition *domain.PartitionStrategy
	// KeyField names a data field whose value identifies the entity. Rows
	// with a key get a deterministic id, so storing them again is a no-op.
	KeyField string
}

// NormalizedStorageService writes and reads normalized records.
type NormalizedStorageService struct {
	records domain.NormalizedRecordRepository
	history domain.RecordHistoryRepository
	schemas domain.SchemaLookup
	writer  PatternWriter
	opts    domain.StorageOptions
	now     func() time.Time
	logger  *slog.Logger
}

// ServiceOption configures a NormalizedStorageService.
type ServiceOption func(*NormalizedStorageService)

// WithClock replaces the clock used for record timestamps.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *NormalizedStorageService) { s.now = now }
}

// NewNormalizedStorageService validates opts and selects the pattern writer.
// tables is only required for the decentralized pattern and locations only
// for polyglot.
func NewNormalizedStorageService(
	records domain.NormalizedRecordRepository,
	history domain.RecordHistoryRepository,
	schemas domain.SchemaLookup,
	locations domain.StorageLocationRepository,
	tables domain.SchemaTableStore,
	opts domain.StorageOptions,
	logger *slog.Logger,
	options ...ServiceOption,
) (*NormalizedStorageService, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	writer, err := newPatternWriter(opts.Pattern, records, tables, locations)
	if err != nil {
		return nil, err
	}
	s := &NormalizedStorageService{
		records: records,
		history: history,
		schemas: schemas,
		writer:  writer,
		opts:    opts,
		now:     time.Now,
		logger:  logger.With("component", "normalized-storage", "pattern", string(opts.Pattern)),
	}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

// Options returns the configuration the service was built with.
func (s *NormalizedStorageService) Options() domain.StorageOptions { return s.opts }

// StoreNormalizedData validates rows against the schema and writes one record
// per valid row. Row failures are collected in the result; the returned
// error is reserved for invalid arguments and an unresolvable schema.
func (s *NormalizedStorageService) StoreNormalizedData(
	ctx context.Context,
	projectID, fileID, schemaID string,
	rows []map[string]any,
	opts *StoreOptions,
) (*domain.StoreResult, error) {
	if projectID == "" {
		return nil, domain.ErrValidation("project id is required")
	}
	if schemaID == "" {
		return nil, domain.ErrValidation("schema id is required")
	}
	if opts == nil {
		opts = &StoreOptions{}
	}
	partition := s.opts.Partition
	if opts.Partition != nil {
		if err := opts.Partition.Validate(); err != nil {
			return nil, err
		}
		partition = opts.Partition
	}

	result := &domain.StoreResult{RecordIDs: []string{}}
	schema, err := s.resolveSchema(ctx, schemaID)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("schema %q is not registered; rows stored without validation", schemaID))
	}

	warned := map[string]bool{}
	for i, row := range rows {
		rowNum := i + 1
		data, unknown, err := validateRow(schema, row)
		if err != nil {
			result.AddError(rowNum, err)
			continue
		}
		for _, col := range unknown {
			if !warned[col] {
				warned[col] = true
				result.Warnings = append(result.Warnings, fmt.Sprintf("column %q is not declared by schema %q", col, schemaID))
			}
		}

		rec := s.newRecord(projectID, fileID, schemaID, data, partition)
		if opts.KeyField != "" {
			key := stringify(data[opts.KeyField])
			if key == "" {
				result.AddError(rowNum, domain.ErrValidation("key field %q is empty", opts.KeyField))
				continue
			}
			rec.ID = naturalID(projectID, schemaID, key)
			rec.LineageID = rec.ID
			if existing, err := s.records.GetByID(ctx, rec.ID); err == nil {
				result.NormalizedCount++
				result.RecordIDs = append(result.RecordIDs, existing.ID)
				continue
			} else if !isNotFound(err) {
				result.AddError(rowNum, err)
				continue
			}
		}

		if err := s.writer.Write(ctx, rec, schema); err != nil {
			result.AddError(rowNum, err)
			continue
		}
		s.appendHistory(ctx, rec, domain.HistoryInsert)
		result.NormalizedCount++
		result.RecordIDs = append(result.RecordIDs, rec.ID)
	}

	result.Success = result.ErrorCount == 0
	s.logger.Info("normalized rows stored",
		"project_id", projectID, "file_id", fileID, "schema_id", schemaID,
		"stored", result.NormalizedCount, "errors", result.ErrorCount, "warnings", len(result.Warnings))
	return result, nil
}

// UpdateNormalizedRecord writes new data for an active record. With
// versioning enabled the record is superseded by version+1 in the same
// lineage; otherwise it is overwritten in place.
func (s *NormalizedStorageService) UpdateNormalizedRecord(ctx context.Context, recordID string, data map[string]any) (*domain.NormalizedRecord, error) {
	current, err := s.records.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if !current.IsActive {
		return nil, domain.ErrConflict("record %q is not the active version", recordID)
	}
	schema, err := s.resolveSchema(ctx, current.SchemaID)
	if err != nil {
		return nil, err
	}
	clean, _, err := validateRow(schema, data)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var partKey *string
	if s.opts.Partition != nil {
		k := GeneratePartitionKey(*s.opts.Partition, clean)
		partKey = &k
	}

	if !s.opts.EnableVersioning {
		updated := *current
		updated.Data = clean
		updated.PartitionKey = partKey
		updated.UpdatedAt = now
		if err := s.writer.Replace(ctx, &updated, schema); err != nil {
			return nil, err
		}
		s.appendHistory(ctx, &updated, domain.HistoryUpdate)
		return &updated, nil
	}

	prev := current.ID
	next := &domain.NormalizedRecord{
		ID:                domain.NewID(),
		LineageID:         current.LineageID,
		ProjectID:         current.ProjectID,
		FileID:            current.FileID,
		SchemaID:          current.SchemaID,
		Data:              clean,
		Version:           current.Version + 1,
		IsActive:          true,
		PreviousVersionID: &prev,
		PartitionKey:      partKey,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.writer.Supersede(ctx, prev, next, schema); err != nil {
		return nil, err
	}
	s.appendHistory(ctx, next, domain.HistoryUpdate)
	return next, nil
}

// DeleteNormalizedRecord deactivates an active record. No version is removed.
func (s *NormalizedStorageService) DeleteNormalizedRecord(ctx context.Context, recordID string) error {
	current, err := s.records.GetByID(ctx, recordID)
	if err != nil {
		return err
	}
	if !current.IsActive {
		return domain.ErrNotFound("active normalized record %q not found", recordID)
	}
	var schema *domain.SchemaVersion
	if s.writer.Pattern() == domain.PatternDecentralized {
		if schema, err = s.resolveSchema(ctx, current.SchemaID); err != nil {
			return err
		}
	}
	now := s.now().UTC()
	if err := s.writer.Deactivate(ctx, current, schema, now); err != nil {
		return err
	}
	current.IsActive = false
	current.UpdatedAt = now
	s.appendHistory(ctx, current, domain.HistoryDelete)
	return nil
}

// GetRecordHistory returns the history of the record's lineage, oldest
// first.
func (s *NormalizedStorageService) GetRecordHistory(ctx context.Context, recordID string) ([]domain.NormalizedRecordHistory, error) {
	rec, err := s.records.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	h, err := s.history.ListForLineage(ctx, rec.LineageID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return h, nil
}

// ApplyRetention deletes inactive versions older than MaxAge or beyond the
// newest MaxVersions inactive versions of their lineage. Active versions and
// history are never touched. It returns the number of versions removed.
func (s *NormalizedStorageService) ApplyRetention(ctx context.Context) (int64, error) {
	policy := s.opts.Retention
	if policy == nil || (policy.MaxAge <= 0 && policy.MaxVersions <= 0) {
		return 0, nil
	}
	inactive, err := s.records.ListInactive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list inactive records: %w", err)
	}

	byLineage := map[string][]domain.NormalizedRecord{}
	for _, r := range inactive {
		byLineage[r.LineageID] = append(byLineage[r.LineageID], r)
	}
	cutoff := s.now().Add(-policy.MaxAge)
	var doomed []string
	for _, versions := range byLineage {
		sort.Slice(versions, func(i, j int) bool { return versions[i].Version > versions[j].Version })
		for rank, r := range versions {
			tooOld := policy.MaxAge > 0 && r.UpdatedAt.Before(cutoff)
			tooMany := policy.MaxVersions > 0 && rank >= policy.MaxVersions
			if tooOld || tooMany {
				doomed = append(doomed, r.ID)
			}
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	sort.Strings(doomed)
	n, err := s.records.DeleteInactive(ctx, doomed)
	if err != nil {
		return n, fmt.Errorf("delete inactive records: %w", err)
	}
	s.logger.Info("retention applied", "deleted", n)
	return n, nil
}

func (s *NormalizedStorageService) newRecord(projectID, fileID, schemaID string, data map[string]any, partition *domain.PartitionStrategy) *domain.NormalizedRecord {
	now := s.now().UTC()
	rec := &domain.NormalizedRecord{
		ID:        domain.NewID(),
		ProjectID: projectID,
		FileID:    fileID,
		SchemaID:  schemaID,
		Data:      data,
		Version:   1,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec.LineageID = rec.ID
	if partition != nil {
		k := GeneratePartitionKey(*partition, data)
		rec.PartitionKey = &k
	}
	return rec
}

// resolveSchema returns the schema's latest version. An unregistered schema
// is tolerated (nil) except by the decentralized pattern.
func (s *NormalizedStorageService) resolveSchema(ctx context.Context, schemaID string) (*domain.SchemaVersion, error) {
	if s.schemas == nil {
		if s.writer.Pattern() == domain.PatternDecentralized {
			return nil, domain.ErrValidation("decentralized storage requires a schema lookup")
		}
		return nil, nil
	}
	schema, err := s.schemas.Lookup(ctx, schemaID)
	switch {
	case err == nil:
		return schema, nil
	case isNotFound(err) && s.writer.Pattern() != domain.PatternDecentralized:
		return nil, nil
	default:
		return nil, fmt.Errorf("resolve schema %q: %w", schemaID, err)
	}
}

// appendHistory records a write when historization is on. History is an
// audit trail: a failed append is logged, not returned.
func (s *NormalizedStorageService) appendHistory(ctx context.Context, rec *domain.NormalizedRecord, op domain.HistoryOperation) {
	if !s.opts.EnableHistorization || s.history == nil {
		return
	}
	h := &domain.NormalizedRecordHistory{
		RecordID:  rec.ID,
		LineageID: rec.LineageID,
		Version:   rec.Version,
		Operation: op,
		Data:      rec.Data,
		ChangedAt: s.now().UTC(),
	}
	if err := s.history.Append(ctx, h); err != nil {
		s.logger.Warn("append record history", "record_id", rec.ID, "operation", string(op), "error", err)
	}
}

// validateRow copies row, fills declared defaults, checks required columns
// and coerces typed columns. It also returns the row's columns the schema
// does not declare.
func validateRow(schema *domain.SchemaVersion, row map[string]any) (map[string]any, []string, error) {
	if len(row) == 0 {
		return nil, nil, domain.ErrValidation("row is empty")
	}
	data := make(map[string]any, len(row))
	for k, v := range row {
		data[k] = v
	}
	if schema == nil {
		return data, nil, nil
	}

	declared := make(map[string]bool, len(schema.Columns))
	var missing []string
	for _, c := range schema.Columns {
		declared[c.Name] = true
		if !isMissing(data[c.Name]) {
			continue
		}
		if c.DefaultValue != nil {
			data[c.Name] = *c.DefaultValue
			continue
		}
		if c.IsRequired {
			missing = append(missing, c.Name)
		}
	}
	if len(missing) > 0 {
		return nil, nil, domain.ErrValidation("missing required columns: %s", strings.Join(missing, ", "))
	}
	for _, c := range schema.Columns {
		v, err := coerceColumn(c, data[c.Name])
		if err != nil {
			return nil, nil, err
		}
		if v != nil {
			data[c.Name] = v
		}
	}

	var unknown []string
	for k := range data {
		if !declared[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return data, unknown, nil
}

// coerceColumn checks v against the column type. Boolean strings become
// bools; temporal and numeric values must parse. Strings are kept otherwise.
func coerceColumn(c domain.SchemaColumn, v any) (any, error) {
	if isMissing(v) {
		return nil, nil
	}
	switch strings.ToLower(c.Type) {
	case domain.ColumnTypeBoolean, "bool":
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, domain.ErrValidation("column %q: %q is not a boolean", c.Name, b)
			}
			return parsed, nil
		}
		return nil, domain.ErrValidation("column %q: expected boolean, got %T", c.Name, v)
	case domain.ColumnTypeDate, domain.ColumnTypeTimestamp, "datetime":
		switch t := v.(type) {
		case time.Time:
			return t, nil
		case string:
			if _, err := time.Parse(time.RFC3339, t); err == nil {
				return t, nil
			}
			if _, err := time.Parse(time.DateOnly, t); err == nil {
				return t, nil
			}
			return nil, domain.ErrValidation("column %q: %q is not an RFC3339 timestamp or date", c.Name, t)
		}
		return nil, domain.ErrValidation("column %q: expected timestamp, got %T", c.Name, v)
	case domain.ColumnTypeInteger, domain.ColumnTypeNumber, domain.ColumnTypeDecimal:
		switch n := v.(type) {
		case int, int32, int64, float32, float64, json.Number:
			return n, nil
		case string:
			if _, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err != nil {
				return nil, domain.ErrValidation("column %q: %q is not a number", c.Name, n)
			}
			return n, nil
		}
		return nil, domain.ErrValidation("column %q: expected number, got %T", c.Name, v)
	}
	return v, nil
}

func isMissing(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func naturalID(projectID, schemaID, key string) string {
	return uuid.NewSHA1(recordNamespace, []byte(projectID+"\x00"+schemaID+"\x00"+key)).String()
}

func isNotFound(err error) bool {
	var nf *domain.NotFoundError
	return errors.As(err, &nf)
}
