package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	internaldb "duck-ingest/internal/db"
	"duck-ingest/internal/domain"
)

// MigrationTablePlaceholder is substituted by the caller with the physical
// table a migration script runs against.
const MigrationTablePlaceholder = "{{table}}"

// Audit actions written by SchemaService.
const (
	ActionCreateSchemaVersion = "CREATE_SCHEMA_VERSION"
	ActionRollbackSchema      = "ROLLBACK_SCHEMA"
)

var knownColumnTypes = map[string]bool{
	domain.ColumnTypeString: true, domain.ColumnTypeText: true, domain.ColumnTypeInteger: true,
	domain.ColumnTypeNumber: true, domain.ColumnTypeDecimal: true, domain.ColumnTypeBoolean: true,
	domain.ColumnTypeDate: true, domain.ColumnTypeTimestamp: true, domain.ColumnTypeJSON: true,
}

// SchemaService manages append-only schema versions.
type SchemaService struct {
	repo   domain.SchemaVersionRepository
	audit  domain.AuditRepository
	logger *slog.Logger
}

var _ domain.SchemaLookup = (*SchemaService)(nil)

// NewSchemaService creates a SchemaService. audit may be nil.
func NewSchemaService(repo domain.SchemaVersionRepository, audit domain.AuditRepository, logger *slog.Logger) *SchemaService {
	return &SchemaService{repo: repo, audit: audit, logger: logger.With("component", "schema-versions")}
}

// Lookup returns the schema's latest version.
func (s *SchemaService) Lookup(ctx context.Context, schemaID string) (*domain.SchemaVersion, error) {
	return s.repo.Latest(ctx, schemaID)
}

// CreateVersion appends columns as the schema's next version. If the column
// list equals the latest version's, the latest version is returned and
// nothing is written.
func (s *SchemaService) CreateVersion(ctx context.Context, actor, schemaID string, columns []domain.SchemaColumn, comment string) (*domain.SchemaVersion, error) {
	if schemaID == "" {
		return nil, domain.ErrValidation("schema id is required")
	}
	cols, err := normalizeColumns(columns)
	if err != nil {
		return nil, err
	}

	var previous []domain.SchemaColumn
	latest, err := s.repo.Latest(ctx, schemaID)
	switch {
	case err == nil:
		previous = latest.Columns
	case !isNotFound(err):
		return nil, fmt.Errorf("load latest schema version: %w", err)
	}
	diff := CompareSchemas(previous, cols)
	if latest != nil && diff.Empty() {
		return latest, nil
	}

	v, err := s.repo.Append(ctx, &domain.SchemaVersion{
		SchemaID:  schemaID,
		Columns:   cols,
		ChangeLog: diff.Changes(),
		Comment:   comment,
	})
	if err != nil {
		return nil, fmt.Errorf("append schema version: %w", err)
	}
	s.logger.Info("schema version created", "schema_id", schemaID, "version", v.Version, "changes", len(v.ChangeLog))
	s.logAudit(ctx, actor, ActionCreateSchemaVersion, fmt.Sprintf("Created version %d of schema %q", v.Version, schemaID))
	return v, nil
}

// RollbackSchema appends a new version whose columns equal targetVersion's.
// Existing versions are never modified.
func (s *SchemaService) RollbackSchema(ctx context.Context, actor, schemaID string, targetVersion int) (*domain.SchemaVersion, error) {
	if targetVersion < 1 {
		return nil, domain.ErrValidation("target version must be positive")
	}
	latest, err := s.repo.Latest(ctx, schemaID)
	if err != nil {
		return nil, err
	}
	if targetVersion == latest.Version {
		return nil, domain.ErrValidation("schema %q is already at version %d", schemaID, targetVersion)
	}
	target, err := s.repo.Get(ctx, schemaID, targetVersion)
	if err != nil {
		return nil, err
	}

	cols := make([]domain.SchemaColumn, len(target.Columns))
	copy(cols, target.Columns)
	v, err := s.repo.Append(ctx, &domain.SchemaVersion{
		SchemaID:  schemaID,
		Columns:   cols,
		ChangeLog: CompareSchemas(latest.Columns, cols).Changes(),
		Comment:   fmt.Sprintf("rollback to version %d", targetVersion),
	})
	if err != nil {
		return nil, fmt.Errorf("append rollback version: %w", err)
	}
	s.logger.Info("schema rolled back", "schema_id", schemaID, "from", latest.Version, "to", targetVersion, "version", v.Version)
	s.logAudit(ctx, actor, ActionRollbackSchema,
		fmt.Sprintf("Rolled schema %q back to version %d as version %d", schemaID, targetVersion, v.Version))
	return v, nil
}

// ListVersions returns every version of a schema, oldest first.
func (s *SchemaService) ListVersions(ctx context.Context, schemaID string) ([]domain.SchemaVersion, error) {
	return s.repo.List(ctx, schemaID)
}

// Diff compares two stored versions of a schema.
func (s *SchemaService) Diff(ctx context.Context, schemaID string, from, to int) (domain.SchemaDiff, error) {
	a, err := s.repo.Get(ctx, schemaID, from)
	if err != nil {
		return domain.SchemaDiff{}, err
	}
	b, err := s.repo.Get(ctx, schemaID, to)
	if err != nil {
		return domain.SchemaDiff{}, err
	}
	return CompareSchemas(a.Columns, b.Columns), nil
}

// CompareSchemas diffs two column lists by name. A column is modified when
// any property other than its id differs.
func CompareSchemas(old, target []domain.SchemaColumn) domain.SchemaDiff {
	oldByName := make(map[string]domain.SchemaColumn, len(old))
	for _, c := range old {
		oldByName[c.Name] = c
	}
	targetNames := make(map[string]bool, len(target))

	var diff domain.SchemaDiff
	for _, c := range target {
		targetNames[c.Name] = true
		prev, ok := oldByName[c.Name]
		if !ok {
			diff.Added = append(diff.Added, c)
			continue
		}
		if columnChanged(prev, c) {
			diff.Modified = append(diff.Modified, domain.ColumnModification{Old: prev, New: c})
		}
	}
	for _, c := range old {
		if !targetNames[c.Name] {
			diff.Removed = append(diff.Removed, c)
		}
	}
	return diff
}

func columnChanged(a, b domain.SchemaColumn) bool {
	return !strings.EqualFold(a.Type, b.Type) ||
		a.IsRequired != b.IsRequired ||
		!equalDefault(a.DefaultValue, b.DefaultValue) ||
		a.Description != b.Description
}

func equalDefault(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// GenerateMigrationScript renders one statement per change in diff against
// MigrationTablePlaceholder.
func GenerateMigrationScript(diff domain.SchemaDiff) []string {
	t := MigrationTablePlaceholder
	var out []string
	for _, c := range diff.Added {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", t, internaldb.QuoteIdent(c.Name), sqlType(c.Type))
		if c.DefaultValue != nil {
			stmt += " DEFAULT " + quoteLiteral(*c.DefaultValue)
		}
		if c.IsRequired {
			stmt += " NOT NULL"
		}
		out = append(out, stmt+";")
	}
	for _, c := range diff.Removed {
		out = append(out, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s;", t, internaldb.QuoteIdent(c.Name)))
	}
	for _, m := range diff.Modified {
		col := internaldb.QuoteIdent(m.New.Name)
		if !strings.EqualFold(m.Old.Type, m.New.Type) {
			out = append(out, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s;", t, col, sqlType(m.New.Type)))
		}
		if m.Old.IsRequired != m.New.IsRequired {
			action := "DROP NOT NULL"
			if m.New.IsRequired {
				action = "SET NOT NULL"
			}
			out = append(out, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s;", t, col, action))
		}
		if !equalDefault(m.Old.DefaultValue, m.New.DefaultValue) {
			action := "DROP DEFAULT"
			if m.New.DefaultValue != nil {
				action = "SET DEFAULT " + quoteLiteral(*m.New.DefaultValue)
			}
			out = append(out, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s;", t, col, action))
		}
		if m.Old.Description != m.New.Description {
			out = append(out, fmt.Sprintf("COMMENT ON COLUMN %s.%s IS %s;", t, col, quoteLiteral(m.New.Description)))
		}
	}
	return out
}

func sqlType(t string) string {
	return internaldb.DialectPostgres.ColumnType(t)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// normalizeColumns validates names and types and fills the default type.
func normalizeColumns(columns []domain.SchemaColumn) ([]domain.SchemaColumn, error) {
	if len(columns) == 0 {
		return nil, domain.ErrValidation("schema must declare at least one column")
	}
	seen := make(map[string]bool, len(columns))
	out := make([]domain.SchemaColumn, len(columns))
	for i, c := range columns {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			return nil, domain.ErrValidation("column %d has no name", i+1)
		}
		if seen[c.Name] {
			return nil, domain.ErrValidation("duplicate column %q", c.Name)
		}
		seen[c.Name] = true
		c.Type = strings.ToLower(strings.TrimSpace(c.Type))
		if c.Type == "" {
			c.Type = domain.ColumnTypeString
		}
		if !knownColumnTypes[c.Type] {
			return nil, domain.ErrValidation("column %q: unknown type %q", c.Name, c.Type)
		}
		out[i] = c
	}
	return out, nil
}

func (s *SchemaService) logAudit(ctx context.Context, actor, action, detail string) {
	if s.audit == nil {
		return
	}
	if actor == "" {
		actor = "system"
	}
	if err := s.audit.Insert(ctx, &domain.AuditEntry{
		Actor:  actor,
		Action: action,
		Status: "SUCCESS",
		Detail: &detail,
	}); err != nil {
		s.logger.Warn("write audit entry", "action", action, "error", err)
	}
}
