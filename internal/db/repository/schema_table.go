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

var _ domain.SchemaTableStore = (*SchemaTableRepo)(nil)

const maxIdentLen = 48

// reservedColumns are the bookkeeping columns of every per-schema table.
var reservedColumns = map[string]bool{
	"id": true, "lineage_id": true, "project_id": true, "file_id": true,
	"version": true, "is_active": true, "partition_key": true, "data_json": true, "created_at": true,
}

// SchemaTableRepo manages one physical table per schema (decentralized
// pattern). Tables are named ns_<schema> and grow new columns as the schema
// gains them; columns are never dropped.
type SchemaTableRepo struct {
	store
}

// NewSchemaTableRepo creates a new SchemaTableRepo.
func NewSchemaTableRepo(db *sql.DB, dialect internaldb.Dialect) *SchemaTableRepo {
	return &SchemaTableRepo{store: store{db: db, dialect: dialect}}
}

// TableName returns the physical table for a schema id.
func TableName(schemaID string) string {
	return "ns_" + SanitizeIdent(schemaID)
}

// SanitizeIdent lowercases s and replaces anything outside [a-z0-9_] with an
// underscore. The result is truncated to a length every backend accepts.
func SanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "_"
	}
	if len(out) > maxIdentLen {
		out = out[:maxIdentLen]
	}
	return out
}

// columnIdent maps a schema column name to its physical column.
func columnIdent(name string) string {
	c := SanitizeIdent(name)
	if reservedColumns[c] {
		c += "_value"
	}
	return c
}

// EnsureTable creates the schema's table or adds columns it is missing.
func (r *SchemaTableRepo) EnsureTable(ctx context.Context, schema *domain.SchemaVersion) (string, error) {
	table := TableName(schema.SchemaID)
	qt := internaldb.QuoteIdent(table)

	var ddl strings.Builder
	fmt.Fprintf(&ddl, `CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		lineage_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		partition_key TEXT,
		data_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL`, qt)
	for _, c := range schema.Columns {
		fmt.Fprintf(&ddl, ",\n\t\t%s %s", internaldb.QuoteIdent(columnIdent(c.Name)), r.dialect.ColumnType(c.Type))
	}
	ddl.WriteString(")")
	if _, err := r.db.ExecContext(ctx, ddl.String()); err != nil {
		return "", fmt.Errorf("create %s: %w", table, mapDBError(err))
	}

	existing, err := r.columns(ctx, table)
	if err != nil {
		return "", err
	}
	for _, c := range schema.Columns {
		col := columnIdent(c.Name)
		if existing[col] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", qt, internaldb.QuoteIdent(col), r.dialect.ColumnType(c.Type))
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return "", fmt.Errorf("add column %s.%s: %w", table, col, mapDBError(err))
		}
		existing[col] = true
	}
	return table, nil
}

// InsertRecord writes a record into a schema table. Existing ids are skipped.
func (r *SchemaTableRepo) InsertRecord(ctx context.Context, table string, schema *domain.SchemaVersion, rec *domain.NormalizedRecord) error {
	return r.write(ctx, table, schema, rec, false)
}

// UpsertRecord writes a record, overwriting the copy with the same id.
func (r *SchemaTableRepo) UpsertRecord(ctx context.Context, table string, schema *domain.SchemaVersion, rec *domain.NormalizedRecord) error {
	return r.write(ctx, table, schema, rec, true)
}

func (r *SchemaTableRepo) write(ctx context.Context, table string, schema *domain.SchemaVersion, rec *domain.NormalizedRecord, upsert bool) error {
	data, err := marshalJSON(rec.Data)
	if err != nil {
		return err
	}
	cols := []string{"id", "lineage_id", "project_id", "file_id", "version", "is_active", "partition_key", "data_json", "created_at"}
	args := []any{rec.ID, rec.LineageID, rec.ProjectID, rec.FileID, rec.Version, boolToInt(rec.IsActive),
		nullString(rec.PartitionKey), data, utc(rec.CreatedAt)}
	for _, c := range schema.Columns {
		v, err := r.physicalValue(c, rec.Data[c.Name])
		if err != nil {
			return fmt.Errorf("column %q: %w", c.Name, err)
		}
		cols = append(cols, columnIdent(c.Name))
		args = append(args, v)
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = internaldb.QuoteIdent(c)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	conflict := "DO NOTHING"
	if upsert {
		sets := make([]string, 0, len(quoted)-1)
		for _, c := range quoted[1:] {
			sets = append(sets, c+" = excluded."+c)
		}
		conflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) %s",
		internaldb.QuoteIdent(table), strings.Join(quoted, ", "), placeholders, conflict)
	if _, err := r.db.ExecContext(ctx, r.q(stmt), args...); err != nil {
		return mapDBError(err)
	}
	return nil
}

// SetActive flips the active flag of a record copy. Missing rows are
// ignored: the records table is authoritative.
func (r *SchemaTableRepo) SetActive(ctx context.Context, table, id string, active bool) error {
	stmt := fmt.Sprintf("UPDATE %s SET is_active = ? WHERE id = ?", internaldb.QuoteIdent(table))
	if _, err := r.db.ExecContext(ctx, r.q(stmt), boolToInt(active), id); err != nil {
		return mapDBError(err)
	}
	return nil
}

// CountRows returns the number of rows in a schema table.
func (r *SchemaTableRepo) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+internaldb.QuoteIdent(table)).Scan(&n)
	if err != nil {
		return 0, mapDBError(err)
	}
	return n, nil
}

func (r *SchemaTableRepo) columns(ctx context.Context, table string) (map[string]bool, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if r.dialect == internaldb.DialectPostgres {
		rows, err = r.db.QueryContext(ctx, `
			SELECT column_name FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1`, table)
	} else {
		rows, err = r.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	}
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, mapDBError(err))
	}
	defer rows.Close() //nolint:errcheck

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

// physicalValue converts a record value to the column's physical type.
func (r *SchemaTableRepo) physicalValue(c domain.SchemaColumn, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch strings.ToLower(c.Type) {
	case domain.ColumnTypeBoolean, "bool":
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", v)
		}
		if r.dialect == internaldb.DialectSQLite {
			return boolToInt(b), nil
		}
		return b, nil
	case domain.ColumnTypeDate, domain.ColumnTypeTimestamp, "datetime":
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339, t)
			if err != nil {
				if parsed, err = time.Parse(time.DateOnly, t); err != nil {
					return nil, fmt.Errorf("parse timestamp %q: %w", t, err)
				}
			}
			return parsed.UTC(), nil
		}
		return nil, fmt.Errorf("expected timestamp, got %T", v)
	case domain.ColumnTypeJSON:
		return marshalJSON(v)
	}
	switch v.(type) {
	case map[string]any, []any:
		return marshalJSON(v)
	}
	return v, nil
}
