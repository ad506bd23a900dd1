package db

import (
	"strconv"
	"strings"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Dialect captures the SQL differences between the supported backends.
// Queries are written with '?' placeholders and rebound per dialect.
type Dialect string

// Dialects.
const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// Rebind rewrites '?' placeholders into the dialect's bind syntax.
// Question marks inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// QuoteIdent double-quotes an identifier. Callers must sanitize the name
// first; quoting only guards against keyword clashes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ColumnType maps a schema column type to a physical column type.
func (d Dialect) ColumnType(schemaType string) string {
	switch strings.ToLower(schemaType) {
	case "integer", "int", "bigint":
		return "BIGINT"
	case "number", "float", "double", "decimal", "numeric":
		if d == DialectPostgres {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case "boolean", "bool":
		if d == DialectPostgres {
			return "BOOLEAN"
		}
		return "INTEGER"
	case "date", "timestamp", "datetime":
		if d == DialectPostgres {
			return "TIMESTAMPTZ"
		}
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

// TableExistsQuery returns a query that yields one row when the table exists.
func (d Dialect) TableExistsQuery() string {
	if d == DialectPostgres {
		return `SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1`
	}
	return `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`
}
