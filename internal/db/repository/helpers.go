// Package repository implements domain repository interfaces on SQLite and PostgreSQL.
package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	internaldb "duck-ingest/internal/db"
	"duck-ingest/internal/domain"
)

// store is the shared handle every repository embeds.
type store struct {
	db      *sql.DB
	dialect internaldb.Dialect
}

// q rebinds a '?'-style query for the store's dialect.
func (s store) q(query string) string { return s.dialect.Rebind(query) }

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.NotFoundError{Message: "resource not found"}
	}
	if classOf(err) == domain.DBErrorUnique {
		return &domain.ConflictError{Message: "resource already exists"}
	}
	return err
}

// classifyDBError tags err with the failure class the batch processor
// reacts to. Errors that already carry a class are returned unchanged.
func classifyDBError(err error) error {
	if err == nil {
		return nil
	}
	var de *domain.DBError
	if errors.As(err, &de) {
		return err
	}
	return &domain.DBError{Class: classOf(err), Err: err}
}

func classOf(err error) domain.DBErrorClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.DBErrorTimeout
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return domain.DBErrorUnavailable
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrInterrupt:
			return domain.DBErrorTimeout
		case sqlite3.ErrPerm, sqlite3.ErrAuth, sqlite3.ErrReadonly:
			return domain.DBErrorPermission
		case sqlite3.ErrConstraint:
			if se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
				return domain.DBErrorUnique
			}
			return domain.DBErrorConstraint
		case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrNotADB:
			return domain.DBErrorUnavailable
		}
	}

	var pe *pq.Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case "57014", "55P03", "25P03", "40P01": // statement/lock/idle timeouts, deadlock
			return domain.DBErrorTimeout
		case "42501":
			return domain.DBErrorPermission
		case "23505":
			return domain.DBErrorUnique
		}
		switch pe.Code.Class() {
		case "23":
			return domain.DBErrorConstraint
		case "08", "57":
			return domain.DBErrorUnavailable
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "maximum execution time"),
		strings.Contains(msg, "transaction api error"):
		return domain.DBErrorTimeout
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "insufficient privilege"):
		return domain.DBErrorPermission
	case strings.Contains(msg, "unique constraint"),
		strings.Contains(msg, "duplicate key"):
		return domain.DBErrorUnique
	case strings.Contains(msg, "database is closed"),
		strings.Contains(msg, "no such table"),
		strings.Contains(msg, "connection refused"):
		return domain.DBErrorUnavailable
	}
	return domain.DBErrorOther
}

// utc normalises timestamps before they are written so that text-backed
// SQLite timestamps compare and sort consistently.
func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(b), nil
}

func unmarshalData(s string) (map[string]any, error) {
	out := map[string]any{}
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	return out, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	i := ni.Int64
	return &i
}
