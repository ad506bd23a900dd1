// Package db provides database connectivity helpers and migration support
// for the ingestion store (SQLite by default, PostgreSQL optionally).
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// SQLite DSN parameters for production hardening.
const (
	defaultBusyTimeout = "5000" // 5 seconds
	defaultSynchronous = "NORMAL"
	defaultJournalMode = "WAL"
)

// Handles bundles the write and read pools together with their dialect.
// For PostgreSQL both pools are the same *sql.DB.
type Handles struct {
	Write   *sql.DB
	Read    *sql.DB
	Dialect Dialect
}

// Close closes both pools.
func (h *Handles) Close() error {
	if h.Read != nil && h.Read != h.Write {
		_ = h.Read.Close()
	}
	if h.Write != nil {
		return h.Write.Close()
	}
	return nil
}

// Open opens the ingestion store for the given driver.
//
// driver is "sqlite3" (dsn is a file path) or "postgres" (dsn is a libpq
// connection string). maxOpen sizes the read pool for SQLite and the single
// pool for PostgreSQL.
func Open(driver, dsn string, maxOpen int) (*Handles, error) {
	switch driver {
	case "", DriverSQLite:
		w, r, err := OpenSQLitePair(dsn, maxOpen)
		if err != nil {
			return nil, err
		}
		return &Handles{Write: w, Read: r, Dialect: DialectSQLite}, nil
	case DriverPostgres:
		pg, err := OpenPostgres(dsn, maxOpen)
		if err != nil {
			return nil, err
		}
		return &Handles{Write: pg, Read: pg, Dialect: DialectPostgres}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q: must be %q or %q", driver, DriverSQLite, DriverPostgres)
	}
}

// OpenSQLite opens a *sql.DB pool for the given SQLite file path.
//
// mode controls write-safety and pool sizing:
//   - "write": MaxOpenConns=1, MaxIdleConns=1, includes _txlock=immediate
//   - "read":  MaxOpenConns=maxOpen (use 0 for default of 4), no _txlock
//
// Both modes set WAL journal, busy_timeout=5000ms, synchronous=NORMAL,
// and foreign_keys=on.
func OpenSQLite(path string, mode string, maxOpen int) (*sql.DB, error) {
	if mode != "read" && mode != "write" {
		return nil, fmt.Errorf("invalid SQLite mode %q: must be \"read\" or \"write\"", mode)
	}

	db, err := sql.Open(DriverSQLite, buildDSN(path, mode))
	if err != nil {
		return nil, fmt.Errorf("open sqlite (%s): %w", mode, err)
	}

	switch mode {
	case "write":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case "read":
		if maxOpen <= 0 {
			maxOpen = 4
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := ping(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite (%s): %w", mode, err)
	}
	return db, nil
}

// OpenSQLitePair opens both a write pool (MaxOpenConns=1) and a read pool
// for the same SQLite file. Row batches go through the write pool so that
// batch transactions never contend with each other.
//
// readMaxOpen controls the read pool size (0 defaults to 4).
func OpenSQLitePair(path string, readMaxOpen int) (writeDB, readDB *sql.DB, err error) {
	writeDB, err = OpenSQLite(path, "write", 0)
	if err != nil {
		return nil, nil, err
	}

	readDB, err = OpenSQLite(path, "read", readMaxOpen)
	if err != nil {
		_ = writeDB.Close()
		return nil, nil, err
	}

	return writeDB, readDB, nil
}

// OpenPostgres opens a PostgreSQL pool through lib/pq.
func OpenPostgres(dsn string, maxOpen int) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen <= 0 {
		maxOpen = 8
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := ping(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// buildDSN constructs a SQLite DSN with hardened parameters.
func buildDSN(path string, mode string) string {
	params := url.Values{}
	params.Set("_journal_mode", defaultJournalMode)
	params.Set("_busy_timeout", defaultBusyTimeout)
	params.Set("_synchronous", defaultSynchronous)
	params.Set("_foreign_keys", "on")

	if mode == "write" {
		params.Set("_txlock", "immediate")
	}

	return path + "?" + params.Encode()
}
