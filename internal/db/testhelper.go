package db

import (
	"database/sql"
	"path/filepath"
	"testing"
)

// testReadPool is small: tests rarely read concurrently.
const testReadPool = 2

// OpenTestSQLite returns a migrated ingestion store in t.TempDir(). Row
// stores, the dead-letter table and normalized records all live on writeDB;
// readDB is there for code that queries through the read pool. Both handles
// close when the test ends.
func OpenTestSQLite(t *testing.T) (writeDB, readDB *sql.DB) {
	t.Helper()

	writeDB, readDB, err := OpenSQLitePair(filepath.Join(t.TempDir(), "ingest.sqlite"), testReadPool)
	if err != nil {
		t.Fatalf("open ingestion store: %v", err)
	}
	t.Cleanup(func() {
		if err := readDB.Close(); err != nil {
			t.Logf("close read pool: %v", err)
		}
		if err := writeDB.Close(); err != nil {
			t.Logf("close write pool: %v", err)
		}
	})
	if err := RunMigrations(writeDB, DialectSQLite); err != nil {
		t.Fatalf("migrate ingestion store: %v", err)
	}
	return writeDB, readDB
}
