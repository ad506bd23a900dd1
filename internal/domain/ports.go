package domain

import (
	"context"
	"io"
)

// RowBackend hands out pooled handles for writing ingested rows.
// Implemented by repository.RowStore.
type RowBackend interface {
	Acquire(ctx context.Context) (RowConn, error)
	Mode() BackendMode
}

// RowConn is one checked-out backend handle. Every insert is idempotent on
// (fileID, RowNumber): re-delivering a stored row is a no-op.
type RowConn interface {
	// InsertMany inserts rows outside a transaction, skipping rows that
	// collide with an existing key. It returns the number of rows that
	// are now stored (new or already present).
	InsertMany(ctx context.Context, fileID string, rows []TaggedRow) (int, error)
	// InsertTx inserts rows all-or-nothing within one transaction.
	InsertTx(ctx context.Context, fileID string, rows []TaggedRow, opts TxOptions) (int, error)
	// InsertOne inserts a single row and reports a unique violation as a
	// DBError with class DBErrorUnique.
	InsertOne(ctx context.Context, fileID string, row TaggedRow) error
	// Release returns the handle to the pool. Safe to call more than once.
	Release()
}

// SchemaLookup resolves a schema id to its current column list.
type SchemaLookup interface {
	Lookup(ctx context.Context, schemaID string) (*SchemaVersion, error)
}

// Opener resolves a file locator to a byte stream.
// Implemented by ingestion.LocatorOpener.
type Opener interface {
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
}

// Transformer applies transformation rules to a decoded row. Implementations
// must be pure: the same input row yields the same output. A nil row with a
// nil error drops the row.
type Transformer interface {
	Transform(ctx context.Context, row RawRow) (*RawRow, error)
}

// EventPublisher delivers pipeline events to an external channel.
// Publishing is best-effort; callers log and ignore errors.
type EventPublisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// ParquetSink converts a stored file's rows to Parquet and returns the
// location of the output.
type ParquetSink interface {
	Export(ctx context.Context, fileID string, headers []string) (string, error)
}
