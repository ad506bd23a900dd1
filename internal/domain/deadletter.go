package domain

import "time"

// Dead-letter operation names.
const (
	OpInsertRows    = "insert_rows"
	OpParquetExport = "parquet_export"
)

// DeadLetterEntry is a unit of work that exhausted every recovery strategy.
type DeadLetterEntry struct {
	ID          string
	FileID      string
	Operation   string
	Payload     []byte
	Error       string
	Severity    Severity
	CreatedAt   time.Time
	RetryCount  int
	LastRetryAt *time.Time
}

// RowsPayload is the payload of an insert_rows dead letter.
type RowsPayload struct {
	FileID string      `json:"file_id"`
	Seq    int64       `json:"seq"`
	Rows   []TaggedRow `json:"rows"`
}

// ExportPayload is the payload of a parquet_export dead letter.
type ExportPayload struct {
	FileID string `json:"file_id"`
	Target string `json:"target"`
}
