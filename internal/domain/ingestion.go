package domain

import "time"

// FileFormat is the tabular format of an ingestion source.
type FileFormat string

// Supported source formats.
const (
	FormatCSV  FileFormat = "csv"
	FormatTSV  FileFormat = "tsv"
	FormatXLSX FileFormat = "xlsx"
)

// FileStatus is the lifecycle state of an ingested file.
type FileStatus string

// File statuses.
const (
	FileStatusProcessing FileStatus = "processing"
	FileStatusActive     FileStatus = "active"
	FileStatusError      FileStatus = "error"
)

// IngestedFile tracks one ingestion run of a source file.
type IngestedFile struct {
	ID              string
	SourceID        string
	Locator         string
	Format          FileFormat
	Status          FileStatus
	Headers         []string
	RowCount        int64
	ErrorMessage    *string
	ConversionError *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Progress is reported after every processed batch.
type Progress struct {
	FileID        string `json:"file_id"`
	Batch         int64  `json:"batch"`
	RowsRead      int64  `json:"rows_read"`
	RowsInserted  int64  `json:"rows_inserted"`
	RowsFailed    int64  `json:"rows_failed"`
	EstimatedRows int64  `json:"estimated_rows"`
}

// Percent returns completion against the estimate, capped at 100.
func (p Progress) Percent() float64 {
	if p.EstimatedRows <= 0 {
		return 0
	}
	pct := float64(p.RowsRead) / float64(p.EstimatedRows) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// Event types published by the ingestion pipeline.
const (
	EventProgress     = "ingest.progress"
	EventStatus       = "ingest.status"
	EventDeadLettered = "ingest.dead_lettered"
)

// Event is a notification for orchestration or UI layers.
type Event struct {
	Type      string         `json:"type"`
	FileID    string         `json:"file_id"`
	Status    FileStatus     `json:"status,omitempty"`
	Progress  *Progress      `json:"progress,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// IngestionResult describes the outcome of a file ingestion run.
type IngestionResult struct {
	FileID      string
	Headers     []string
	RowCount    int64
	Inserted    int64
	Failed      int64
	SkippedRows int64
	Batches     int64
	BatchSize   int
	RowErrors   []RowError
	DeadLetters int
	Status      FileStatus
	ExportPath  string
	ExportError string
}
