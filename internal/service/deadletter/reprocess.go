package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"duck-ingest/internal/domain"
)

// RowsInserter re-inserts dead-lettered rows. Implemented by batch.Processor.
type RowsInserter interface {
	ProcessRows(ctx context.Context, fileID string, rows []domain.TaggedRow) (*domain.BatchOutcome, error)
}

// InsertRowsReprocessor replays insert_rows entries through the batch
// processor. Rows already stored by an earlier replay are skipped by the
// backend, so a partially successful replay can be repeated.
func InsertRowsReprocessor(inserter RowsInserter) Reprocessor {
	return func(ctx context.Context, e domain.DeadLetterEntry) error {
		var p domain.RowsPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return domain.NewPipelineError(domain.CategoryValidation, domain.SeverityLow, "decode rows payload", err)
		}
		fileID := p.FileID
		if fileID == "" {
			fileID = e.FileID
		}
		if len(p.Rows) == 0 {
			return nil
		}
		if _, err := inserter.ProcessRows(ctx, fileID, p.Rows); err != nil {
			return fmt.Errorf("replay %d rows: %w", len(p.Rows), err)
		}
		return nil
	}
}

// ParquetExportReprocessor replays parquet_export entries. On success the
// file's conversion error is cleared.
func ParquetExportReprocessor(sink domain.ParquetSink, files domain.IngestedFileRepository) Reprocessor {
	return func(ctx context.Context, e domain.DeadLetterEntry) error {
		var p domain.ExportPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return domain.NewPipelineError(domain.CategoryValidation, domain.SeverityLow, "decode export payload", err)
		}
		fileID := p.FileID
		if fileID == "" {
			fileID = e.FileID
		}
		f, err := files.GetByID(ctx, fileID)
		if err != nil {
			return fmt.Errorf("load file %s: %w", fileID, err)
		}
		if _, err := sink.Export(ctx, fileID, f.Headers); err != nil {
			return domain.NewPipelineError(domain.CategoryConversion, e.Severity, "parquet export", err)
		}
		if err := files.SetConversionError(ctx, fileID, nil); err != nil {
			return fmt.Errorf("clear conversion error: %w", err)
		}
		return nil
	}
}
