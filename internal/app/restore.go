package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"duck-ingest/internal/domain"
)

// interruptedMessage is recorded on files that never reached a terminal status.
const interruptedMessage = "ingestion interrupted before completion"

// RecoverInterrupted marks files stuck in processing for longer than
// olderThan as failed, so their rows can be re-ingested under a new run.
// Errors on individual files are logged and skipped (best-effort).
func (a *App) RecoverInterrupted(ctx context.Context, olderThan time.Duration) (int, error) {
	return recoverInterrupted(ctx, a.Files, olderThan, time.Now(), a.logger)
}

type fileLister interface {
	List(ctx context.Context, page domain.PageRequest) ([]domain.IngestedFile, int64, error)
	UpdateStatus(ctx context.Context, id string, status domain.FileStatus, rowCount int64, errMsg *string) error
}

func recoverInterrupted(ctx context.Context, files fileLister, olderThan time.Duration, now time.Time, logger *slog.Logger) (int, error) {
	cutoff := now.Add(-olderThan)
	var stuck []domain.IngestedFile
	page := domain.PageRequest{MaxResults: domain.MaxMaxResults}
	for {
		batch, total, err := files.List(ctx, page)
		if err != nil {
			return 0, fmt.Errorf("list ingested files: %w", err)
		}
		for _, f := range batch {
			if f.Status == domain.FileStatusProcessing && f.UpdatedAt.Before(cutoff) {
				stuck = append(stuck, f)
			}
		}
		next := page.Next(total)
		if next == "" {
			break
		}
		page.PageToken = next
	}

	recovered := 0
	msg := interruptedMessage
	for _, f := range stuck {
		if err := files.UpdateStatus(ctx, f.ID, domain.FileStatusError, f.RowCount, &msg); err != nil {
			logger.Warn("mark interrupted file", "file_id", f.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		logger.Info("recovered interrupted files", "count", recovered)
	}
	return recovered, nil
}
