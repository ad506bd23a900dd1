package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	internaldb "duck-ingest/internal/db"
	"duck-ingest/internal/domain"
)

var _ domain.IngestedFileRepository = (*IngestedFileRepo)(nil)

const ingestedFileColumns = `id, source_id, locator, format, status, headers_json, row_count,
	error_message, conversion_error, created_at, updated_at`

// IngestedFileRepo tracks ingestion runs.
type IngestedFileRepo struct {
	store
}

// NewIngestedFileRepo creates a new IngestedFileRepo.
func NewIngestedFileRepo(db *sql.DB, dialect internaldb.Dialect) *IngestedFileRepo {
	return &IngestedFileRepo{store: store{db: db, dialect: dialect}}
}

// Create inserts a new file in the processing state.
func (r *IngestedFileRepo) Create(ctx context.Context, f *domain.IngestedFile) (*domain.IngestedFile, error) {
	if f == nil {
		return nil, domain.ErrValidation("ingested file is required")
	}
	if f.ID == "" {
		f.ID = domain.NewID()
	}
	if f.Status == "" {
		f.Status = domain.FileStatusProcessing
	}
	headers, err := marshalJSON(nonNilStrings(f.Headers))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	_, err = r.db.ExecContext(ctx, r.q(`
		INSERT INTO ingested_files (id, source_id, locator, format, status, headers_json, row_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), f.ID, f.SourceID, f.Locator, string(f.Format), string(f.Status), headers, f.RowCount, now, now)
	if err != nil {
		return nil, mapDBError(err)
	}
	return r.GetByID(ctx, f.ID)
}

// GetByID returns a file by ID.
func (r *IngestedFileRepo) GetByID(ctx context.Context, id string) (*domain.IngestedFile, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT `+ingestedFileColumns+` FROM ingested_files WHERE id = ?`), id)
	if err != nil {
		return nil, mapDBError(err)
	}
	files, err := scanIngestedFiles(rows)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, domain.ErrNotFound("ingested file %q not found", id)
	}
	return &files[0], nil
}

// UpdateHeaders stores the header list once it is known.
func (r *IngestedFileRepo) UpdateHeaders(ctx context.Context, id string, headers []string) error {
	h, err := marshalJSON(nonNilStrings(headers))
	if err != nil {
		return err
	}
	return r.exec(ctx, id, `UPDATE ingested_files SET headers_json = ?, updated_at = ? WHERE id = ?`, h, time.Now().UTC(), id)
}

// UpdateStatus sets the lifecycle state, row count and error message.
func (r *IngestedFileRepo) UpdateStatus(ctx context.Context, id string, status domain.FileStatus, rowCount int64, errMsg *string) error {
	return r.exec(ctx, id, `
		UPDATE ingested_files SET status = ?, row_count = ?, error_message = ?, updated_at = ? WHERE id = ?
	`, string(status), rowCount, nullString(errMsg), time.Now().UTC(), id)
}

// SetConversionError records (or clears, with nil) a Parquet export failure.
func (r *IngestedFileRepo) SetConversionError(ctx context.Context, id string, errMsg *string) error {
	return r.exec(ctx, id, `
		UPDATE ingested_files SET conversion_error = ?, updated_at = ? WHERE id = ?
	`, nullString(errMsg), time.Now().UTC(), id)
}

// List returns files newest first.
func (r *IngestedFileRepo) List(ctx context.Context, page domain.PageRequest) ([]domain.IngestedFile, int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingested_files`).Scan(&total); err != nil {
		return nil, 0, mapDBError(err)
	}
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT `+ingestedFileColumns+` FROM ingested_files
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`), page.Limit(), page.Offset())
	if err != nil {
		return nil, 0, mapDBError(err)
	}
	files, err := scanIngestedFiles(rows)
	if err != nil {
		return nil, 0, err
	}
	return files, total, nil
}

func (r *IngestedFileRepo) exec(ctx context.Context, id, stmt string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.q(stmt), args...)
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound("ingested file %q not found", id)
	}
	return nil
}

func scanIngestedFiles(rows *sql.Rows) ([]domain.IngestedFile, error) {
	defer rows.Close() //nolint:errcheck

	var out []domain.IngestedFile
	for rows.Next() {
		var (
			f                 domain.IngestedFile
			format, status    string
			headersJSON       string
			errMsg, convError sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.SourceID, &f.Locator, &format, &status, &headersJSON, &f.RowCount,
			&errMsg, &convError, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ingested file: %w", err)
		}
		f.Format = domain.FileFormat(format)
		f.Status = domain.FileStatus(status)
		f.ErrorMessage = stringPtr(errMsg)
		f.ConversionError = stringPtr(convError)
		f.CreatedAt = f.CreatedAt.UTC()
		f.UpdatedAt = f.UpdatedAt.UTC()
		if err := json.Unmarshal([]byte(headersJSON), &f.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
