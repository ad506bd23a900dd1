// Package export converts ingested rows to Parquet with DuckDB and optionally
// ships the file to S3.
package export

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/duckdb/duckdb-go/v2"
	"golang.org/x/sync/errgroup"

	internaldb "duck-ingest/internal/db"
	"duck-ingest/internal/domain"
)

const (
	defaultPartSize = 8 << 20
	minPartSize     = 5 << 20
	// uploadConcurrency bounds in-flight part uploads.
	uploadConcurrency = 3
)

// RowReader streams a file's stored rows in row order.
// Implemented by repository.RowStore.
type RowReader interface {
	StreamRows(ctx context.Context, fileID string, fn func(rowNum int64, values map[string]any) error) error
}

// MultipartClient is the subset of the S3 API used for uploads.
type MultipartClient interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// ParquetExporter writes one Parquet file per ingested file.
type ParquetExporter struct {
	duck     *sql.DB
	rows     RowReader
	outDir   string
	s3       MultipartClient
	bucket   string
	prefix   string
	partSize int64
	logger   *slog.Logger
}

var _ domain.ParquetSink = (*ParquetExporter)(nil)

// Option configures a ParquetExporter.
type Option func(*ParquetExporter)

// WithS3Upload uploads finished files to s3://bucket/prefix/ and removes the
// local copy.
func WithS3Upload(client MultipartClient, bucket, prefix string) Option {
	return func(e *ParquetExporter) {
		e.s3 = client
		e.bucket = bucket
		e.prefix = strings.Trim(prefix, "/")
	}
}

// WithPartSize sets the multipart chunk size. Values below the S3 minimum
// are raised to it.
func WithPartSize(n int64) Option {
	return func(e *ParquetExporter) { e.partSize = max(n, minPartSize) }
}

// NewParquetExporter creates an exporter. duck must be a DuckDB handle; it is
// used as a scratch engine and never holds ingested data between exports.
func NewParquetExporter(duck *sql.DB, rows RowReader, outDir string, logger *slog.Logger, opts ...Option) *ParquetExporter {
	e := &ParquetExporter{
		duck:     duck,
		rows:     rows,
		outDir:   outDir,
		partSize: defaultPartSize,
		logger:   logger.With("component", "parquet-export"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Export converts the file's rows to Parquet with one VARCHAR column per
// header plus row_num, and returns the output location.
func (e *ParquetExporter) Export(ctx context.Context, fileID string, headers []string) (string, error) {
	if fileID == "" {
		return "", domain.ErrValidation("file id is required")
	}
	if len(headers) == 0 {
		return "", domain.ErrValidation("file %q has no headers to export", fileID)
	}
	if err := os.MkdirAll(e.outDir, 0o750); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	start := time.Now()
	out := filepath.Join(e.outDir, safeName(fileID)+".parquet")

	n, err := e.writeParquet(ctx, fileID, headers, out)
	if err != nil {
		_ = os.Remove(out)
		return "", err
	}
	location := out
	if e.s3 != nil {
		key := path.Join(e.prefix, filepath.Base(out))
		if err := e.upload(ctx, out, key); err != nil {
			return "", err
		}
		if err := os.Remove(out); err != nil {
			e.logger.Warn("remove local parquet file", "path", out, "error", err)
		}
		location = "s3://" + e.bucket + "/" + key
	}
	e.logger.Info("parquet export complete", "file_id", fileID, "rows", n, "location", location, "duration", time.Since(start))
	return location, nil
}

func (e *ParquetExporter) writeParquet(ctx context.Context, fileID string, headers []string, out string) (int64, error) {
	conn, err := e.duck.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("duckdb conn: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	table := "export_" + safeName(fileID)
	cols := make([]string, 0, len(headers)+1)
	cols = append(cols, "row_num BIGINT")
	for _, h := range headers {
		cols = append(cols, internaldb.QuoteIdent(h)+" VARCHAR")
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("CREATE OR REPLACE TABLE %s (%s)", internaldb.QuoteIdent(table), strings.Join(cols, ", "))); err != nil {
		return 0, fmt.Errorf("create export table: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+internaldb.QuoteIdent(table)); err != nil {
			e.logger.Warn("drop export table", "table", table, "error", err)
		}
	}()

	var n int64
	err = conn.Raw(func(raw any) error {
		driverConn, ok := raw.(driver.Conn)
		if !ok {
			return fmt.Errorf("unexpected raw conn type %T", raw)
		}
		appender, err := duckdb.NewAppenderFromConn(driverConn, "", table)
		if err != nil {
			return fmt.Errorf("create appender: %w", err)
		}
		defer func() { _ = appender.Close() }()

		row := make([]driver.Value, len(headers)+1)
		if err := e.rows.StreamRows(ctx, fileID, func(rowNum int64, values map[string]any) error {
			row[0] = rowNum
			for i, h := range headers {
				row[i+1] = cell(values[h])
			}
			if err := appender.AppendRow(row...); err != nil {
				return fmt.Errorf("append row %d: %w", rowNum, err)
			}
			n++
			return nil
		}); err != nil {
			return err
		}
		return appender.Flush()
	})
	if err != nil {
		return 0, fmt.Errorf("load rows: %w", err)
	}

	copyStmt := fmt.Sprintf("COPY (SELECT * FROM %s ORDER BY row_num) TO %s (FORMAT PARQUET)",
		internaldb.QuoteIdent(table), quoteLiteral(out))
	if _, err := conn.ExecContext(ctx, copyStmt); err != nil {
		return 0, fmt.Errorf("copy to parquet: %w", err)
	}
	return n, nil
}

// upload sends the file in parts, at most uploadConcurrency at a time.
func (e *ParquetExporter) upload(ctx context.Context, file, key string) error {
	f, err := os.Open(file) //nolint:gosec // path built from the export dir
	if err != nil {
		return fmt.Errorf("open parquet file: %w", err)
	}
	defer f.Close() //nolint:errcheck
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat parquet file: %w", err)
	}

	created, err := e.s3.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/vnd.apache.parquet"),
	})
	if err != nil {
		return fmt.Errorf("create multipart upload: %w", err)
	}

	size := info.Size()
	count := int((size + e.partSize - 1) / e.partSize)
	if count == 0 {
		count = 1
	}
	parts := make([]types.CompletedPart, count)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for i := range count {
		offset := int64(i) * e.partSize
		length := min(e.partSize, size-offset)
		partNum := int32(i + 1) //nolint:gosec // part count is bounded by file size / 5MiB
		g.Go(func() error {
			res, err := e.s3.UploadPart(gctx, &s3.UploadPartInput{
				Bucket:        aws.String(e.bucket),
				Key:           aws.String(key),
				UploadId:      created.UploadId,
				PartNumber:    aws.Int32(partNum),
				Body:          io.NewSectionReader(f, offset, length),
				ContentLength: aws.Int64(length),
			})
			if err != nil {
				return fmt.Errorf("upload part %d: %w", partNum, err)
			}
			parts[partNum-1] = types.CompletedPart{ETag: res.ETag, PartNumber: aws.Int32(partNum)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if _, abortErr := e.s3.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(e.bucket),
			Key:      aws.String(key),
			UploadId: created.UploadId,
		}); abortErr != nil {
			e.logger.Warn("abort multipart upload", "key", key, "error", abortErr)
		}
		return err
	}

	if _, err := e.s3.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(e.bucket),
		Key:             aws.String(key),
		UploadId:        created.UploadId,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	}); err != nil {
		return fmt.Errorf("complete multipart upload: %w", err)
	}
	return nil
}

// cell renders a stored value as Parquet VARCHAR text.
func cell(v any) driver.Value {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func safeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
