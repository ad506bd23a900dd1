package ingestion

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/xuri/excelize/v2"

	"duck-ingest/internal/domain"
)

// xlsxSource streams one worksheet row by row. The workbook container is a
// zip archive, so excelize needs the whole file; the sheet XML itself is
// iterated without materializing every row.
type xlsxSource struct {
	rc      io.ReadCloser
	f       *excelize.File
	rows    *excelize.Rows
	locator string
	headers []string
	line    int64
	skipped int64
	logger  *slog.Logger
}

func newXLSXSource(rc io.ReadCloser, locator, sheet string, logger *slog.Logger) (*xlsxSource, error) {
	f, err := excelize.OpenReader(rc)
	if err != nil {
		return nil, &domain.SourceError{Locator: locator, Fatal: true, Err: domain.NewPipelineError(domain.CategoryParsing, domain.SeverityHigh, "open workbook", err)}
	}
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			_ = f.Close()
			return nil, &domain.SourceError{Locator: locator, Fatal: true, Err: domain.ErrValidation("workbook has no sheets")}
		}
		sheet = sheets[0]
	}
	rows, err := f.Rows(sheet)
	if err != nil {
		_ = f.Close()
		return nil, &domain.SourceError{Locator: locator, Fatal: true, Err: domain.ErrNotFound("sheet %q: %v", sheet, err)}
	}

	s := &xlsxSource{rc: rc, f: f, rows: rows, locator: locator, logger: logger.With("sheet", sheet)}
	s.headers = []string{}
	for rows.Next() {
		s.line++
		cells, err := rows.Columns()
		if err != nil {
			_ = s.close()
			return nil, fatal(locator, s.line, err)
		}
		if blank(cells) {
			continue
		}
		s.headers = NormalizeHeaders(cells)
		break
	}
	if err := rows.Error(); err != nil {
		_ = s.close()
		return nil, fatal(locator, s.line, err)
	}
	return s, nil
}

func (s *xlsxSource) Headers() []string { return s.headers }

func (s *xlsxSource) Skipped() int64 { return s.skipped }

func (s *xlsxSource) Next(ctx context.Context) (domain.RawRow, error) {
	for s.rows.Next() {
		if err := ctx.Err(); err != nil {
			return domain.RawRow{}, err
		}
		s.line++
		cells, err := s.rows.Columns()
		if err != nil {
			s.skipped++
			s.logger.Warn("skipping malformed row", "locator", redactURL(s.locator), "row", s.line, "error", err)
			continue
		}
		if blank(cells) {
			continue
		}
		if extraCells(s.headers, cells) {
			s.skipped++
			s.logger.Warn("skipping malformed row", "locator", redactURL(s.locator), "row", s.line, "reason", "more cells than headers")
			continue
		}
		return cellsToRow(s.headers, cells), nil
	}
	if err := s.rows.Error(); err != nil {
		return domain.RawRow{}, fatal(s.locator, s.line, fmt.Errorf("read sheet: %w", err))
	}
	return domain.RawRow{}, io.EOF
}

func (s *xlsxSource) close() error {
	_ = s.rows.Close()
	_ = s.f.Close()
	return s.rc.Close()
}

func (s *xlsxSource) Close() error { return s.close() }
