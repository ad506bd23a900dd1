package ingestion

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"

	"duck-ingest/internal/domain"
)

// csvSource decodes delimited text. Quotes are parsed leniently and rows may
// have any number of fields.
type csvSource struct {
	rc      io.ReadCloser
	r       *csv.Reader
	locator string
	headers []string
	line    int64
	skipped int64
	logger  *slog.Logger
}

func newCSVSource(rc io.ReadCloser, locator string, comma rune, logger *slog.Logger) (*csvSource, error) {
	r := csv.NewReader(bufio.NewReaderSize(rc, 64*1024))
	r.Comma = comma
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	s := &csvSource{rc: rc, r: r, locator: locator, logger: logger}
	header, err := r.Read()
	switch {
	case errors.Is(err, io.EOF):
		s.headers = []string{}
		return s, nil
	case err != nil:
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return nil, &domain.SourceError{Locator: locator, Row: 1, Fatal: true, Err: domain.NewPipelineError(domain.CategoryParsing, domain.SeverityHigh, "read header", err)}
		}
		return nil, fatal(locator, 1, err)
	}
	s.line = 1
	s.headers = NormalizeHeaders(header)
	return s, nil
}

func (s *csvSource) Headers() []string { return s.headers }

func (s *csvSource) Skipped() int64 { return s.skipped }

func (s *csvSource) Next(ctx context.Context) (domain.RawRow, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.RawRow{}, err
		}
		rec, err := s.r.Read()
		if errors.Is(err, io.EOF) {
			return domain.RawRow{}, io.EOF
		}
		s.line++
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				s.skip("parse error", err)
				continue
			}
			return domain.RawRow{}, fatal(s.locator, s.line, err)
		}
		if blank(rec) {
			continue
		}
		if extraCells(s.headers, rec) {
			s.skip("more fields than headers", nil)
			continue
		}
		return cellsToRow(s.headers, rec), nil
	}
}

func (s *csvSource) skip(reason string, err error) {
	s.skipped++
	s.logger.Warn("skipping malformed row", "locator", redactURL(s.locator), "line", s.line, "reason", reason, "error", err)
}

func (s *csvSource) Close() error { return s.rc.Close() }
