package ingestion

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"duck-ingest/internal/domain"
)

// RowSource is a forward-only, single-pass stream of decoded rows.
type RowSource interface {
	// Headers returns the normalized header list captured from the first row.
	Headers() []string
	// Next returns the next data row, or io.EOF after the last one.
	// Malformed rows are skipped and counted; a non-EOF error is fatal.
	Next(ctx context.Context) (domain.RawRow, error)
	// Skipped returns the number of malformed rows dropped so far.
	Skipped() int64
	Close() error
}

// SourceOptions tunes how a source is decoded.
type SourceOptions struct {
	// Sheet selects an XLSX worksheet; empty means the first sheet.
	Sheet  string
	Logger *slog.Logger
}

// DetectFormat infers the format from the locator's extension.
func DetectFormat(locator string) (domain.FileFormat, error) {
	p := locator
	if i := strings.IndexAny(p, "?#"); i >= 0 && strings.Contains(p, "://") {
		p = p[:i]
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".csv", ".txt":
		return domain.FormatCSV, nil
	case ".tsv", ".tab":
		return domain.FormatTSV, nil
	case ".xlsx", ".xlsm":
		return domain.FormatXLSX, nil
	default:
		return "", domain.ErrValidation("cannot infer format of %q; pass one of csv, tsv, xlsx", locator)
	}
}

// ParseFormat validates a format name. Empty means "infer from locator".
func ParseFormat(s string) (domain.FileFormat, error) {
	switch f := domain.FileFormat(strings.ToLower(s)); f {
	case "", domain.FormatCSV, domain.FormatTSV, domain.FormatXLSX:
		return f, nil
	default:
		return "", domain.ErrValidation("unknown format %q: must be csv, tsv, or xlsx", s)
	}
}

// OpenSource opens locator through opener and reads its header row.
func OpenSource(ctx context.Context, opener domain.Opener, locator string, format domain.FileFormat, opts SourceOptions) (RowSource, error) {
	if format == "" {
		f, err := DetectFormat(locator)
		if err != nil {
			return nil, err
		}
		format = f
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "row-source", "format", string(format))

	rc, err := opener.Open(ctx, locator)
	if err != nil {
		return nil, err
	}

	var src RowSource
	switch format {
	case domain.FormatCSV:
		src, err = newCSVSource(rc, locator, ',', logger)
	case domain.FormatTSV:
		src, err = newCSVSource(rc, locator, '\t', logger)
	case domain.FormatXLSX:
		src, err = newXLSXSource(rc, locator, opts.Sheet, logger)
	default:
		err = domain.ErrValidation("unsupported format %q", format)
	}
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	return src, nil
}

// NormalizeHeaders trims header names, names empty ones Column{N} after
// their 1-based position, and suffixes repeats with _2, _3, ...
func NormalizeHeaders(raw []string) []string {
	out := make([]string, len(raw))
	seen := make(map[string]bool, len(raw))
	for i, h := range raw {
		name := strings.TrimSpace(h)
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		if name == "" {
			name = "Column" + strconv.Itoa(i+1)
		}
		if seen[name] {
			base := name
			for n := 2; ; n++ {
				if cand := fmt.Sprintf("%s_%d", base, n); !seen[cand] {
					name = cand
					break
				}
			}
		}
		seen[name] = true
		out[i] = name
	}
	return out
}

// cellsToRow infers a value per cell and pads or truncates to the header
// count.
func cellsToRow(headers, cells []string) domain.RawRow {
	values := make([]domain.Value, len(headers))
	for i := range headers {
		if i < len(cells) {
			values[i] = domain.InferValue(cells[i])
		} else {
			values[i] = domain.NullValue()
		}
	}
	return domain.NewRawRow(headers, values)
}

// extraCells reports whether cells carries non-empty values past the last
// header.
func extraCells(headers, cells []string) bool {
	for i := len(headers); i < len(cells); i++ {
		if strings.TrimSpace(cells[i]) != "" {
			return true
		}
	}
	return false
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// fatal wraps a mid-stream read failure.
func fatal(locator string, row int64, err error) error {
	if err == io.ErrUnexpectedEOF {
		err = fmt.Errorf("transfer interrupted: %w", err)
	}
	return &domain.SourceError{Locator: locator, Row: row, Fatal: true, Err: err}
}
