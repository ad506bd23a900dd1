package ingestion

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"duck-ingest/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// memOpener serves fixed contents keyed by locator.
type memOpener map[string][]byte

func (m memOpener) Open(_ context.Context, locator string) (io.ReadCloser, error) {
	b, ok := m[locator]
	if !ok {
		return nil, &domain.SourceError{Locator: locator, Fatal: true, Err: domain.ErrNotFound("file %q not found", locator)}
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func readAll(t *testing.T, src RowSource) []domain.RawRow {
	t.Helper()
	var out []domain.RawRow
	for {
		row, err := src.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, row)
	}
}

func TestNormalizeHeaders(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"plain", []string{"id", "name"}, []string{"id", "name"}},
		{"empty names use position", []string{"id", "", " "}, []string{"id", "Column2", "Column3"}},
		{"duplicates are suffixed", []string{"a", "a", "a"}, []string{"a", "a_2", "a_3"}},
		{"suffix skips taken names", []string{"a", "a_2", "a"}, []string{"a", "a_2", "a_3"}},
		{"byte order mark stripped", []string{"\ufeffid", "v"}, []string{"id", "v"}},
		{"whitespace trimmed", []string{"  qty  "}, []string{"qty"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeHeaders(tt.in))
		})
	}
}

func TestDetectFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		locator string
		want    domain.FileFormat
		wantErr bool
	}{
		{"/data/orders.csv", domain.FormatCSV, false},
		{"s3://bucket/in/orders.TSV", domain.FormatTSV, false},
		{"https://host/export.xlsx?sig=abc", domain.FormatXLSX, false},
		{"gs://b/report.parquet", "", true},
		{"noext", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.locator, func(t *testing.T) {
			t.Parallel()
			got, err := DetectFormat(tt.locator)
			if tt.wantErr {
				var ve *domain.ValidationError
				require.ErrorAs(t, err, &ve)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCSVSource_DecodesRows(t *testing.T) {
	t.Parallel()
	data := "id,name,,active,price\n" +
		"1,Widget,x,true,9.5\n" +
		"\n" +
		"2,\"Gadget, large\",,false,\n" +
		"3,Short\n"
	src, err := OpenSource(context.Background(), memOpener{"in.csv": []byte(data)}, "in.csv", "", SourceOptions{})
	require.NoError(t, err)
	defer src.Close() //nolint:errcheck

	assert.Equal(t, []string{"id", "name", "Column3", "active", "price"}, src.Headers())
	rows := readAll(t, src)
	require.Len(t, rows, 3, "blank lines are not rows")

	assert.Equal(t, domain.NumberValue(1), rows[0].Get("id"))
	assert.Equal(t, domain.StringValue("Widget"), rows[0].Get("name"))
	assert.Equal(t, domain.BoolValue(true), rows[0].Get("active"))
	assert.Equal(t, domain.NumberValue(9.5), rows[0].Get("price"))

	assert.Equal(t, domain.StringValue("Gadget, large"), rows[1].Get("name"))
	assert.True(t, rows[1].Get("price").IsNull())

	assert.True(t, rows[2].Get("active").IsNull(), "short rows are padded with nulls")
	assert.Equal(t, int64(0), src.Skipped())
}

func TestCSVSource_SkipsMalformedRows(t *testing.T) {
	t.Parallel()
	data := "a,b\n1,2\n3,4,unexpected\n5,6\n7,8,\n"
	src, err := OpenSource(context.Background(), memOpener{"x.csv": []byte(data)}, "x.csv", domain.FormatCSV, SourceOptions{Logger: discardLogger()})
	require.NoError(t, err)
	defer src.Close() //nolint:errcheck

	rows := readAll(t, src)
	require.Len(t, rows, 3)
	assert.Equal(t, domain.NumberValue(5), rows[1].Get("a"))
	assert.Equal(t, domain.NumberValue(7), rows[2].Get("a"), "trailing empty fields are tolerated")
	assert.Equal(t, int64(1), src.Skipped())
}

func TestCSVSource_TSVAndLazyQuotes(t *testing.T) {
	t.Parallel()
	data := "k\tv\nalpha\tsays \"hi\" there\n"
	src, err := OpenSource(context.Background(), memOpener{"x.tsv": []byte(data)}, "x.tsv", "", SourceOptions{})
	require.NoError(t, err)
	defer src.Close() //nolint:errcheck

	rows := readAll(t, src)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.StringValue(`says "hi" there`), rows[0].Get("v"))
}

func TestCSVSource_EmptyFile(t *testing.T) {
	t.Parallel()
	src, err := OpenSource(context.Background(), memOpener{"e.csv": nil}, "e.csv", "", SourceOptions{})
	require.NoError(t, err)
	assert.Empty(t, src.Headers())
	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

type failingReader struct {
	data []byte
	read bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.read {
		return 0, io.ErrUnexpectedEOF
	}
	f.read = true
	return copy(p, f.data), nil
}

type readerOpener struct{ r io.Reader }

func (o readerOpener) Open(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(o.r), nil
}

func TestCSVSource_TransferInterruptedIsFatal(t *testing.T) {
	t.Parallel()
	src, err := OpenSource(context.Background(), readerOpener{&failingReader{data: []byte("a,b\n1,2\n")}}, "remote.csv", "", SourceOptions{})
	require.NoError(t, err)

	_, err = src.Next(context.Background())
	require.NoError(t, err)
	_, err = src.Next(context.Background())
	var se *domain.SourceError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Fatal)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestOpenSource_NotFound(t *testing.T) {
	t.Parallel()
	_, err := OpenSource(context.Background(), memOpener{}, "missing.csv", "", SourceOptions{})
	var se *domain.SourceError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Fatal)
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func buildWorkbook(t *testing.T, sheet string, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close() //nolint:errcheck
	if sheet != "Sheet1" {
		_, err := f.NewSheet(sheet)
		require.NoError(t, err)
	}
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &r))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestXLSXSource_StreamsFirstSheet(t *testing.T) {
	t.Parallel()
	book := buildWorkbook(t, "Sheet1", [][]any{
		{"sku", "qty", nil, "sku"},
		{"A-1", 3, "n", "dup"},
		{},
		{"B-2", 4.25},
	})
	src, err := OpenSource(context.Background(), memOpener{"book.xlsx": book}, "book.xlsx", "", SourceOptions{})
	require.NoError(t, err)
	defer src.Close() //nolint:errcheck

	assert.Equal(t, []string{"sku", "qty", "Column3", "sku_2"}, src.Headers())
	rows := readAll(t, src)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.StringValue("A-1"), rows[0].Get("sku"))
	assert.Equal(t, domain.NumberValue(3), rows[0].Get("qty"))
	assert.Equal(t, domain.StringValue("dup"), rows[0].Get("sku_2"))
	assert.Equal(t, domain.NumberValue(4.25), rows[1].Get("qty"))
	assert.True(t, rows[1].Get("Column3").IsNull())
}

func TestXLSXSource_NamedSheet(t *testing.T) {
	t.Parallel()
	book := buildWorkbook(t, "Orders", [][]any{{"id"}, {7}})
	locator := "book.xlsx"

	src, err := OpenSource(context.Background(), memOpener{locator: book}, locator, "", SourceOptions{Sheet: "Orders"})
	require.NoError(t, err)
	rows := readAll(t, src)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.NumberValue(7), rows[0].Get("id"))
	require.NoError(t, src.Close())

	_, err = OpenSource(context.Background(), memOpener{locator: book}, locator, "", SourceOptions{Sheet: "Nope"})
	var se *domain.SourceError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Fatal)
}

func TestXLSXSource_RejectsNonWorkbook(t *testing.T) {
	t.Parallel()
	_, err := OpenSource(context.Background(), memOpener{"bad.xlsx": []byte(strings.Repeat("x", 64))}, "bad.xlsx", "", SourceOptions{})
	var se *domain.SourceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.CategoryParsing, domain.CategoryOf(err))
}
