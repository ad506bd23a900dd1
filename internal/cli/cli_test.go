package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-ingest/internal/domain"
)

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    domain.RecordFilter
		wantErr bool
	}{
		{"string eq", "region:eq:EU", domain.RecordFilter{Field: "region", Operator: domain.OpEq, Value: "EU"}, false},
		{"int gte", "qty:gte:2", domain.RecordFilter{Field: "qty", Operator: domain.OpGte, Value: 2}, false},
		{"float lt", "price:lt:9.5", domain.RecordFilter{Field: "price", Operator: domain.OpLt, Value: 9.5}, false},
		{"bool", "active:eq:true", domain.RecordFilter{Field: "active", Operator: domain.OpEq, Value: true}, false},
		{"value keeps colons", "ts:startsWith:10:30", domain.RecordFilter{Field: "ts", Operator: domain.OpStartsWith, Value: "10:30"}, false},
		{"in list", "region:in:EU, US,3", domain.RecordFilter{Field: "region", Operator: domain.OpIn, Value: []any{"EU", "US", 3}}, false},
		{"missing value", "region:eq", domain.RecordFilter{}, true},
		{"unknown operator", "region:like:EU", domain.RecordFilter{}, true},
		{"empty field", ":eq:EU", domain.RecordFilter{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFilter(tt.in)
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

func TestParseColumns(t *testing.T) {
	in := `
- name: sku
  type: string
  required: true
- name: region
  type: string
  default: EU
  description: sales region
`
	cols, err := parseColumns(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, "sku", cols[0].Name)
	assert.True(t, cols[0].IsRequired)
	assert.Nil(t, cols[0].DefaultValue)
	require.NotNil(t, cols[1].DefaultValue)
	assert.Equal(t, "EU", *cols[1].DefaultValue)
	assert.Equal(t, "sales region", cols[1].Description)

	_, err = parseColumns(strings.NewReader("name: not-a-list"))
	assert.Error(t, err)
}

func TestDescribeColumn(t *testing.T) {
	def := "0"
	assert.Equal(t, "-", describeColumn(nil))
	assert.Equal(t, "int required default=0", describeColumn(&domain.SchemaColumn{Type: "int", IsRequired: true, DefaultValue: &def}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printTable(&buf, []string{"ID", "Status"}, [][]string{{"f1", "done"}, {"f2", "error"}}))
	out := buf.String()
	assert.Contains(t, out, "Status", "header case is kept")
	assert.Contains(t, out, "f1")
	assert.Contains(t, out, "error")

	buf.Reset()
	require.NoError(t, printKV(&buf, "Stored", "2", "dangling"))
	assert.Contains(t, buf.String(), "Stored")
	assert.NotContains(t, buf.String(), "dangling")
}

func TestValidateOutputFormat(t *testing.T) {
	for _, ok := range []string{"", "table", "json"} {
		assert.NoError(t, validateOutputFormat(ok))
	}
	assert.ErrorContains(t, validateOutputFormat("xml"), "unsupported output format")
}

// runCLI executes the root command against an isolated SQLite store.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestRootCmd_RejectsOutputFormat(t *testing.T) {
	t.Setenv("META_DB_PATH", filepath.Join(t.TempDir(), "meta.sqlite"))
	_, err := runCLI(t, "-o", "xml", "migrate")
	assert.ErrorContains(t, err, "unsupported output format")
}

func TestRootCmd_SchemaAndRecords(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("BACKEND_MODE", "")
	t.Setenv("STORAGE_OPTIONS_FILE", "")
	t.Setenv("TRANSFORM_SCRIPT", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("META_DB_PATH", filepath.Join(t.TempDir(), "meta.sqlite"))

	_, err := runCLI(t, "migrate")
	require.NoError(t, err)

	cols := writeFile(t, "orders.yaml", `
- name: sku
  type: string
  required: true
- name: qty
  type: integer
`)
	out, err := runCLI(t, "schema", "create", "orders", "--columns", cols, "--comment", "initial")
	require.NoError(t, err)
	assert.Contains(t, out, "orders")

	rows := writeFile(t, "rows.yaml", `
- {sku: A1, qty: 1}
- {sku: B2, qty: 5}
`)
	out, err = runCLI(t, "-o", "json", "records", "store", "orders", "--project", "p1", "--file-id", "f1", "--rows", rows)
	require.NoError(t, err)
	var res struct {
		Success         bool
		NormalizedCount int
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.NormalizedCount)

	out, err = runCLI(t, "-o", "json", "records", "list", "--project", "p1", "--filter", "qty:gte:2")
	require.NoError(t, err)
	var page domain.RecordPage
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "B2", page.Records[0].Data["sku"])

	_, err = runCLI(t, "records", "list")
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)

	bad := writeFile(t, "bad.yaml", `- {qty: 3}`)
	_, err = runCLI(t, "records", "store", "orders", "--project", "p1", "--rows", bad)
	assert.ErrorContains(t, err, "rejected")
}
