package ingestion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-ingest/internal/domain"
)

const rulesScript = `
def transform(row):
    if row["status"] == "void":
        return None
    out = dict(row)
    out["qty"] = row["qty"] * 2
    out["sku"] = row["sku"].upper()
    out.pop("internal")
    out["source"] = "erp"
    return out
`

func TestStarlarkTransformer(t *testing.T) {
	t.Parallel()
	tr, err := NewStarlarkTransformer("rules.star", rulesScript)
	require.NoError(t, err)

	cols := []string{"sku", "qty", "status", "internal"}
	row := domain.NewRawRow(cols, []domain.Value{
		domain.StringValue("ab-1"), domain.NumberValue(3), domain.StringValue("open"), domain.BoolValue(true),
	})

	out, err := tr.Transform(context.Background(), row)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, []string{"sku", "qty", "status", "source"}, out.Columns)
	assert.Equal(t, domain.StringValue("AB-1"), out.Get("sku"))
	assert.Equal(t, domain.NumberValue(6), out.Get("qty"))
	assert.Equal(t, domain.StringValue("erp"), out.Get("source"))

	again, err := tr.Transform(context.Background(), row)
	require.NoError(t, err)
	assert.Equal(t, out, again, "transformation is deterministic")

	void := domain.NewRawRow(cols, []domain.Value{
		domain.StringValue("x"), domain.NumberValue(1), domain.StringValue("void"), domain.NullValue(),
	})
	dropped, err := tr.Transform(context.Background(), void)
	require.NoError(t, err)
	assert.Nil(t, dropped)
}

func TestStarlarkTransformer_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		script  string
		loadErr bool
	}{
		{name: "syntax error", script: "def transform(row:\n", loadErr: true},
		{name: "missing function", script: "x = 1\n", loadErr: true},
		{name: "wrong return type", script: "def transform(row):\n    return 1\n"},
		{name: "runtime failure", script: "def transform(row):\n    return row[\"nope\"]\n"},
		{name: "runaway loop", script: "def transform(row):\n    for i in range(100000000):\n        pass\n    return row\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr, err := NewStarlarkTransformer("t.star", tt.script)
			if tt.loadErr {
				var ve *domain.ValidationError
				require.ErrorAs(t, err, &ve)
				return
			}
			require.NoError(t, err)
			_, err = tr.Transform(context.Background(), domain.NewRawRow([]string{"a"}, []domain.Value{domain.NumberValue(1)}))
			require.Error(t, err)
		})
	}
}

func TestStarlarkTransformer_GlobalsAreFrozen(t *testing.T) {
	t.Parallel()
	script := "seen = []\ndef transform(row):\n    seen.append(1)\n    return row\n"
	tr, err := NewStarlarkTransformer("state.star", script)
	require.NoError(t, err)
	_, err = tr.Transform(context.Background(), domain.NewRawRow([]string{"a"}, []domain.Value{domain.NullValue()}))
	require.Error(t, err)
}
