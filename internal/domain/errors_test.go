package domain

import (
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"pipeline error", NewPipelineError(CategoryParsing, SeverityMedium, "decode", base), CategoryParsing},
		{"wrapped pipeline error", fmt.Errorf("ingest: %w", NewPipelineError(CategoryConversion, SeverityLow, "export", base)), CategoryConversion},
		{"validation", ErrValidation("bad row"), CategoryValidation},
		{"database", &DBError{Class: DBErrorTimeout, Err: base}, CategoryDatabase},
		{"plain", base, CategorySystem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.err))
		})
	}
}

func TestClassOf(t *testing.T) {
	err := fmt.Errorf("insert: %w", &DBError{Class: DBErrorUnique, Err: errors.New("dup")})
	assert.Equal(t, DBErrorUnique, ClassOf(err))
	assert.Equal(t, DBErrorOther, ClassOf(errors.New("x")))
	assert.Equal(t, "unique: dup", errors.Unwrap(err).Error())
}

func TestSeverity_RoundTrip(t *testing.T) {
	for _, s := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		assert.Equal(t, s, ParseSeverity(s.String()))
	}
	assert.Equal(t, "none", Severity(0).String())
	assert.Equal(t, Severity(0), ParseSeverity("urgent"))
	assert.Less(t, SeverityLow, SeverityHigh)
}

func TestPipelineError(t *testing.T) {
	base := errors.New("disk full")
	err := NewPipelineError(CategorySystem, SeverityHigh, "parquet_export", base)
	assert.Equal(t, "parquet_export (system/high): disk full", err.Error())
	assert.ErrorIs(t, err, base)
}

func TestSourceError(t *testing.T) {
	assert.Equal(t, "source a.csv row 3: bad quote", (&SourceError{Locator: "a.csv", Row: 3, Err: errors.New("bad quote")}).Error())
	assert.Equal(t, "source a.csv: gone", (&SourceError{Locator: "a.csv", Fatal: true, Err: errors.New("gone")}).Error())
}

func TestPageRequest(t *testing.T) {
	assert.Equal(t, DefaultMaxResults, PageRequest{}.Limit())
	assert.Equal(t, MaxMaxResults, PageRequest{MaxResults: 5000}.Limit())
	assert.Equal(t, 0, PageRequest{PageToken: "not base64!"}.Offset())

	token := NextPageToken(0, 10, 25)
	assert.Equal(t, 10, PageRequest{PageToken: token}.Offset())
	assert.Empty(t, NextPageToken(20, 10, 25))
	assert.Empty(t, EncodePageToken(0))

	page := PageRequest{MaxResults: 10, PageToken: token}
	assert.Equal(t, 20, PageRequest{PageToken: page.Next(25)}.Offset())
	assert.Empty(t, PageRequest{MaxResults: 10, PageToken: page.Next(25)}.Next(25))

	var ve *ValidationError
	require.NoError(t, page.Validate())
	require.ErrorAs(t, PageRequest{PageToken: "not base64!"}.Validate(), &ve)
	require.ErrorAs(t, PageRequest{PageToken: base64.RawURLEncoding.EncodeToString([]byte("42"))}.Validate(), &ve, "tokens carry a prefix")
	require.ErrorAs(t, PageRequest{MaxResults: -1}.Validate(), &ve)
}

func TestParseBackendMode(t *testing.T) {
	for in, want := range map[string]BackendMode{"": BackendModeDirect, "direct": BackendModeDirect, "accelerated": BackendModeAccelerated, "proxied": BackendModeAccelerated} {
		got, err := ParseBackendMode(in)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseBackendMode("turbo")
	assert.Error(t, err)
}
