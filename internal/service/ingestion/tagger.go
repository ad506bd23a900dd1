package ingestion

import (
	"time"

	"duck-ingest/internal/domain"
)

// Provenance is the source identity stamped on every row of one run. All
// rows of a run share the same values.
type Provenance struct {
	SourceID   string
	IngestedAt time.Time
}

// NewProvenance fixes the ingestion timestamp of a run, in UTC.
func NewProvenance(sourceID string, at time.Time) Provenance {
	return Provenance{SourceID: sourceID, IngestedAt: at.UTC()}
}

// Tag attaches provenance and the 1-based source position to row. It has
// no side effects.
func (p Provenance) Tag(row domain.RawRow, rowNumber int64) domain.TaggedRow {
	return domain.TaggedRow{
		RawRow:     row,
		SourceID:   p.SourceID,
		IngestedAt: p.IngestedAt,
		RowNumber:  rowNumber,
	}
}
