package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// BackendMode describes how the row backend is reached.
type BackendMode string

// Backend modes. Accelerated covers connection-pooling proxies and
// accelerated endpoints that reject long interactive transactions.
const (
	BackendModeDirect      BackendMode = "direct"
	BackendModeAccelerated BackendMode = "accelerated"
)

// ParseBackendMode validates a backend mode string.
func ParseBackendMode(s string) (BackendMode, error) {
	switch BackendMode(s) {
	case BackendModeDirect, "":
		return BackendModeDirect, nil
	case BackendModeAccelerated, "proxied":
		return BackendModeAccelerated, nil
	default:
		return "", ErrValidation("unknown backend mode %q: must be \"direct\" or \"accelerated\"", s)
	}
}

// RawRow is one decoded source record: an ordered column list plus values.
type RawRow struct {
	Columns []string
	Values  map[string]Value
}

// NewRawRow builds a row from parallel column and value slices.
func NewRawRow(columns []string, values []Value) RawRow {
	m := make(map[string]Value, len(columns))
	for i, c := range columns {
		if i < len(values) {
			m[c] = values[i]
		} else {
			m[c] = NullValue()
		}
	}
	return RawRow{Columns: columns, Values: m}
}

// Get returns the value for a column; missing columns read as null.
func (r RawRow) Get(column string) Value {
	v, ok := r.Values[column]
	if !ok {
		return NullValue()
	}
	return v
}

// Map returns the row as plain Go scalars keyed by column.
func (r RawRow) Map() map[string]any {
	out := make(map[string]any, len(r.Values))
	for k, v := range r.Values {
		out[k] = v.Interface()
	}
	return out
}

// MarshalJSON encodes the row as an object of scalars.
func (r RawRow) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Values)
}

// TaggedRow is a RawRow with provenance. RowNumber is the 1-based position in
// the source file; together with the file id it is the row's natural key.
type TaggedRow struct {
	RawRow
	SourceID   string    `json:"source_id"`
	IngestedAt time.Time `json:"ingested_at"`
	RowNumber  int64     `json:"row_number"`
}

// taggedRowJSON is the dead-letter payload shape of a TaggedRow.
type taggedRowJSON struct {
	Columns    []string         `json:"columns"`
	Values     map[string]Value `json:"values"`
	SourceID   string           `json:"source_id"`
	IngestedAt time.Time        `json:"ingested_at"`
	RowNumber  int64            `json:"row_number"`
}

// MarshalJSON keeps column order so replayed rows match the original.
func (t TaggedRow) MarshalJSON() ([]byte, error) {
	return json.Marshal(taggedRowJSON{
		Columns:    t.Columns,
		Values:     t.Values,
		SourceID:   t.SourceID,
		IngestedAt: t.IngestedAt,
		RowNumber:  t.RowNumber,
	})
}

// UnmarshalJSON restores a TaggedRow written by MarshalJSON.
func (t *TaggedRow) UnmarshalJSON(data []byte) error {
	var raw taggedRowJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Values == nil {
		raw.Values = map[string]Value{}
	}
	*t = TaggedRow{
		RawRow:     RawRow{Columns: raw.Columns, Values: raw.Values},
		SourceID:   raw.SourceID,
		IngestedAt: raw.IngestedAt,
		RowNumber:  raw.RowNumber,
	}
	return nil
}

// Batch is an ordered run of rows from one file.
type Batch struct {
	Seq        int64
	TargetSize int
	FileID     string
	Rows       []TaggedRow
}

// Len returns the number of rows in the batch.
func (b *Batch) Len() int { return len(b.Rows) }

// RowError records a row that could not be inserted.
type RowError struct {
	RowNumber int64  `json:"row_number"`
	Message   string `json:"message"`
}

func (e RowError) String() string {
	return fmt.Sprintf("row %d: %s", e.RowNumber, e.Message)
}

// BatchOutcome is the terminal result of processing one batch.
type BatchOutcome struct {
	Seq          int64
	Rows         int
	Inserted     int
	Failed       int
	Retries      int
	Splits       int
	PerRow       bool
	RowErrors    []RowError
	DeadLettered bool
	Severity     Severity
}

// Merge folds a sub-batch outcome into o.
func (o *BatchOutcome) Merge(sub *BatchOutcome) {
	o.Inserted += sub.Inserted
	o.Failed += sub.Failed
	o.Retries += sub.Retries
	o.Splits += sub.Splits
	o.PerRow = o.PerRow || sub.PerRow
	o.RowErrors = append(o.RowErrors, sub.RowErrors...)
}

// TxOptions bounds a transactional insert.
type TxOptions struct {
	Timeout time.Duration // total execution budget
	MaxWait time.Duration // time allowed to acquire the transaction
}
