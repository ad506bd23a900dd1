package domain

import "time"

// Schema column types understood by the decentralized pattern.
const (
	ColumnTypeString    = "string"
	ColumnTypeText      = "text"
	ColumnTypeInteger   = "integer"
	ColumnTypeNumber    = "number"
	ColumnTypeDecimal   = "decimal"
	ColumnTypeBoolean   = "boolean"
	ColumnTypeDate      = "date"
	ColumnTypeTimestamp = "timestamp"
	ColumnTypeJSON      = "json"
)

// SchemaColumn is one declared column of a target schema.
type SchemaColumn struct {
	ID           string  `json:"id,omitempty"`
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	IsRequired   bool    `json:"is_required"`
	DefaultValue *string `json:"default_value,omitempty"`
	Description  string  `json:"description,omitempty"`
}

// SchemaVersion is an immutable snapshot of a schema's column list.
type SchemaVersion struct {
	SchemaID  string
	Version   int
	Columns   []SchemaColumn
	ChangeLog []SchemaChange
	Comment   string
	CreatedAt time.Time
}

// ColumnNames returns the declared column names in order.
func (s *SchemaVersion) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// SchemaChangeKind tags an entry of a schema change log.
type SchemaChangeKind string

// Schema change kinds.
const (
	ChangeAdded    SchemaChangeKind = "added"
	ChangeRemoved  SchemaChangeKind = "removed"
	ChangeModified SchemaChangeKind = "modified"
)

// SchemaChange describes one column-level difference.
type SchemaChange struct {
	Kind   SchemaChangeKind `json:"kind"`
	Column string           `json:"column"`
	Old    *SchemaColumn    `json:"old,omitempty"`
	New    *SchemaColumn    `json:"new,omitempty"`
}

// SchemaDiff groups the differences between two column lists.
type SchemaDiff struct {
	Added    []SchemaColumn
	Removed  []SchemaColumn
	Modified []ColumnModification
}

// ColumnModification is a column present in both lists with differing properties.
type ColumnModification struct {
	Old SchemaColumn
	New SchemaColumn
}

// Empty reports whether the diff has no changes.
func (d SchemaDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Changes flattens the diff into a change log.
func (d SchemaDiff) Changes() []SchemaChange {
	out := make([]SchemaChange, 0, len(d.Added)+len(d.Removed)+len(d.Modified))
	for i := range d.Added {
		c := d.Added[i]
		out = append(out, SchemaChange{Kind: ChangeAdded, Column: c.Name, New: &c})
	}
	for i := range d.Removed {
		c := d.Removed[i]
		out = append(out, SchemaChange{Kind: ChangeRemoved, Column: c.Name, Old: &c})
	}
	for i := range d.Modified {
		m := d.Modified[i]
		out = append(out, SchemaChange{Kind: ChangeModified, Column: m.New.Name, Old: &m.Old, New: &m.New})
	}
	return out
}
