package domain

import (
	"fmt"
	"time"
)

// ArchitecturePattern selects how normalized records are laid out physically.
type ArchitecturePattern string

// Architecture patterns.
const (
	PatternCentralized   ArchitecturePattern = "centralized"
	PatternDecentralized ArchitecturePattern = "decentralized"
	PatternPolyglot      ArchitecturePattern = "polyglot"
)

// HistoryOperation tags a history entry.
type HistoryOperation string

// History operations.
const (
	HistoryInsert HistoryOperation = "INSERT"
	HistoryUpdate HistoryOperation = "UPDATE"
	HistoryDelete HistoryOperation = "DELETE"
)

// NormalizedRecord is one version of a logical entity. Versions of the same
// entity share a LineageID; at most one version per lineage is active.
type NormalizedRecord struct {
	ID                string
	LineageID         string
	ProjectID         string
	FileID            string
	SchemaID          string
	Data              map[string]any
	Version           int
	IsActive          bool
	PreviousVersionID *string
	PartitionKey      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NormalizedRecordHistory is an append-only snapshot of a record write.
type NormalizedRecordHistory struct {
	ID        string
	RecordID  string
	LineageID string
	Version   int
	Operation HistoryOperation
	Data      map[string]any
	ChangedAt time.Time
}

// StorageLocation describes where the canonical copy of a record lives
// (polyglot pattern).
type StorageLocation struct {
	RecordID    string
	SchemaID    string
	StorageType string
	Location    string
	CreatedAt   time.Time
}

// PartitionType names a partition strategy.
type PartitionType string

// Partition strategies.
const (
	PartitionTime  PartitionType = "time"
	PartitionHash  PartitionType = "hash"
	PartitionRange PartitionType = "range"
	PartitionList  PartitionType = "list"
)

// TimeInterval is the bucket width of a time partition.
type TimeInterval string

// Time partition intervals.
const (
	IntervalDay   TimeInterval = "day"
	IntervalWeek  TimeInterval = "week"
	IntervalMonth TimeInterval = "month"
	IntervalYear  TimeInterval = "year"
)

// RangeBucket is an inclusive [Min, Max] numeric range.
type RangeBucket struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// PartitionStrategy derives a partition key from one record field.
type PartitionStrategy struct {
	Type     PartitionType `yaml:"type" json:"type"`
	Field    string        `yaml:"field" json:"field"`
	Interval TimeInterval  `yaml:"interval,omitempty" json:"interval,omitempty"`
	Ranges   []RangeBucket `yaml:"ranges,omitempty" json:"ranges,omitempty"`
	Values   []string      `yaml:"values,omitempty" json:"values,omitempty"`
}

// Validate checks that the strategy is complete.
func (p *PartitionStrategy) Validate() error {
	if p.Field == "" {
		return ErrValidation("partition field is required")
	}
	switch p.Type {
	case PartitionTime:
		switch p.Interval {
		case "", IntervalDay, IntervalWeek, IntervalMonth, IntervalYear:
		default:
			return ErrValidation("unknown time partition interval %q", p.Interval)
		}
	case PartitionHash:
	case PartitionRange:
		if len(p.Ranges) == 0 {
			return ErrValidation("range partition requires at least one range")
		}
	case PartitionList:
		if len(p.Values) == 0 {
			return ErrValidation("list partition requires at least one value")
		}
	default:
		return ErrValidation("unknown partition type %q", p.Type)
	}
	return nil
}

// RetentionPolicy bounds how many inactive record versions are kept.
type RetentionPolicy struct {
	MaxAge      time.Duration `yaml:"max_age" json:"max_age"`
	MaxVersions int           `yaml:"max_versions" json:"max_versions"`
}

// StorageOptions configures a normalized storage service instance.
type StorageOptions struct {
	Pattern             ArchitecturePattern `yaml:"pattern" json:"pattern"`
	EnableVersioning    bool                `yaml:"versioning" json:"versioning"`
	EnableHistorization bool                `yaml:"historization" json:"historization"`
	Partition           *PartitionStrategy  `yaml:"partition,omitempty" json:"partition,omitempty"`
	Retention           *RetentionPolicy    `yaml:"retention,omitempty" json:"retention,omitempty"`
}

// DefaultStorageOptions is the centralized, versioned, historized layout.
func DefaultStorageOptions() StorageOptions {
	return StorageOptions{
		Pattern:             PatternCentralized,
		EnableVersioning:    true,
		EnableHistorization: true,
	}
}

// Validate checks the options and fills the default pattern.
func (o *StorageOptions) Validate() error {
	switch o.Pattern {
	case "":
		o.Pattern = PatternCentralized
	case PatternCentralized, PatternDecentralized, PatternPolyglot:
	default:
		return ErrValidation("unknown architecture pattern %q", o.Pattern)
	}
	if o.Partition != nil {
		if err := o.Partition.Validate(); err != nil {
			return err
		}
	}
	if o.Retention != nil && o.Retention.MaxVersions < 0 {
		return ErrValidation("retention max_versions must not be negative")
	}
	return nil
}

// FilterOperator compares a record field against a filter value.
type FilterOperator string

// Filter operators.
const (
	OpEq         FilterOperator = "eq"
	OpNeq        FilterOperator = "neq"
	OpGt         FilterOperator = "gt"
	OpGte        FilterOperator = "gte"
	OpLt         FilterOperator = "lt"
	OpLte        FilterOperator = "lte"
	OpContains   FilterOperator = "contains"
	OpStartsWith FilterOperator = "startsWith"
	OpEndsWith   FilterOperator = "endsWith"
	OpIn         FilterOperator = "in"
)

// RecordFilter is one predicate over a record's data.
type RecordFilter struct {
	Field    string
	Operator FilterOperator
	Value    any
}

// Validate checks the operator and operand shape.
func (f RecordFilter) Validate() error {
	if f.Field == "" {
		return ErrValidation("filter field is required")
	}
	switch f.Operator {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains, OpStartsWith, OpEndsWith:
	case OpIn:
		if _, ok := f.Value.([]any); !ok {
			return ErrValidation("filter %q: operator in requires a list value", f.Field)
		}
	default:
		return ErrValidation("filter %q: unknown operator %q", f.Field, f.Operator)
	}
	return nil
}

// RecordQuery selects normalized records.
type RecordQuery struct {
	Filters        []RecordFilter
	OrderBy        string
	Desc           bool
	Limit          int
	Offset         int
	AsOf           *time.Time
	IncludeHistory bool
	SchemaID       string
}

// RecordWithHistory pairs a record with its history when requested.
type RecordWithHistory struct {
	NormalizedRecord
	History []NormalizedRecordHistory
}

// RecordPage is one page of query results.
type RecordPage struct {
	Records []RecordWithHistory
	Total   int
}

// StoreResult summarises a StoreNormalizedData call.
type StoreResult struct {
	Success         bool
	NormalizedCount int
	ErrorCount      int
	Errors          []string
	Warnings        []string
	RecordIDs       []string
}

// AddError records a per-row failure.
func (r *StoreResult) AddError(row int, err error) {
	r.ErrorCount++
	r.Errors = append(r.Errors, fmt.Sprintf("row %d: %v", row, err))
}
