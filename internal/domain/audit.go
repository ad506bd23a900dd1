package domain

import "time"

// AuditEntry represents a single audit log record.
type AuditEntry struct {
	ID           string
	Actor        string
	Action       string
	FileID       *string
	Status       string // "SUCCESS", "PARTIAL", "ERROR"
	Detail       *string
	ErrorMessage *string
	DurationMs   *int64
	RowsAffected *int64
	CreatedAt    time.Time
}

// AuditFilter holds filter parameters for listing audit logs.
type AuditFilter struct {
	Actor  *string
	Action *string
	FileID *string
	Status *string
	Page   PageRequest
}
