// Package domain defines core types, interfaces, and errors for the ingestion platform.
package domain

import (
	"errors"
	"fmt"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// AccessDeniedError indicates insufficient permissions.
type AccessDeniedError struct {
	Message string
}

func (e *AccessDeniedError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a conflict (e.g., duplicate resource).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrAccessDenied creates an AccessDeniedError with a formatted message.
func ErrAccessDenied(format string, args ...interface{}) *AccessDeniedError {
	return &AccessDeniedError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrorCategory classifies pipeline failures.
type ErrorCategory string

// Error categories.
const (
	CategoryValidation ErrorCategory = "validation"
	CategoryParsing    ErrorCategory = "parsing"
	CategoryConversion ErrorCategory = "conversion"
	CategoryDatabase   ErrorCategory = "database"
	CategorySystem     ErrorCategory = "system"
)

// Severity ranks how bad a failure is for the owning file.
type Severity int

// Severities, ordered.
const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(s string) Severity {
	switch s {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return 0
	}
}

// PipelineError is a categorised failure surfaced by the ingestion pipeline.
type PipelineError struct {
	Category ErrorCategory
	Severity Severity
	Op       string
	Err      error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s (%s/%s): %v", e.Op, e.Category, e.Severity, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError wraps err with a category and severity.
func NewPipelineError(category ErrorCategory, severity Severity, op string, err error) *PipelineError {
	return &PipelineError{Category: category, Severity: severity, Op: op, Err: err}
}

// CategoryOf returns the category of err, defaulting to system.
func CategoryOf(err error) ErrorCategory {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return CategoryValidation
	}
	var de *DBError
	if errors.As(err, &de) {
		return CategoryDatabase
	}
	return CategorySystem
}

// SourceError is raised by a row source. Fatal errors abort the ingestion
// run; non-fatal ones describe a single dropped row.
type SourceError struct {
	Locator string
	Row     int64
	Fatal   bool
	Err     error
}

func (e *SourceError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("source %s row %d: %v", e.Locator, e.Row, e.Err)
	}
	return fmt.Sprintf("source %s: %v", e.Locator, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// DBErrorClass is the backend failure class the batch processor reacts to.
type DBErrorClass string

// Backend failure classes.
const (
	DBErrorTimeout     DBErrorClass = "timeout"
	DBErrorPermission  DBErrorClass = "permission"
	DBErrorUnique      DBErrorClass = "unique"
	DBErrorConstraint  DBErrorClass = "constraint"
	DBErrorUnavailable DBErrorClass = "unavailable"
	DBErrorOther       DBErrorClass = "other"
)

// DBError is a backend error tagged with its failure class.
type DBError struct {
	Class DBErrorClass
	Err   error
}

func (e *DBError) Error() string { return fmt.Sprintf("%s: %v", e.Class, e.Err) }

func (e *DBError) Unwrap() error { return e.Err }

// ClassOf returns the DBErrorClass of err, or DBErrorOther if err carries none.
func ClassOf(err error) DBErrorClass {
	var de *DBError
	if errors.As(err, &de) {
		return de.Class
	}
	return DBErrorOther
}
