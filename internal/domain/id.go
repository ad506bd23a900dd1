package domain

import (
	"github.com/google/uuid"
)

// NewID generates a UUIDv7 string for application-owned entities.
// UUIDv7 sorts by creation time, which keeps oldest-first scans cheap.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
