package batch

import (
	"context"
	"fmt"
	"time"

	"duck-ingest/internal/domain"
)

// Sleeper waits for d. Implementations return early only if ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleeper is the default Sleeper backed by a timer.
func ContextSleeper(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunContext carries the retry bookkeeping of one ingestion run. It is owned
// by the caller, passed into every Process call of the run, and discarded
// when the run ends. It is not safe for concurrent use.
type RunContext struct {
	FileID string

	attempts map[unitKey]int
	retries  int
	splits   int
	batches  int
}

// unitKey identifies a unit of work by the row range it covers.
type unitKey struct {
	first, last int64
	size        int
}

func keyOf(rows []domain.TaggedRow) unitKey {
	if len(rows) == 0 {
		return unitKey{}
	}
	return unitKey{first: rows[0].RowNumber, last: rows[len(rows)-1].RowNumber, size: len(rows)}
}

func (k unitKey) String() string {
	return fmt.Sprintf("rows %d-%d (%d)", k.first, k.last, k.size)
}

// NewRunContext creates the bookkeeping for one run over fileID.
func NewRunContext(fileID string) *RunContext {
	return &RunContext{FileID: fileID, attempts: make(map[unitKey]int)}
}

// attempt records one more failed attempt for rows and returns the count.
func (rc *RunContext) attempt(rows []domain.TaggedRow) int {
	k := keyOf(rows)
	rc.attempts[k]++
	return rc.attempts[k]
}

// forget drops the attempt count of a unit that reached a terminal state.
func (rc *RunContext) forget(rows []domain.TaggedRow) {
	delete(rc.attempts, keyOf(rows))
}

// Retries returns the number of retries performed in the run so far.
func (rc *RunContext) Retries() int { return rc.retries }

// Splits returns the number of splits performed in the run so far.
func (rc *RunContext) Splits() int { return rc.splits }

// Batches returns the number of batches processed in the run so far.
func (rc *RunContext) Batches() int { return rc.batches }
