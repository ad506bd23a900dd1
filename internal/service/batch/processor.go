// Package batch inserts row batches into the row backend, recovering from
// backend failures by retrying, splitting, and falling back to per-row
// inserts before anything is dead-lettered.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"duck-ingest/internal/domain"
	"duck-ingest/internal/metrics"
)

const (
	// Batches at or below this size always take the non-transactional path.
	bulkMaxRows = 100
	// Non-transactional units above chunkAboveRows are inserted in chunkRows slices.
	chunkAboveRows = 500
	chunkRows      = 200
	// Units at or below splitFloor go to per-row insertion instead of splitting.
	splitFloor = 50
	// maxAttempts counts the first try; backoff is baseBackoff * 2^(attempt-1).
	maxAttempts = 3
	baseBackoff = 1000 * time.Millisecond
	miniBatch   = 10
	// maxSplitDepth is never reached in practice: every split at least
	// quarters a unit above splitFloor.
	maxSplitDepth = 16
)

// Strategy labels reported to metrics and logs.
const (
	StrategyBulk          = "bulk"
	StrategyTransactional = "transactional"
)

// DeadLetterer receives rows that exhausted every insert path.
// Implemented by deadletter.Sink.
type DeadLetterer interface {
	Enqueue(ctx context.Context, fileID, operation string, payload any, cause error, severity domain.Severity) error
}

// Processor inserts batches through a domain.RowBackend.
type Processor struct {
	backend     domain.RowBackend
	deadLetters DeadLetterer
	metrics     *metrics.Metrics
	sleep       Sleeper
	txOpts      domain.TxOptions
	logger      *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithDeadLetters sets the sink for rows that could not be inserted.
func WithDeadLetters(d DeadLetterer) Option { return func(p *Processor) { p.deadLetters = d } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option { return func(p *Processor) { p.metrics = m } }

// WithSleeper replaces the backoff sleeper.
func WithSleeper(s Sleeper) Option { return func(p *Processor) { p.sleep = s } }

// WithTxOptions sets the budget of transactional inserts.
func WithTxOptions(o domain.TxOptions) Option { return func(p *Processor) { p.txOpts = o } }

// NewProcessor creates a Processor.
func NewProcessor(backend domain.RowBackend, logger *slog.Logger, opts ...Option) *Processor {
	p := &Processor{
		backend: backend,
		sleep:   ContextSleeper,
		txOpts:  domain.TxOptions{Timeout: 30 * time.Second, MaxWait: 10 * time.Second},
		logger:  logger.With("component", "batch-processor"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// failure is a row that failed per-row insertion.
type failure struct {
	row domain.TaggedRow
	err error
}

// work is one pending unit on the split stack.
type work struct {
	rows  []domain.TaggedRow
	depth int
}

// Process runs one batch to a terminal outcome with a throwaway RunContext.
func (p *Processor) Process(ctx context.Context, fileID string, b *domain.Batch) (*domain.BatchOutcome, error) {
	return p.ProcessRun(ctx, NewRunContext(fileID), b)
}

// ProcessRun runs one batch to a terminal outcome: every row is either
// stored or reported in RowErrors and dead-lettered. The batch is not
// interrupted by cancellation of ctx once it has started; callers stop a run
// by not submitting further batches. The error is non-nil only for invalid
// input.
func (p *Processor) ProcessRun(ctx context.Context, rc *RunContext, b *domain.Batch) (*domain.BatchOutcome, error) {
	if rc == nil || rc.FileID == "" {
		return nil, domain.ErrValidation("file id is required")
	}
	if b == nil {
		return nil, domain.ErrValidation("batch is required")
	}
	return p.process(ctx, rc, b, true), nil
}

// ProcessRows inserts rows with the same recovery machinery but never
// dead-letters them. It fails if any row could not be stored. Used to
// replay dead-letter entries.
func (p *Processor) ProcessRows(ctx context.Context, fileID string, rows []domain.TaggedRow) (*domain.BatchOutcome, error) {
	if fileID == "" {
		return nil, domain.ErrValidation("file id is required")
	}
	out := p.process(ctx, NewRunContext(fileID), &domain.Batch{FileID: fileID, Rows: rows}, false)
	if out.Failed > 0 {
		return out, fmt.Errorf("%d of %d rows still failing", out.Failed, out.Rows)
	}
	return out, nil
}

func (p *Processor) process(ctx context.Context, rc *RunContext, b *domain.Batch, deadLetter bool) *domain.BatchOutcome {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	rc.batches++

	out := &domain.BatchOutcome{Seq: b.Seq, Rows: len(b.Rows)}
	logger := p.logger.With("file_id", rc.FileID, "batch", b.Seq)
	strategy := p.strategy(len(b.Rows))

	failures := p.drain(ctx, rc, b.Rows, out, logger)
	out.Failed = len(failures)
	for _, f := range failures {
		out.RowErrors = append(out.RowErrors, domain.RowError{RowNumber: f.row.RowNumber, Message: f.err.Error()})
	}

	if len(failures) > 0 && deadLetter {
		out.Severity = severityFor(failures, len(b.Rows))
		out.DeadLettered = p.deadLetter(ctx, rc.FileID, b.Seq, failures, out.Severity, logger)
	}

	p.metrics.ObserveBatch(strategy, out.Rows, out.Inserted, out.Failed, time.Since(start))
	logger.Debug("batch complete",
		"strategy", strategy,
		"rows", out.Rows,
		"inserted", out.Inserted,
		"failed", out.Failed,
		"retries", out.Retries,
		"splits", out.Splits,
		"per_row", out.PerRow,
		"duration", time.Since(start))
	return out
}

// drain processes rows through an explicit stack of pending units. Sub-units
// produced by a split are pushed in reverse so they run in source order.
func (p *Processor) drain(ctx context.Context, rc *RunContext, rows []domain.TaggedRow, out *domain.BatchOutcome, logger *slog.Logger) []failure {
	var failures []failure
	stack := []work{{rows: rows}}
	for len(stack) > 0 {
		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if len(w.rows) == 0 {
			continue
		}
		subs, fails := p.processUnit(ctx, rc, w, out, logger)
		failures = append(failures, fails...)
		for i := len(subs) - 1; i >= 0; i-- {
			stack = append(stack, subs[i])
		}
	}
	return failures
}

// processUnit attempts one unit and decides how to recover from a failure:
// split, per-row fallback, or retry with backoff.
func (p *Processor) processUnit(ctx context.Context, rc *RunContext, w work, out *domain.BatchOutcome, logger *slog.Logger) ([]work, []failure) {
	pending := w.rows
	for {
		n, err := p.insert(ctx, rc.FileID, pending)
		out.Inserted += n
		if err == nil {
			rc.forget(w.rows)
			return nil, nil
		}
		pending = pending[n:]

		class := domain.ClassOf(err)
		logger.Warn("batch insert failed",
			"unit", keyOf(pending).String(),
			"class", string(class),
			"error", err)

		switch class {
		case domain.DBErrorTimeout:
			rc.forget(w.rows)
			if len(pending) > splitFloor {
				return p.split(ctx, rc, pending, w.depth, out, logger)
			}
			return nil, p.perRow(ctx, rc.FileID, pending, out)
		case domain.DBErrorPermission:
			rc.forget(w.rows)
			return nil, p.perRow(ctx, rc.FileID, pending, out)
		}

		attempt := rc.attempt(w.rows)
		if attempt >= maxAttempts {
			rc.forget(w.rows)
			if len(pending) > splitFloor {
				return p.split(ctx, rc, pending, w.depth, out, logger)
			}
			return nil, p.perRow(ctx, rc.FileID, pending, out)
		}

		delay := baseBackoff << (attempt - 1)
		out.Retries++
		rc.retries++
		p.metrics.ObserveRetry(string(class))
		logger.Info("retrying batch insert", "attempt", attempt+1, "backoff", delay)
		_ = p.sleep(ctx, delay)
	}
}

// split cuts rows into equal contiguous parts. Units the backend mode will
// not split further go to per-row insertion.
func (p *Processor) split(ctx context.Context, rc *RunContext, rows []domain.TaggedRow, depth int, out *domain.BatchOutcome, logger *slog.Logger) ([]work, []failure) {
	parts := splitFactor(p.backend.Mode(), len(rows))
	if parts == 0 || depth >= maxSplitDepth {
		return nil, p.perRow(ctx, rc.FileID, rows, out)
	}

	size := (len(rows) + parts - 1) / parts
	subs := make([]work, 0, parts)
	for start := 0; start < len(rows); start += size {
		subs = append(subs, work{rows: rows[start:min(start+size, len(rows))], depth: depth + 1})
	}

	out.Splits++
	rc.splits++
	p.metrics.ObserveSplit()
	logger.Info("splitting batch", "rows", len(rows), "parts", len(subs), "depth", depth+1)
	return subs, nil
}

// splitFactor returns how many parts a failing unit is cut into, or 0 when
// it should go straight to per-row insertion.
func splitFactor(mode domain.BackendMode, n int) int {
	if mode == domain.BackendModeAccelerated {
		switch {
		case n > 500:
			return 8
		case n > 100:
			return 4
		default:
			return 0
		}
	}
	return 4
}

func (p *Processor) strategy(n int) string {
	if p.backend.Mode() == domain.BackendModeAccelerated || n <= bulkMaxRows {
		return StrategyBulk
	}
	return StrategyTransactional
}

// insert makes one attempt at storing rows. On failure it returns how many
// leading rows were stored; only the non-transactional path stores a prefix.
func (p *Processor) insert(ctx context.Context, fileID string, rows []domain.TaggedRow) (int, error) {
	if p.strategy(len(rows)) == StrategyBulk {
		return p.insertBulk(ctx, fileID, rows)
	}
	var n int
	err := p.withConn(ctx, func(c domain.RowConn) error {
		var err error
		n, err = c.InsertTx(ctx, fileID, rows, p.txOpts)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// insertBulk inserts without a transaction. Large units go in sequential
// fixed-size chunks, each on its own handle.
func (p *Processor) insertBulk(ctx context.Context, fileID string, rows []domain.TaggedRow) (int, error) {
	size := len(rows)
	if size > chunkAboveRows {
		size = chunkRows
	}
	stored := 0
	for start := 0; start < len(rows); start += size {
		chunk := rows[start:min(start+size, len(rows))]
		var n int
		err := p.withConn(ctx, func(c domain.RowConn) error {
			var err error
			n, err = c.InsertMany(ctx, fileID, chunk)
			return err
		})
		stored += n
		if err != nil {
			return stored, err
		}
	}
	return stored, nil
}

// perRow inserts rows in mini-batches; a failing mini-batch is retried row
// by row. Unique violations count as stored.
func (p *Processor) perRow(ctx context.Context, fileID string, rows []domain.TaggedRow, out *domain.BatchOutcome) []failure {
	out.PerRow = true
	p.metrics.ObservePerRow()

	var failures []failure
	for start := 0; start < len(rows); start += miniBatch {
		mini := rows[start:min(start+miniBatch, len(rows))]
		err := p.withConn(ctx, func(c domain.RowConn) error {
			n, err := c.InsertMany(ctx, fileID, mini)
			out.Inserted += n
			if err == nil {
				return nil
			}
			for _, r := range mini[n:] {
				if err := c.InsertOne(ctx, fileID, r); err != nil && domain.ClassOf(err) != domain.DBErrorUnique {
					failures = append(failures, failure{row: r, err: err})
					continue
				}
				out.Inserted++
			}
			return nil
		})
		if err != nil {
			for _, r := range mini {
				failures = append(failures, failure{row: r, err: err})
			}
		}
	}
	return failures
}

// withConn runs fn on a freshly acquired handle and always releases it.
func (p *Processor) withConn(ctx context.Context, fn func(domain.RowConn) error) error {
	c, err := p.backend.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.Release()
	return fn(c)
}

// severityFor ranks a batch's failures: every row failing is high, failures
// that are all data problems are low, anything else is medium.
func severityFor(failures []failure, total int) domain.Severity {
	if len(failures) >= total {
		return domain.SeverityHigh
	}
	for _, f := range failures {
		if domain.ClassOf(f.err) != domain.DBErrorConstraint && domain.CategoryOf(f.err) != domain.CategoryValidation {
			return domain.SeverityMedium
		}
	}
	return domain.SeverityLow
}

func (p *Processor) deadLetter(ctx context.Context, fileID string, seq int64, failures []failure, sev domain.Severity, logger *slog.Logger) bool {
	if p.deadLetters == nil {
		logger.Warn("rows failed with no dead-letter sink configured", "failed", len(failures))
		return false
	}
	rows := make([]domain.TaggedRow, len(failures))
	for i, f := range failures {
		rows[i] = f.row
	}
	payload := domain.RowsPayload{FileID: fileID, Seq: seq, Rows: rows}
	cause := fmt.Errorf("%d rows failed, first at row %d: %w", len(failures), failures[0].row.RowNumber, failures[0].err)

	if err := p.deadLetters.Enqueue(ctx, fileID, domain.OpInsertRows, payload, cause, sev); err != nil {
		logger.Error("dead-letter enqueue failed", "failed", len(failures), "error", err)
		return false
	}
	p.metrics.ObserveDeadLetter(domain.OpInsertRows, sev.String())
	return true
}
