// Package deadletter stores work that exhausted every recovery strategy and
// replays it out of band.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"duck-ingest/internal/domain"
	"duck-ingest/internal/metrics"
)

// Replay outcome labels reported to metrics.
const (
	replaySuccess = "success"
	replayFailure = "failure"
	replaySkipped = "skipped"
)

// Reprocessor retries one dead-letter entry. A nil error removes the entry.
type Reprocessor func(ctx context.Context, e domain.DeadLetterEntry) error

// ReplayResult summarises one Dequeue pass.
type ReplayResult struct {
	Claimed  int
	Replayed int
	Failed   int
	Skipped  int
	Errors   []string
}

// Sink is the dead-letter store. Its write path never fails ingestion
// because the store is missing: an unavailable backend degrades every
// operation to a logged no-op.
type Sink struct {
	repo         domain.DeadLetterRepository
	reprocessors map[string]Reprocessor
	limiter      *rate.Limiter
	metrics      *metrics.Metrics
	now          func() time.Time
	logger       *slog.Logger

	mu    sync.Mutex
	ready bool
}

// Option configures a Sink.
type Option func(*Sink)

// WithReprocessor registers the replay handler for an operation.
func WithReprocessor(operation string, fn Reprocessor) Option {
	return func(s *Sink) { s.reprocessors[operation] = fn }
}

// WithReplayRate limits replays to rps entries per second. Zero or a
// negative rate disables throttling.
func WithReplayRate(rps float64) Option {
	return func(s *Sink) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Sink) { s.metrics = m } }

// WithClock replaces the clock used for retry timestamps.
func WithClock(now func() time.Time) Option { return func(s *Sink) { s.now = now } }

// NewSink creates a Sink. repo may be nil, in which case the sink accepts
// and drops everything.
func NewSink(repo domain.DeadLetterRepository, logger *slog.Logger, opts ...Option) *Sink {
	s := &Sink{
		repo:         repo,
		reprocessors: make(map[string]Reprocessor),
		now:          time.Now,
		logger:       logger.With("component", "dead-letter"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ensure creates the backing table on first use. A failed attempt is
// retried on the next call.
func (s *Sink) ensure(ctx context.Context) bool {
	if s.repo == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return true
	}
	if err := s.repo.EnsureTable(ctx); err != nil {
		s.logger.Warn("dead-letter store unavailable", "error", err)
		return false
	}
	s.ready = true
	return true
}

// Enqueue appends an entry. The payload is stored as JSON; a []byte or
// json.RawMessage payload is stored as given.
func (s *Sink) Enqueue(ctx context.Context, fileID, operation string, payload any, cause error, severity domain.Severity) error {
	if operation == "" {
		return domain.ErrValidation("dead-letter operation is required")
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", operation, err)
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	if !s.ensure(ctx) {
		s.logger.Warn("dropping dead letter", "file_id", fileID, "operation", operation, "severity", severity.String(), "error", msg)
		return nil
	}

	e := &domain.DeadLetterEntry{
		FileID:    fileID,
		Operation: operation,
		Payload:   raw,
		Error:     msg,
		Severity:  severity,
		CreatedAt: s.now(),
	}
	if err := s.repo.Insert(ctx, e); err != nil {
		if domain.ClassOf(err) == domain.DBErrorUnavailable {
			s.logger.Warn("dropping dead letter", "file_id", fileID, "operation", operation, "error", err)
			s.reset()
			return nil
		}
		return fmt.Errorf("insert dead letter: %w", err)
	}
	s.logger.Info("dead letter stored", "id", e.ID, "file_id", fileID, "operation", operation, "severity", severity.String())
	return nil
}

// reset forces the next call to re-check the table, which may have been
// dropped underneath the sink.
func (s *Sink) reset() {
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// Dequeue claims up to maxItems entries that have been retried fewer than
// maxRetries times, oldest first, and replays each through the reprocessor
// registered for its operation. Entries that replay successfully are
// deleted; the rest stay with their retry count bumped.
func (s *Sink) Dequeue(ctx context.Context, maxItems, maxRetries int) (*ReplayResult, error) {
	if maxItems <= 0 {
		return nil, domain.ErrValidation("max items must be positive")
	}
	if maxRetries <= 0 {
		return nil, domain.ErrValidation("max retries must be positive")
	}
	res := &ReplayResult{}
	if !s.ensure(ctx) {
		return res, nil
	}

	entries, err := s.repo.ClaimBatch(ctx, maxItems, maxRetries, s.now())
	if err != nil {
		if domain.ClassOf(err) == domain.DBErrorUnavailable {
			s.logger.Warn("dead-letter replay skipped", "error", err)
			s.reset()
			return res, nil
		}
		return nil, fmt.Errorf("claim dead letters: %w", err)
	}
	res.Claimed = len(entries)

	for _, e := range entries {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return res, fmt.Errorf("replay throttle: %w", err)
			}
		}
		s.replay(ctx, e, res)
	}
	return res, nil
}

func (s *Sink) replay(ctx context.Context, e domain.DeadLetterEntry, res *ReplayResult) {
	logger := s.logger.With("id", e.ID, "file_id", e.FileID, "operation", e.Operation, "retry", e.RetryCount)

	fn, ok := s.reprocessors[e.Operation]
	if !ok {
		logger.Warn("no reprocessor registered")
		res.Skipped++
		s.metrics.ObserveReplay(replaySkipped)
		return
	}
	if err := fn(ctx, e); err != nil {
		logger.Warn("replay failed", "error", err)
		res.Failed++
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", e.ID, err))
		s.metrics.ObserveReplay(replayFailure)
		return
	}
	if err := s.repo.Delete(ctx, e.ID); err != nil {
		var nf *domain.NotFoundError
		if !errors.As(err, &nf) {
			// The entry will replay again; inserts are idempotent.
			logger.Error("delete replayed dead letter", "error", err)
		}
	}
	logger.Info("dead letter replayed")
	res.Replayed++
	s.metrics.ObserveReplay(replaySuccess)
}

// ProcessDeadLetterQueue runs one replay pass and logs its summary. It is
// the entry point for schedulers.
func (s *Sink) ProcessDeadLetterQueue(ctx context.Context, maxItems, maxRetries int) (*ReplayResult, error) {
	start := time.Now()
	res, err := s.Dequeue(ctx, maxItems, maxRetries)
	if err != nil {
		s.logger.Error("dead-letter replay failed", "error", err)
		return res, err
	}
	if res.Claimed > 0 {
		s.logger.Info("dead-letter replay finished",
			"claimed", res.Claimed,
			"replayed", res.Replayed,
			"failed", res.Failed,
			"skipped", res.Skipped,
			"duration", time.Since(start),
		)
	}
	return res, nil
}

// Purge deletes entries that reached maxRetries and will never replay.
func (s *Sink) Purge(ctx context.Context, maxRetries int) (int64, error) {
	if maxRetries <= 0 {
		return 0, domain.ErrValidation("max retries must be positive")
	}
	if !s.ensure(ctx) {
		return 0, nil
	}
	n, err := s.repo.PurgeExhausted(ctx, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	if n > 0 {
		s.logger.Info("purged exhausted dead letters", "count", n, "max_retries", maxRetries)
	}
	return n, nil
}

// List returns a page of entries, oldest first.
func (s *Sink) List(ctx context.Context, page domain.PageRequest) ([]domain.DeadLetterEntry, int64, error) {
	if !s.ensure(ctx) {
		return nil, 0, nil
	}
	entries, total, err := s.repo.List(ctx, page)
	if err != nil {
		return nil, 0, fmt.Errorf("list dead letters: %w", err)
	}
	return entries, total, nil
}
