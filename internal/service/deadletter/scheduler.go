package deadletter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"duck-ingest/internal/domain"
)

// Scheduler runs ProcessDeadLetterQueue on a cron schedule. A pass that is
// still running when the next one is due causes that tick to be skipped.
type Scheduler struct {
	cron       *cron.Cron
	sink       *Sink
	schedule   string
	maxItems   int
	maxRetries int
	logger     *slog.Logger

	mu      sync.Mutex
	entry   cron.EntryID
	started bool
}

// NewScheduler creates a replay scheduler.
func NewScheduler(sink *Sink, schedule string, maxItems, maxRetries int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		sink:       sink,
		schedule:   schedule,
		maxItems:   maxItems,
		maxRetries: maxRetries,
		logger:     logger.With("component", "dead-letter-scheduler"),
	}
}

// Start registers the replay job and starts the cron scheduler. Jobs run
// with ctx, so cancelling it stops in-flight throttled replays.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return domain.ErrConflict("dead-letter scheduler already started")
	}

	entryID, err := s.cron.AddFunc(s.schedule, func() {
		if _, runErr := s.sink.ProcessDeadLetterQueue(ctx, s.maxItems, s.maxRetries); runErr != nil {
			s.logger.Warn("scheduled replay failed", "error", runErr)
		}
	})
	if err != nil {
		return domain.ErrValidation("invalid dead-letter schedule %q: %v", s.schedule, err)
	}
	s.entry = entryID
	s.started = true
	s.cron.Start()
	s.logger.Info("dead-letter scheduler started",
		"schedule", s.schedule,
		"max_items", s.maxItems,
		"max_retries", s.maxRetries,
	)
	return nil
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	<-s.cron.Stop().Done()
	s.cron.Remove(s.entry)
	s.started = false
	s.logger.Info("dead-letter scheduler stopped")
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
