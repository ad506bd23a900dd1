// Package ingestion streams tabular files into the row backend: it opens a
// source, transforms and tags rows, groups them into batches, and hands the
// batches to the batch processor in order.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"duck-ingest/internal/domain"
	"duck-ingest/internal/metrics"
	"duck-ingest/internal/service/batch"
)

// Audit actions and statuses written by the service.
const (
	ActionIngestFile = "INGEST_FILE"
	ActionExport     = "EXPORT_PARQUET"

	auditSuccess = "SUCCESS"
	auditPartial = "PARTIAL"
	auditError   = "ERROR"
)

// BatchProcessor runs one batch to a terminal outcome.
// Implemented by batch.Processor.
type BatchProcessor interface {
	ProcessRun(ctx context.Context, rc *batch.RunContext, b *domain.Batch) (*domain.BatchOutcome, error)
}

// IngestRequest describes one ingestion run.
type IngestRequest struct {
	Locator  string
	Format   domain.FileFormat // empty infers from the locator
	FileID   string            // empty generates one
	SourceID string
	Actor    string
	Sheet    string
	// EstimatedRows sizes batches; zero uses the small-file size.
	EstimatedRows int64
	// OnHeaders is awaited before any row is processed. An error aborts
	// the run.
	OnHeaders func(ctx context.Context, fileID string, headers []string) error
	// OnProgress is called after every processed batch.
	OnProgress func(p domain.Progress)
	// Export converts the stored rows to Parquet after ingestion.
	Export bool
}

// Service orchestrates file ingestion.
type Service struct {
	opener      domain.Opener
	files       domain.IngestedFileRepository
	processor   BatchProcessor
	mode        domain.BackendMode
	transformer domain.Transformer
	deadLetters batch.DeadLetterer
	exporter    domain.ParquetSink
	events      domain.EventPublisher
	audit       domain.AuditRepository
	metrics     *metrics.Metrics
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTransformer sets the row transformer.
func WithTransformer(t domain.Transformer) Option { return func(s *Service) { s.transformer = t } }

// WithDeadLetters sets the sink for failed exports.
func WithDeadLetters(d batch.DeadLetterer) Option { return func(s *Service) { s.deadLetters = d } }

// WithExporter sets the Parquet sink.
func WithExporter(e domain.ParquetSink) Option { return func(s *Service) { s.exporter = e } }

// WithEvents sets the event publisher.
func WithEvents(p domain.EventPublisher) Option { return func(s *Service) { s.events = p } }

// WithAudit sets the audit repository.
func WithAudit(a domain.AuditRepository) Option { return func(s *Service) { s.audit = a } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock replaces the clock used for provenance timestamps.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates an ingestion Service. mode must match the backend the
// processor writes to; it drives batch sizing.
func NewService(
	opener domain.Opener,
	files domain.IngestedFileRepository,
	processor BatchProcessor,
	mode domain.BackendMode,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		opener:    opener,
		files:     files,
		processor: processor,
		mode:      mode,
		now:       time.Now,
		logger:    logger.With("component", "ingestion"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// run carries the state of one Ingest call.
type run struct {
	req     IngestRequest
	rc      *batch.RunContext
	result  *domain.IngestionResult
	severe  bool
	started time.Time
	logger  *slog.Logger
}

// Ingest streams req.Locator into the row backend. It returns an error only
// for invalid requests and for failures that stop the run (source errors,
// a failing OnHeaders hook, cancellation); partial success is reported in
// the result, which is non-nil whenever the file was registered.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*domain.IngestionResult, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	f, err := s.files.Create(ctx, &domain.IngestedFile{
		ID:       req.FileID,
		SourceID: req.SourceID,
		Locator:  req.Locator,
		Format:   req.Format,
		Status:   domain.FileStatusProcessing,
	})
	if err != nil {
		return nil, fmt.Errorf("register file: %w", err)
	}

	r := &run{
		req:     req,
		rc:      batch.NewRunContext(f.ID),
		result:  &domain.IngestionResult{FileID: f.ID, Status: domain.FileStatusProcessing},
		started: time.Now(),
		logger:  s.logger.With("file_id", f.ID, "locator", redactURL(req.Locator)),
	}
	s.publish(ctx, domain.Event{Type: domain.EventStatus, FileID: f.ID, Status: domain.FileStatusProcessing})

	if err := s.stream(ctx, r); err != nil {
		s.fail(ctx, r, err)
		return r.result, err
	}

	s.finish(ctx, r)
	if req.Export && r.result.Status == domain.FileStatusActive {
		s.export(ctx, r)
	}
	return r.result, nil
}

func (s *Service) validate(req *IngestRequest) error {
	req.Locator = strings.TrimSpace(req.Locator)
	if req.Locator == "" {
		return domain.ErrValidation("locator is required")
	}
	if req.SourceID == "" {
		return domain.ErrValidation("source id is required")
	}
	if req.EstimatedRows < 0 {
		return domain.ErrValidation("estimated rows must not be negative")
	}
	format, err := ParseFormat(string(req.Format))
	if err != nil {
		return err
	}
	if format == "" {
		if format, err = DetectFormat(req.Locator); err != nil {
			return err
		}
	}
	req.Format = format
	if req.FileID == "" {
		req.FileID = domain.NewID()
	}
	if req.Actor == "" {
		req.Actor = "system"
	}
	return nil
}

// stream reads, transforms, tags, batches, and processes every row.
func (s *Service) stream(ctx context.Context, r *run) error {
	src, err := OpenSource(ctx, s.opener, r.req.Locator, r.req.Format, SourceOptions{Sheet: r.req.Sheet, Logger: s.logger})
	if err != nil {
		return err
	}
	defer src.Close() //nolint:errcheck

	headers := src.Headers()
	r.result.Headers = headers
	if err := s.files.UpdateHeaders(ctx, r.result.FileID, headers); err != nil {
		return fmt.Errorf("store headers: %w", err)
	}
	if r.req.OnHeaders != nil {
		if err := r.req.OnHeaders(ctx, r.result.FileID, headers); err != nil {
			return fmt.Errorf("headers callback: %w", err)
		}
	}

	prov := NewProvenance(r.req.SourceID, s.now())
	batcher := NewBatcher(r.result.FileID, TargetBatchSize(r.req.EstimatedRows, s.mode))
	r.result.BatchSize = batcher.Size()
	r.logger.Info("ingestion started", "headers", len(headers), "batch_size", batcher.Size(), "mode", string(s.mode))

	var position, transformSkipped int64
	defer func() {
		r.result.SkippedRows = src.Skipped() + transformSkipped
		s.metrics.ObserveSkipped(r.result.SkippedRows)
	}()

	for {
		raw, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		position++

		row, err := s.transform(ctx, raw)
		if err != nil {
			transformSkipped++
			r.logger.Warn("skipping row that failed transformation", "row", position, "error", err)
			continue
		}
		if row == nil {
			continue
		}

		if b, full := batcher.Add(prov.Tag(*row, position)); full {
			// Cancellation stops the run between batches, never inside one.
			if err := ctx.Err(); err != nil {
				return err
			}
			s.process(ctx, r, b, position)
		}
	}

	if b, ok := batcher.Flush(); ok && b.Len() > 0 {
		s.process(ctx, r, b, position)
	}
	return nil
}

func (s *Service) transform(ctx context.Context, raw domain.RawRow) (*domain.RawRow, error) {
	if s.transformer == nil {
		return &raw, nil
	}
	return s.transformer.Transform(ctx, raw)
}

func (s *Service) process(ctx context.Context, r *run, b *domain.Batch, read int64) {
	out, err := s.processor.ProcessRun(ctx, r.rc, b)
	if err != nil {
		// Only invalid input errors here, which the service never builds.
		r.logger.Error("batch rejected", "seq", b.Seq, "error", err)
		out = &domain.BatchOutcome{Seq: b.Seq, Rows: b.Len(), Failed: b.Len()}
		for _, row := range b.Rows {
			out.RowErrors = append(out.RowErrors, domain.RowError{RowNumber: row.RowNumber, Message: err.Error()})
		}
		r.severe = true
	}

	res := r.result
	res.Batches++
	res.RowCount += int64(out.Rows)
	res.Inserted += int64(out.Inserted)
	res.Failed += int64(out.Failed)
	res.RowErrors = append(res.RowErrors, out.RowErrors...)
	if out.DeadLettered {
		res.DeadLetters++
		s.publish(ctx, domain.Event{
			Type:   domain.EventDeadLettered,
			FileID: res.FileID,
			Detail: map[string]any{"seq": b.Seq, "rows": out.Failed, "severity": out.Severity.String()},
		})
	}
	if out.Failed > 0 && out.Severity >= domain.SeverityMedium {
		r.severe = true
	}

	p := domain.Progress{
		FileID:        res.FileID,
		Batch:         res.Batches,
		RowsRead:      read,
		RowsInserted:  res.Inserted,
		RowsFailed:    res.Failed,
		EstimatedRows: r.req.EstimatedRows,
	}
	if r.req.OnProgress != nil {
		r.req.OnProgress(p)
	}
	s.publish(ctx, domain.Event{Type: domain.EventProgress, FileID: res.FileID, Progress: &p})
	r.logger.Debug("batch processed", "seq", b.Seq, "rows", out.Rows, "inserted", out.Inserted, "failed", out.Failed, "pct", p.Percent())
}

// finish records the terminal status of a run that read its whole source.
func (s *Service) finish(ctx context.Context, r *run) {
	res := r.result
	res.Status = domain.FileStatusActive
	var errMsg *string
	if r.severe {
		res.Status = domain.FileStatusError
		msg := fmt.Sprintf("%d of %d rows could not be stored", res.Failed, res.RowCount)
		errMsg = &msg
	}
	if err := s.files.UpdateStatus(ctx, res.FileID, res.Status, res.Inserted, errMsg); err != nil {
		r.logger.Error("update file status", "error", err)
	}

	status := auditSuccess
	if res.Failed > 0 {
		status = auditPartial
	}
	s.logAudit(ctx, r, ActionIngestFile, status, errMsg, res.Inserted)
	s.metrics.ObserveFile(string(res.Status))
	s.publish(ctx, domain.Event{
		Type:   domain.EventStatus,
		FileID: res.FileID,
		Status: res.Status,
		Detail: map[string]any{"rows": res.RowCount, "inserted": res.Inserted, "failed": res.Failed},
	})
	r.logger.Info("ingestion finished",
		"status", string(res.Status),
		"rows", res.RowCount,
		"inserted", res.Inserted,
		"failed", res.Failed,
		"skipped", res.SkippedRows,
		"batches", res.Batches,
		"dead_letters", res.DeadLetters,
		"retries", r.rc.Retries(),
		"splits", r.rc.Splits(),
		"duration", time.Since(r.started),
	)
}

// fail records a run that stopped early.
func (s *Service) fail(ctx context.Context, r *run, cause error) {
	res := r.result
	res.Status = domain.FileStatusError
	msg := cause.Error()
	// The run context may be cancelled; status bookkeeping still has to land.
	bg := context.WithoutCancel(ctx)
	if err := s.files.UpdateStatus(bg, res.FileID, domain.FileStatusError, res.Inserted, &msg); err != nil {
		r.logger.Error("update file status", "error", err)
	}
	s.logAudit(bg, r, ActionIngestFile, auditError, &msg, res.Inserted)
	s.metrics.ObserveFile(string(domain.FileStatusError))
	s.publish(bg, domain.Event{Type: domain.EventStatus, FileID: res.FileID, Status: domain.FileStatusError, Detail: map[string]any{"error": msg}})
	r.logger.Error("ingestion failed", "category", string(domain.CategoryOf(cause)), "inserted", res.Inserted, "error", cause)
}

// export converts the stored rows to Parquet. Failures are recorded on the
// file and queued for replay; they never change the file status.
func (s *Service) export(ctx context.Context, r *run) {
	res := r.result
	if s.exporter == nil {
		r.logger.Warn("export requested but no exporter configured")
		return
	}
	start := time.Now()
	path, err := s.exporter.Export(ctx, res.FileID, res.Headers)
	if err == nil {
		res.ExportPath = path
		s.logAuditDuration(ctx, r, ActionExport, auditSuccess, nil, res.Inserted, time.Since(start))
		r.logger.Info("parquet export finished", "path", path)
		return
	}

	cause := domain.NewPipelineError(domain.CategoryConversion, domain.SeverityLow, "parquet export", err)
	msg := cause.Error()
	res.ExportError = msg
	r.logger.Warn("parquet export failed", "error", err)
	if serr := s.files.SetConversionError(ctx, res.FileID, &msg); serr != nil {
		r.logger.Error("record conversion error", "error", serr)
	}
	s.logAuditDuration(ctx, r, ActionExport, auditError, &msg, 0, time.Since(start))
	if s.deadLetters == nil {
		return
	}
	payload := domain.ExportPayload{FileID: res.FileID, Target: path}
	if derr := s.deadLetters.Enqueue(ctx, res.FileID, domain.OpParquetExport, payload, cause, domain.SeverityLow); derr != nil {
		r.logger.Error("queue failed export", "error", derr)
		return
	}
	s.metrics.ObserveDeadLetter(domain.OpParquetExport, domain.SeverityLow.String())
}

func (s *Service) publish(ctx context.Context, evt domain.Event) {
	if s.events == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Warn("publish event", "type", evt.Type, "file_id", evt.FileID, "error", err)
	}
}

func (s *Service) logAudit(ctx context.Context, r *run, action, status string, errMsg *string, rows int64) {
	s.logAuditDuration(ctx, r, action, status, errMsg, rows, time.Since(r.started))
}

func (s *Service) logAuditDuration(ctx context.Context, r *run, action, status string, errMsg *string, rows int64, d time.Duration) {
	if s.audit == nil {
		return
	}
	fileID := r.result.FileID
	detail := redactURL(r.req.Locator)
	ms := d.Milliseconds()
	if err := s.audit.Insert(ctx, &domain.AuditEntry{
		Actor:        r.req.Actor,
		Action:       action,
		FileID:       &fileID,
		Status:       status,
		Detail:       &detail,
		ErrorMessage: errMsg,
		DurationMs:   &ms,
		RowsAffected: &rows,
	}); err != nil {
		s.logger.Warn("write audit entry", "action", action, "error", err)
	}
}
