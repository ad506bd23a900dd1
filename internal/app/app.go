// Package app provides application-level wiring and dependency injection
// for the ingestion pipeline following hexagonal architecture.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"duck-ingest/internal/config"
	internaldb "duck-ingest/internal/db"
	"duck-ingest/internal/db/repository"
	"duck-ingest/internal/domain"
	"duck-ingest/internal/events"
	"duck-ingest/internal/metrics"
	"duck-ingest/internal/service/batch"
	"duck-ingest/internal/service/deadletter"
	"duck-ingest/internal/service/export"
	"duck-ingest/internal/service/ingestion"
	"duck-ingest/internal/service/storage"
)

// Deps holds the external dependencies that main() must provide.
// These are things the app package cannot (or should not) create itself:
// database handles, config, and the DuckDB connection.
type Deps struct {
	Cfg *config.Config
	DB  *internaldb.Handles
	// DuckDB is the scratch engine for Parquet export. Nil disables export.
	DuckDB   *sql.DB
	Registry prometheus.Registerer // nil disables metrics
	Logger   *slog.Logger
}

// Services groups the wired services the CLI needs.
type Services struct {
	Ingestion  *ingestion.Service
	Processor  *batch.Processor
	DeadLetter *deadletter.Sink
	Scheduler  *deadletter.Scheduler
	Exporter   *export.ParquetExporter // nil when DuckDB is not provided
	Schemas    *storage.SchemaService
	Storage    *storage.NormalizedStorageService
}

// App holds the fully-wired application: services plus the repositories and
// publishers that outlive a single run.
type App struct {
	Services Services
	Files    *repository.IngestedFileRepo
	Rows     *repository.RowStore
	Audit    *repository.AuditRepo
	Events   domain.EventPublisher
	Metrics  *metrics.Metrics

	logger *slog.Logger
}

// New wires all repositories and services from the provided deps.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	w, dialect := deps.DB.Write, deps.DB.Dialect

	var m *metrics.Metrics
	if deps.Registry != nil {
		m = metrics.New(deps.Registry)
	}

	// === Repositories (write-pool) ===
	filesRepo := repository.NewIngestedFileRepo(w, dialect)
	auditRepo := repository.NewAuditRepo(w, dialect)
	deadLetterRepo := repository.NewDeadLetterRepo(w, dialect)
	rowStore := repository.NewRowStore(w, dialect, cfg.BackendMode, deps.Logger.With("component", "row-store"))
	recordRepo := repository.NewNormalizedRecordRepo(w, dialect)
	historyRepo := repository.NewRecordHistoryRepo(w, dialect)
	schemaRepo := repository.NewSchemaVersionRepo(w, dialect)
	locationRepo := repository.NewStorageLocationRepo(w, dialect)
	tableStore := repository.NewSchemaTableRepo(w, dialect)

	publisher := events.New(events.Config{
		RedisAddr:    cfg.Events.RedisAddr,
		RedisChannel: cfg.Events.RedisChannel,
		KafkaBrokers: cfg.Events.KafkaBrokers,
		KafkaTopic:   cfg.Events.KafkaTopic,
	}, deps.Logger)

	// === Export ===
	var exporter *export.ParquetExporter
	if deps.DuckDB != nil {
		var exportOpts []export.Option
		if cfg.ExportBucket != "" {
			client := ingestion.NewS3Client(s3Settings(cfg))
			exportOpts = append(exportOpts, export.WithS3Upload(client, cfg.ExportBucket, "exports"))
		}
		exporter = export.NewParquetExporter(deps.DuckDB, rowStore, cfg.ExportDir, deps.Logger, exportOpts...)
	}

	// === Batch processing + dead letters ===
	// Replays go through a processor without a dead-letter sink so a failing
	// replay stays in the queue instead of being enqueued again.
	replayProc := batch.NewProcessor(rowStore, deps.Logger,
		batch.WithMetrics(m),
		batch.WithTxOptions(cfg.TxOptions()),
	)
	sinkOpts := []deadletter.Option{
		deadletter.WithReplayRate(cfg.DeadLetter.ReplayRPS),
		deadletter.WithMetrics(m),
		deadletter.WithReprocessor(domain.OpInsertRows, deadletter.InsertRowsReprocessor(replayProc)),
	}
	if exporter != nil {
		sinkOpts = append(sinkOpts, deadletter.WithReprocessor(domain.OpParquetExport, deadletter.ParquetExportReprocessor(exporter, filesRepo)))
	}
	sink := deadletter.NewSink(deadLetterRepo, deps.Logger, sinkOpts...)
	scheduler := deadletter.NewScheduler(sink, cfg.DeadLetter.Schedule, cfg.DeadLetter.MaxItems, cfg.DeadLetter.MaxRetries, deps.Logger)

	processor := batch.NewProcessor(rowStore, deps.Logger,
		batch.WithDeadLetters(sink),
		batch.WithMetrics(m),
		batch.WithTxOptions(cfg.TxOptions()),
	)

	// === Ingestion ===
	ingestOpts := []ingestion.Option{
		ingestion.WithDeadLetters(sink),
		ingestion.WithEvents(publisher),
		ingestion.WithAudit(auditRepo),
		ingestion.WithMetrics(m),
	}
	if exporter != nil {
		ingestOpts = append(ingestOpts, ingestion.WithExporter(exporter))
	}
	if cfg.TransformScript != "" {
		t, err := loadTransformer(cfg.TransformScript)
		if err != nil {
			_ = publisher.Close()
			return nil, err
		}
		ingestOpts = append(ingestOpts, ingestion.WithTransformer(t))
	}
	opener := ingestion.NewLocatorOpener(openerConfig(cfg))
	ingestSvc := ingestion.NewService(opener, filesRepo, processor, cfg.BackendMode, deps.Logger, ingestOpts...)

	// === Normalized storage ===
	storageOpts, err := cfg.LoadStorageOptions()
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}
	schemaSvc := storage.NewSchemaService(schemaRepo, auditRepo, deps.Logger)
	storageSvc, err := storage.NewNormalizedStorageService(
		recordRepo, historyRepo, schemaSvc, locationRepo, tableStore, storageOpts, deps.Logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, fmt.Errorf("normalized storage: %w", err)
	}

	deps.Logger.InfoContext(ctx, "application wired",
		"driver", string(dialect),
		"backend_mode", string(cfg.BackendMode),
		"export", exporter != nil,
		"storage_pattern", string(storageOpts.Pattern),
	)

	return &App{
		Services: Services{
			Ingestion:  ingestSvc,
			Processor:  processor,
			DeadLetter: sink,
			Scheduler:  scheduler,
			Exporter:   exporter,
			Schemas:    schemaSvc,
			Storage:    storageSvc,
		},
		Files:   filesRepo,
		Rows:    rowStore,
		Audit:   auditRepo,
		Events:  publisher,
		Metrics: m,
		logger:  deps.Logger,
	}, nil
}

// Close stops the scheduler and releases the event publishers.
func (a *App) Close() error {
	a.Services.Scheduler.Stop()
	return a.Events.Close()
}

func s3Settings(cfg *config.Config) ingestion.S3Settings {
	s := ingestion.S3Settings{}
	if cfg.S3KeyID != nil {
		s.KeyID = *cfg.S3KeyID
	}
	if cfg.S3Secret != nil {
		s.Secret = *cfg.S3Secret
	}
	if cfg.S3Region != nil {
		s.Region = *cfg.S3Region
	}
	if cfg.S3Endpoint != nil {
		s.Endpoint = *cfg.S3Endpoint
	}
	return s
}

func openerConfig(cfg *config.Config) ingestion.OpenerConfig {
	oc := ingestion.OpenerConfig{
		GCSKeyFile:       cfg.GCSKeyFile,
		AzureAccountURL:  cfg.AzureAccountURL,
		AzureAccountName: cfg.AzureAccountName,
		AzureAccountKey:  cfg.AzureAccountKey,
	}
	if cfg.HasS3Config() {
		s := s3Settings(cfg)
		oc.S3 = &s
	}
	return oc
}

func loadTransformer(path string) (domain.Transformer, error) {
	src, err := os.ReadFile(path) //nolint:gosec // operator-supplied script path
	if err != nil {
		return nil, fmt.Errorf("read transform script: %w", err)
	}
	t, err := ingestion.NewStarlarkTransformer(filepath.Base(path), string(src))
	if err != nil {
		return nil, fmt.Errorf("load transform script %s: %w", path, err)
	}
	return t, nil
}
