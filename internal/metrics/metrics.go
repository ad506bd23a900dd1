// Package metrics exposes Prometheus counters for the ingestion pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline collectors. Labels are limited to small closed
// sets (strategy, class, severity) to keep cardinality bounded.
type Metrics struct {
	rowsInserted   prometheus.Counter
	rowsFailed     prometheus.Counter
	rowsSkipped    prometheus.Counter
	batches        *prometheus.CounterVec
	batchRows      prometheus.Histogram
	batchDuration  prometheus.Histogram
	retries        *prometheus.CounterVec
	splits         prometheus.Counter
	perRowFallback prometheus.Counter
	deadLetters    *prometheus.CounterVec
	replayed       *prometheus.CounterVec
	files          *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_rows_inserted_total",
			Help: "Rows stored by the batch processor, including idempotent skips",
		}),
		rowsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_rows_failed_total",
			Help: "Rows that failed every insert path",
		}),
		rowsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_rows_skipped_total",
			Help: "Malformed source rows dropped before batching",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_batches_total",
			Help: "Batches processed, by insert strategy",
		}, []string{"strategy"}),
		batchRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_batch_rows",
			Help:    "Distribution of rows per batch",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000},
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_batch_duration_seconds",
			Help:    "Wall time to reach a terminal outcome for one batch",
			Buckets: prometheus.DefBuckets,
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_batch_retries_total",
			Help: "Batch insert retries, by failure class",
		}, []string{"class"}),
		splits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_batch_splits_total",
			Help: "Batch splits after timeouts or exhausted retries",
		}),
		perRowFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_per_row_fallbacks_total",
			Help: "Units that fell back to per-row insertion",
		}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_dead_letters_total",
			Help: "Dead-letter entries written, by operation and severity",
		}, []string{"operation", "severity"}),
		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_dead_letter_replays_total",
			Help: "Dead-letter replay attempts, by result",
		}, []string{"result"}),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_files_total",
			Help: "Finished ingestion runs, by final status",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.rowsInserted, m.rowsFailed, m.rowsSkipped, m.batches, m.batchRows,
			m.batchDuration, m.retries, m.splits, m.perRowFallback, m.deadLetters, m.replayed, m.files)
	}
	return m
}

// ObserveBatch records one terminal batch outcome.
func (m *Metrics) ObserveBatch(strategy string, rows, inserted, failed int, d time.Duration) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(strategy).Inc()
	m.batchRows.Observe(float64(rows))
	m.batchDuration.Observe(d.Seconds())
	m.rowsInserted.Add(float64(inserted))
	m.rowsFailed.Add(float64(failed))
}

// ObserveRetry counts one retry of a failed unit.
func (m *Metrics) ObserveRetry(class string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(class).Inc()
}

// ObserveSplit counts one split.
func (m *Metrics) ObserveSplit() {
	if m == nil {
		return
	}
	m.splits.Inc()
}

// ObservePerRow counts one per-row fallback.
func (m *Metrics) ObservePerRow() {
	if m == nil {
		return
	}
	m.perRowFallback.Inc()
}

// ObserveSkipped counts malformed source rows.
func (m *Metrics) ObserveSkipped(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsSkipped.Add(float64(n))
}

// ObserveDeadLetter counts one dead-letter entry.
func (m *Metrics) ObserveDeadLetter(operation, severity string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(operation, severity).Inc()
}

// ObserveReplay counts one replay attempt ("ok" or "failed").
func (m *Metrics) ObserveReplay(result string) {
	if m == nil {
		return
	}
	m.replayed.WithLabelValues(result).Inc()
}

// ObserveFile counts one finished ingestion run.
func (m *Metrics) ObserveFile(status string) {
	if m == nil {
		return
	}
	m.files.WithLabelValues(status).Inc()
}

// Serve exposes /metrics from gatherer on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
