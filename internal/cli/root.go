// Package cli implements the ingest command-line interface.
package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/duckdb/duckdb-go/v2" // duckdb driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"duck-ingest/internal/app"
	"duck-ingest/internal/config"
	internaldb "duck-ingest/internal/db"
	"duck-ingest/internal/domain"
)

var (
	version = "dev"
	commit  = "none"
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			errObj := map[string]any{"error": err.Error()}
			var pe *domain.PipelineError
			if errors.As(err, &pe) {
				errObj["category"] = string(pe.Category)
				errObj["severity"] = pe.Severity.String()
			}
			_ = printJSON(os.Stdout, errObj)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

// env is the resolved configuration shared by every subcommand.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	var (
		envFile  string
		output   string
		logLevel string
	)
	e := &env{}

	rootCmd := &cobra.Command{
		Use:           "ingest",
		Short:         "Streaming CSV/XLSX ingestion pipeline",
		Long:          "Streams tabular files into the row store with retry, split, and dead-letter recovery, and manages normalized record storage.",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateOutputFormat(output); err != nil {
				return err
			}
			if err := config.LoadDotEnv(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
			var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
			if cfg.IsProduction() {
				handler = slog.NewJSONHandler(os.Stderr, opts)
			}
			e.logger = slog.New(handler)
			slog.SetDefault(e.logger)
			for _, w := range cfg.Warnings {
				e.logger.Warn(w)
			}
			e.cfg = cfg
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file (missing file is ignored)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")

	rootCmd.AddCommand(
		newIngestCmd(e),
		newDeadLetterCmd(e),
		newScheduleCmd(e),
		newSchemaCmd(e),
		newRecordsCmd(e),
		newMigrateCmd(e),
	)
	return rootCmd
}

// session is an opened application plus the handles it owns.
type session struct {
	app      *app.App
	registry *prometheus.Registry
	closers  []func() error
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// open connects to the store, applies migrations, and wires the app.
// withDuck opens an in-memory DuckDB for Parquet export.
func (e *env) open(ctx context.Context, withDuck bool) (*session, error) {
	handles, err := internaldb.Open(e.cfg.DBDriver, e.cfg.DSN(), 0)
	if err != nil {
		return nil, err
	}
	s := &session{closers: []func() error{handles.Close}}
	if err := internaldb.RunMigrations(handles.Write, handles.Dialect); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var duck *sql.DB
	if withDuck {
		duck, err = sql.Open("duckdb", "")
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open duckdb: %w", err)
		}
		s.closers = append(s.closers, duck.Close)
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := app.New(ctx, app.Deps{
		Cfg:      e.cfg,
		DB:       handles,
		DuckDB:   duck,
		Registry: s.registry,
		Logger:   e.logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.app = a
	s.closers = append(s.closers, a.Close)
	return s, nil
}

func newMigrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			handles, err := internaldb.Open(e.cfg.DBDriver, e.cfg.DSN(), 0)
			if err != nil {
				return err
			}
			defer handles.Close() //nolint:errcheck
			if err := internaldb.RunMigrations(handles.Write, handles.Dialect); err != nil {
				return err
			}
			e.logger.Info("migrations applied", "driver", e.cfg.DBDriver)
			return nil
		},
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
}
