// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"duck-ingest/internal/domain"
)

// Defaults applied by LoadFromEnv.
const (
	DefaultMetaDBPath         = "ingest.sqlite"
	DefaultDeadLetterSchedule = "@every 5m"
	DefaultDeadLetterMaxItems = 100
	DefaultDeadLetterRetries  = 3
	DefaultTxTimeout          = 30 * time.Second
	DefaultTxMaxWait          = 5 * time.Second
	DefaultExportDir          = "exports"
	DefaultMetricsAddr        = ":9464"
)

// DeadLetterConfig controls scheduled dead-letter replay.
type DeadLetterConfig struct {
	Schedule   string  // cron expression (default "@every 5m")
	MaxItems   int     // entries claimed per pass (default 100)
	MaxRetries int     // entries at or above this retry count are skipped (default 3)
	ReplayRPS  float64 // replay throttle; 0 disables
}

// EventsConfig selects the event publishers. With neither broker set events
// are written to the log.
type EventsConfig struct {
	RedisAddr    string
	RedisChannel string
	KafkaBrokers string // comma separated host:port list
	KafkaTopic   string
}

// Config holds the configuration for the ingestion CLI and scheduler.
type Config struct {
	DBDriver    string             // "sqlite3" (default) or "postgres"
	DBDSN       string             // postgres connection string; ignored for sqlite3
	MetaDBPath  string             // SQLite file path (default "ingest.sqlite")
	BackendMode domain.BackendMode // direct (default) or accelerated
	LogLevel    string             // log level: debug, info, warn, error (default "info")
	Env         string             // environment: "development" (default) or "production"

	// Transaction bounds for transactional batch inserts.
	TxTimeout time.Duration
	TxMaxWait time.Duration

	DeadLetter DeadLetterConfig

	StorageOptionsFile string // YAML file with normalized storage options (optional)
	TransformScript    string // Starlark transformation rules file (optional)
	ExportDir          string // local Parquet output directory (default "exports")
	ExportBucket       string // when set, Parquet files are uploaded to s3://<bucket>/

	// S3 fields are optional; nil when not configured.
	S3KeyID    *string
	S3Secret   *string
	S3Endpoint *string
	S3Region   *string
	S3Bucket   *string

	GCSKeyFile       string
	AzureAccountURL  string
	AzureAccountName string
	AzureAccountKey  string

	Events EventsConfig

	MetricsAddr string // listen address for /metrics in schedule mode

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// HasS3Config returns true if the S3 credentials are set. Endpoint is
// optional; without it the AWS default resolver is used.
func (c *Config) HasS3Config() bool {
	return c.S3KeyID != nil && c.S3Secret != nil && c.S3Region != nil
}

// DSN returns the data source for the configured driver.
func (c *Config) DSN() string {
	if c.DBDriver == "postgres" {
		return c.DBDSN
	}
	return c.MetaDBPath
}

// TxOptions returns the transactional insert bounds.
func (c *Config) TxOptions() domain.TxOptions {
	return domain.TxOptions{Timeout: c.TxTimeout, MaxWait: c.TxMaxWait}
}

// LoadFromEnv loads configuration from environment variables.
// S3 variables are optional: the app can start without them.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		DBDriver:           os.Getenv("DB_DRIVER"),
		DBDSN:              os.Getenv("DB_DSN"),
		MetaDBPath:         os.Getenv("META_DB_PATH"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		Env:                os.Getenv("ENV"),
		StorageOptionsFile: os.Getenv("STORAGE_OPTIONS_FILE"),
		TransformScript:    os.Getenv("TRANSFORM_SCRIPT"),
		ExportDir:          os.Getenv("EXPORT_DIR"),
		ExportBucket:       os.Getenv("EXPORT_BUCKET"),
		GCSKeyFile:         os.Getenv("GCS_KEY_FILE"),
		AzureAccountURL:    os.Getenv("AZURE_ACCOUNT_URL"),
		AzureAccountName:   os.Getenv("AZURE_ACCOUNT_NAME"),
		AzureAccountKey:    os.Getenv("AZURE_ACCOUNT_KEY"),
		MetricsAddr:        os.Getenv("METRICS_ADDR"),
		Events: EventsConfig{
			RedisAddr:    os.Getenv("REDIS_ADDR"),
			RedisChannel: os.Getenv("REDIS_CHANNEL"),
			KafkaBrokers: os.Getenv("KAFKA_BROKERS"),
			KafkaTopic:   os.Getenv("KAFKA_TOPIC"),
		},
		DeadLetter: DeadLetterConfig{
			Schedule: os.Getenv("DEAD_LETTER_SCHEDULE"),
		},
	}

	mode, err := domain.ParseBackendMode(strings.ToLower(strings.TrimSpace(os.Getenv("BACKEND_MODE"))))
	if err != nil {
		return nil, fmt.Errorf("BACKEND_MODE: %w", err)
	}
	cfg.BackendMode = mode

	switch cfg.DBDriver {
	case "":
		cfg.DBDriver = "sqlite3"
	case "sqlite", "sqlite3":
		cfg.DBDriver = "sqlite3"
	case "postgres", "postgresql":
		cfg.DBDriver = "postgres"
		if cfg.DBDSN == "" {
			return nil, fmt.Errorf("DB_DSN is required when DB_DRIVER=postgres")
		}
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q: must be sqlite3 or postgres", cfg.DBDriver)
	}

	cfg.TxTimeout = cfg.parseDuration("TX_TIMEOUT", DefaultTxTimeout)
	cfg.TxMaxWait = cfg.parseDuration("TX_MAX_WAIT", DefaultTxMaxWait)
	cfg.DeadLetter.MaxItems = cfg.parseInt("DEAD_LETTER_MAX_ITEMS", DefaultDeadLetterMaxItems)
	cfg.DeadLetter.MaxRetries = cfg.parseInt("DEAD_LETTER_MAX_RETRIES", DefaultDeadLetterRetries)
	if v := os.Getenv("DEAD_LETTER_REPLAY_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.DeadLetter.ReplayRPS = f
		} else {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("ignoring invalid DEAD_LETTER_REPLAY_RPS %q", v))
		}
	}

	// S3 fields are optional, only set if present
	if v := os.Getenv("KEY_ID"); v != "" {
		cfg.S3KeyID = &v
	}
	if v := os.Getenv("SECRET"); v != "" {
		cfg.S3Secret = &v
	}
	if v := os.Getenv("ENDPOINT"); v != "" {
		cfg.S3Endpoint = &v
	}
	if v := os.Getenv("REGION"); v != "" {
		cfg.S3Region = &v
	}
	if v := os.Getenv("BUCKET"); v != "" {
		cfg.S3Bucket = &v
	}

	// Defaults
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = DefaultMetaDBPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DeadLetter.Schedule == "" {
		cfg.DeadLetter.Schedule = DefaultDeadLetterSchedule
	}
	if cfg.ExportDir == "" {
		cfg.ExportDir = DefaultExportDir
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = DefaultMetricsAddr
	}
	if cfg.ExportBucket == "" && cfg.S3Bucket != nil {
		cfg.ExportBucket = *cfg.S3Bucket
	}
	if cfg.ExportBucket != "" && !cfg.HasS3Config() {
		cfg.Warnings = append(cfg.Warnings, "EXPORT_BUCKET is set but S3 credentials are incomplete, Parquet files stay local")
		cfg.ExportBucket = ""
	}
	if cfg.BackendMode == domain.BackendModeAccelerated && cfg.DBDriver == "sqlite3" {
		cfg.Warnings = append(cfg.Warnings, "BACKEND_MODE=accelerated has no effect on the SQLite backend beyond batch sizing")
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if cfg.DBDriver == "sqlite3" && cfg.MetaDBPath == DefaultMetaDBPath {
			return nil, fmt.Errorf("META_DB_PATH must be set explicitly in production (ENV=production)")
		}
		if (cfg.AzureAccountName == "") != (cfg.AzureAccountKey == "") {
			return nil, fmt.Errorf("AZURE_ACCOUNT_NAME and AZURE_ACCOUNT_KEY must be set together")
		}
	}

	return cfg, nil
}

func (c *Config) parseDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring invalid %s %q, using %s", key, v, def))
		return def
	}
	return d
}

func (c *Config) parseInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring invalid %s %q, using %d", key, v, def))
		return def
	}
	return n
}

// LoadStorageOptions reads the normalized storage options file. Without a
// file the defaults apply. Fields missing from the file keep their default.
func (c *Config) LoadStorageOptions() (domain.StorageOptions, error) {
	opts := domain.DefaultStorageOptions()
	if c.StorageOptionsFile == "" {
		return opts, nil
	}
	data, err := os.ReadFile(c.StorageOptionsFile)
	if err != nil {
		return opts, fmt.Errorf("read storage options: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse storage options %s: %w", c.StorageOptionsFile, err)
	}
	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("storage options %s: %w", c.StorageOptionsFile, err)
	}
	return opts, nil
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
