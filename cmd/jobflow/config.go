package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/pflag"
)

// Store backends.
const (
	storeLibSQL   = "libsql"
	storePostgres = "postgres"
	storeNone     = "none"
)

// Config holds all jobflow configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	MaxParallel int    `json:"max_parallel"`
	Store       string `json:"store"`
	DBPath      string `json:"db_path"`
	PostgresURL string `json:"postgres_url"`
	AMQPURL     string `json:"amqp_url"`
	AMQPQueue   string `json:"amqp_queue"`
	MetricsAddr string `json:"metrics_addr"`
	WorkflowDir string `json:"workflow_dir"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:    "info",
		LogFormat:   "text",
		Store:       storeLibSQL,
		DBPath:      filepath.Join(jobflowDir(), "jobflow.db"),
		AMQPQueue:   "jobflow.jobs",
		WorkflowDir: filepath.Join(jobflowDir(), "workflows"),
	}
}

func jobflowDir() string {
	if v := os.Getenv("JOBFLOW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jobflow"
	}
	return filepath.Join(home, ".jobflow")
}

func settingsPath() string {
	return filepath.Join(jobflowDir(), "settings.json")
}

// loadConfig layers settings.json and JOBFLOW_* variables over the defaults.
// A missing settings file is fine; a malformed one is an error.
func loadConfig(getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	strVars := map[string]*string{
		"JOBFLOW_LOG_LEVEL":    &cfg.LogLevel,
		"JOBFLOW_LOG_FORMAT":   &cfg.LogFormat,
		"JOBFLOW_STORE":        &cfg.Store,
		"JOBFLOW_DB_PATH":      &cfg.DBPath,
		"JOBFLOW_POSTGRES_URL": &cfg.PostgresURL,
		"JOBFLOW_AMQP_URL":     &cfg.AMQPURL,
		"JOBFLOW_AMQP_QUEUE":   &cfg.AMQPQueue,
		"JOBFLOW_METRICS_ADDR": &cfg.MetricsAddr,
		"JOBFLOW_WORKFLOW_DIR": &cfg.WorkflowDir,
	}
	for name, dst := range strVars {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	if v := getenv("JOBFLOW_MAX_PARALLEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("JOBFLOW_MAX_PARALLEL: %w", err)
		}
		cfg.MaxParallel = n
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Store {
	case storeLibSQL, storePostgres, storeNone:
	default:
		return fmt.Errorf("unknown store %q (want %s, %s or %s)", c.Store, storeLibSQL, storePostgres, storeNone)
	}
	if c.Store == storePostgres && c.PostgresURL == "" {
		return fmt.Errorf("store %s needs postgres_url", storePostgres)
	}
	if c.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must not be negative")
	}
	return nil
}

// bindFlags registers the persistent flags on fs with the layered config
// as their defaults, so only flags the user sets override it.
func bindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	fs.IntVar(&cfg.MaxParallel, "max-parallel", cfg.MaxParallel, "Default job concurrency of a run (0 = engine default)")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "Run store (libsql, postgres, none)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "libSQL database file")
	fs.StringVar(&cfg.PostgresURL, "postgres-url", cfg.PostgresURL, "PostgreSQL connection string")
	fs.StringVar(&cfg.AMQPURL, "amqp-url", cfg.AMQPURL, "RabbitMQ URL; enables the amqp provider")
	fs.StringVar(&cfg.AMQPQueue, "amqp-queue", cfg.AMQPQueue, "Work queue of the amqp provider")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Address serving /metrics (empty disables)")
}
