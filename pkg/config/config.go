package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides,
	// e.g. TESTOOR_DATABASE_DRIVER overrides database.driver.
	EnvPrefix = "TESTOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultRequestTimeout bounds a single API request, including bulk writes.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultDatabaseDriver is the default database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "testoor.db"

	// DefaultInsertBatchSize is the number of memberships inserted per statement.
	DefaultInsertBatchSize = 500

	// DefaultHistoryMode is the default status history write mode.
	DefaultHistoryMode = HistoryModeSync

	// DefaultHistoryQueueSize is the async history queue capacity in batches.
	DefaultHistoryQueueSize = 1024

	// DefaultHistoryMaxRetries is how often an async history batch is retried.
	DefaultHistoryMaxRetries = 3

	// DefaultHistoryRetryInterval is the delay between async history retries.
	DefaultHistoryRetryInterval = 2 * time.Second

	// DefaultArchivePrefix is the default S3 key prefix for archive reports.
	DefaultArchivePrefix = "testoor/runs"
)

// History write modes.
const (
	// HistoryModeSync appends history right after the membership write
	// commits; failures are logged and not surfaced to the caller.
	HistoryModeSync = "sync"
	// HistoryModeAsync queues history entries for a background writer
	// that retries failed appends.
	HistoryModeAsync = "async"
	// HistoryModeTransactional appends history inside the membership
	// transaction; a failed append fails the whole operation.
	HistoryModeTransactional = "transactional"
)

// Config is the root configuration for testoor.
type Config struct {
	LogLevel string         `yaml:"log_level" mapstructure:"log_level"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Runs     RunsConfig     `yaml:"runs" mapstructure:"runs"`
	History  HistoryConfig  `yaml:"history" mapstructure:"history"`
	Archive  ArchiveConfig  `yaml:"archive" mapstructure:"archive"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen         string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins    []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RequestTimeout time.Duration   `yaml:"request_timeout" mapstructure:"request_timeout"`
	RateLimit      RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// RunsConfig tunes run snapshot creation.
type RunsConfig struct {
	InsertBatchSize int `yaml:"insert_batch_size" mapstructure:"insert_batch_size"`
}

// HistoryConfig controls how status history entries are written.
type HistoryConfig struct {
	Mode          string        `yaml:"mode" mapstructure:"mode"`
	QueueSize     int           `yaml:"queue_size" mapstructure:"queue_size"`
	MaxRetries    int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval" mapstructure:"retry_interval"`
}

// ArchiveConfig enables uploading a JSON report when a run is archived.
type ArchiveConfig struct {
	Enabled bool     `yaml:"enabled" mapstructure:"enabled"`
	S3      S3Config `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3Config contains S3 upload settings.
type S3Config struct {
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}

// defaults are registered with viper so every key is also reachable
// through an environment variable, even when absent from the file.
var defaults = map[string]any{
	"log_level":                             DefaultLogLevel,
	"server.listen":                         DefaultListen,
	"server.cors_origins":                   []string{},
	"server.request_timeout":                DefaultRequestTimeout,
	"server.rate_limit.enabled":             false,
	"server.rate_limit.requests_per_minute": 600,
	"database.driver":                       DefaultDatabaseDriver,
	"database.sqlite.path":                  DefaultSQLitePath,
	"database.postgres.host":                "localhost",
	"database.postgres.port":                5432,
	"database.postgres.user":                "",
	"database.postgres.password":            "",
	"database.postgres.database":            "testoor",
	"database.postgres.ssl_mode":            "disable",
	"runs.insert_batch_size":                DefaultInsertBatchSize,
	"history.mode":                          DefaultHistoryMode,
	"history.queue_size":                    DefaultHistoryQueueSize,
	"history.max_retries":                   DefaultHistoryMaxRetries,
	"history.retry_interval":                DefaultHistoryRetryInterval,
	"archive.enabled":                       false,
	"archive.s3.bucket":                     "",
	"archive.s3.region":                     "",
	"archive.s3.endpoint_url":               "",
	"archive.s3.access_key_id":              "",
	"archive.s3.secret_access_key":          "",
	"archive.s3.force_path_style":           false,
	"archive.s3.prefix":                     DefaultArchivePrefix,
}

// Load reads a YAML configuration file from path and applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return decode(v)
}

// Default returns the configuration built from defaults and environment
// overrides only. Used when no config file is given.
func Default() (*Config, error) {
	return decode(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills values an explicit zero in the file would disable.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = DefaultRequestTimeout
	}

	if c.Runs.InsertBatchSize <= 0 {
		c.Runs.InsertBatchSize = DefaultInsertBatchSize
	}

	if c.History.Mode == "" {
		c.History.Mode = DefaultHistoryMode
	}

	c.History.Mode = strings.ToLower(c.History.Mode)

	if c.History.QueueSize <= 0 {
		c.History.QueueSize = DefaultHistoryQueueSize
	}

	if c.History.RetryInterval <= 0 {
		c.History.RetryInterval = DefaultHistoryRetryInterval
	}

	if c.Archive.S3.Prefix == "" {
		c.Archive.S3.Prefix = DefaultArchivePrefix
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required for sqlite driver")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required for postgres driver")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required for postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	switch c.History.Mode {
	case HistoryModeSync, HistoryModeAsync, HistoryModeTransactional:
	default:
		return fmt.Errorf("unsupported history mode %q", c.History.Mode)
	}

	if c.History.MaxRetries < 0 {
		return fmt.Errorf("history.max_retries must not be negative")
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_minute must be positive")
	}

	if c.Archive.Enabled && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archive is enabled")
	}

	return nil
}
