package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "TESTOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":3001"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "./data/testoor.db"

	// DefaultAttachmentsDir is the default local directory for attachment blobs.
	DefaultAttachmentsDir = "./data/attachments"

	// DefaultAttachmentsURLPrefix is the URL prefix under which local blobs are served.
	DefaultAttachmentsURLPrefix = "/files"

	// DefaultPresignExpiry is the default validity of presigned S3 URLs.
	DefaultPresignExpiry = time.Hour

	// DefaultQueryLimit is the default page size of the current test list.
	DefaultQueryLimit = 100

	// DefaultHistoryLimit is the default number of attempts returned for a test history.
	DefaultHistoryLimit = 20

	// DefaultFlakyMaxResults caps the flaky test report.
	DefaultFlakyMaxResults = 50

	// DefaultFlakyDays is the default trailing window of the flaky test report.
	DefaultFlakyDays = 30

	// DefaultFlakyThreshold is the default minimum failure percentage of a flaky test.
	DefaultFlakyThreshold = 10

	// DefaultTimelineDays is the default trailing window of the timeline.
	DefaultTimelineDays = 30

	// DefaultRetentionSchedule runs the sweeper daily at 03:00.
	DefaultRetentionSchedule = "0 3 * * *"

	// DefaultRetentionMaxAge is the default age after which executions are pruned.
	DefaultRetentionMaxAge = 30 * 24 * time.Hour

	// DefaultRetentionKeepPerTest is the default number of attempts kept per test.
	DefaultRetentionKeepPerTest = 50
)

// Config is the root configuration for testoor.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Query     QueryConfig     `yaml:"query" mapstructure:"query"`
	Retention RetentionConfig `yaml:"retention" mapstructure:"retention"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver       string               `yaml:"driver" mapstructure:"driver"`
	MaxOpenConns int                  `yaml:"max_open_conns,omitempty" mapstructure:"max_open_conns"`
	SQLite       SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres     PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
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

// StorageConfig selects the attachment blob backend. Only one backend
// (local or S3) may be enabled at a time.
type StorageConfig struct {
	Local LocalStorageConfig `yaml:"local" mapstructure:"local"`
	S3    S3StorageConfig    `yaml:"s3" mapstructure:"s3"`
}

// LocalStorageConfig stores blobs below a directory on the local filesystem.
type LocalStorageConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	BaseDir   string `yaml:"base_dir" mapstructure:"base_dir"`
	URLPrefix string `yaml:"url_prefix" mapstructure:"url_prefix"`
}

// S3StorageConfig stores blobs in an S3-compatible bucket.
type S3StorageConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	PublicURL       string `yaml:"public_url,omitempty" mapstructure:"public_url"`
	// PresignExpiry is the validity of presigned download URLs handed out
	// when no public URL is configured.
	PresignExpiry time.Duration `yaml:"presign_expiry" mapstructure:"presign_expiry"`
}

// QueryConfig holds the defaults of the execution log queries.
type QueryConfig struct {
	DefaultLimit    int `yaml:"default_limit" mapstructure:"default_limit"`
	HistoryLimit    int `yaml:"history_limit" mapstructure:"history_limit"`
	FlakyMaxResults int `yaml:"flaky_max_results" mapstructure:"flaky_max_results"`
	FlakyDays       int `yaml:"flaky_days" mapstructure:"flaky_days"`
	FlakyThreshold  int `yaml:"flaky_threshold" mapstructure:"flaky_threshold"`
	TimelineDays    int `yaml:"timeline_days" mapstructure:"timeline_days"`
}

// RetentionConfig configures the scheduled retention sweep.
type RetentionConfig struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled"`
	Schedule    string        `yaml:"schedule" mapstructure:"schedule"`
	MaxAge      time.Duration `yaml:"max_age" mapstructure:"max_age"`
	KeepPerTest int           `yaml:"keep_per_test" mapstructure:"keep_per_test"`
	PruneRuns   bool          `yaml:"prune_runs" mapstructure:"prune_runs"`
	DryRun      bool          `yaml:"dry_run" mapstructure:"dry_run"`
}

// Default returns a configuration with every default applied. It panics if
// the defaults themselves cannot be decoded.
func Default() *Config {
	cfg, err := load(viper.New())
	if err != nil {
		panic(fmt.Sprintf("decoding default config: %v", err))
	}

	return cfg
}

// Load reads the configuration file at path (optional), applies defaults and
// environment overrides (TESTOOR_<SECTION>_<KEY>) and returns the result.
// The returned configuration is not validated; call Validate before use.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so that environment overrides apply even
// when the key is absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.requests_per_minute", 600)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "testoor")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("storage.local.enabled", true)
	v.SetDefault("storage.local.base_dir", DefaultAttachmentsDir)
	v.SetDefault("storage.local.url_prefix", DefaultAttachmentsURLPrefix)
	v.SetDefault("storage.s3.enabled", false)
	v.SetDefault("storage.s3.endpoint_url", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.prefix", "attachments")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.force_path_style", false)
	v.SetDefault("storage.s3.public_url", "")
	v.SetDefault("storage.s3.presign_expiry", DefaultPresignExpiry)

	v.SetDefault("query.default_limit", DefaultQueryLimit)
	v.SetDefault("query.history_limit", DefaultHistoryLimit)
	v.SetDefault("query.flaky_max_results", DefaultFlakyMaxResults)
	v.SetDefault("query.flaky_days", DefaultFlakyDays)
	v.SetDefault("query.flaky_threshold", DefaultFlakyThreshold)
	v.SetDefault("query.timeline_days", DefaultTimelineDays)

	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.schedule", DefaultRetentionSchedule)
	v.SetDefault("retention.max_age", DefaultRetentionMaxAge)
	v.SetDefault("retention.keep_per_test", DefaultRetentionKeepPerTest)
	v.SetDefault("retention.prune_runs", true)
	v.SetDefault("retention.dry_run", false)
}

// Validate checks the configuration for errors. It performs no I/O.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return errors.New("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return errors.New("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return errors.New("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.Storage.Local.Enabled && c.Storage.S3.Enabled {
		return errors.New("storage: only one of local or s3 may be enabled")
	}

	if !c.Storage.Local.Enabled && !c.Storage.S3.Enabled {
		return errors.New("storage: one of local or s3 must be enabled")
	}

	if c.Storage.Local.Enabled && c.Storage.Local.BaseDir == "" {
		return errors.New("storage.local.base_dir is required")
	}

	if c.Storage.S3.Enabled && c.Storage.S3.Bucket == "" {
		return errors.New("storage.s3.bucket is required")
	}

	if c.Storage.S3.Enabled && c.Storage.S3.PresignExpiry <= 0 {
		return errors.New("storage.s3.presign_expiry must be positive")
	}

	if err := c.Query.Validate(); err != nil {
		return err
	}

	return c.Retention.Validate()
}

// Validate checks the query defaults.
func (q *QueryConfig) Validate() error {
	if q.DefaultLimit <= 0 {
		return errors.New("query.default_limit must be positive")
	}

	if q.HistoryLimit <= 0 {
		return errors.New("query.history_limit must be positive")
	}

	if q.FlakyMaxResults <= 0 {
		return errors.New("query.flaky_max_results must be positive")
	}

	if q.FlakyDays <= 0 || q.TimelineDays <= 0 {
		return errors.New("query.flaky_days and query.timeline_days must be positive")
	}

	if q.FlakyThreshold < 0 || q.FlakyThreshold > 100 {
		return errors.New("query.flaky_threshold must be between 0 and 100")
	}

	return nil
}

// Validate checks the retention settings. A zero max_age or keep_per_test
// disables the corresponding prune.
func (r *RetentionConfig) Validate() error {
	if r.MaxAge < 0 {
		return errors.New("retention.max_age must not be negative")
	}

	if r.KeepPerTest < 0 {
		return errors.New("retention.keep_per_test must not be negative")
	}

	if !r.Enabled {
		return nil
	}

	if _, err := cron.ParseStandard(r.Schedule); err != nil {
		return fmt.Errorf("retention.schedule: %w", err)
	}

	return nil
}
