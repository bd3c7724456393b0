package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	return configPath
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
database:
  driver: sqlite
  sqlite:
    path: /tmp/original.db
query:
  default_limit: 25
retention:
  enabled: false
  max_age: 48h
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "/tmp/original.db", cfg.Database.SQLite.Path)
				assert.Equal(t, 25, cfg.Query.DefaultLimit)
				assert.Equal(t, 48*time.Hour, cfg.Retention.MaxAge)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"TESTOOR_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "nested field override - database.sqlite.path",
			envVars: map[string]string{
				"TESTOOR_DATABASE_SQLITE_PATH": "/var/lib/testoor.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/var/lib/testoor.db", cfg.Database.SQLite.Path)
			},
		},
		{
			name: "integer override - query.default_limit",
			envVars: map[string]string{
				"TESTOOR_QUERY_DEFAULT_LIMIT": "7",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 7, cfg.Query.DefaultLimit)
			},
		},
		{
			name: "duration override - retention.max_age",
			envVars: map[string]string{
				"TESTOOR_RETENTION_MAX_AGE": "72h",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 72*time.Hour, cfg.Retention.MaxAge)
			},
		},
		{
			name: "boolean override for key absent from file",
			envVars: map[string]string{
				"TESTOOR_RETENTION_DRY_RUN": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Retention.DryRun)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configPath := writeConfig(t, `
server:
  listen: ":9999"
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.True(t, cfg.Storage.Local.Enabled)
	assert.Equal(t, DefaultAttachmentsDir, cfg.Storage.Local.BaseDir)
	assert.Equal(t, DefaultQueryLimit, cfg.Query.DefaultLimit)
	assert.Equal(t, DefaultFlakyMaxResults, cfg.Query.FlakyMaxResults)
	assert.Equal(t, DefaultRetentionMaxAge, cfg.Retention.MaxAge)
	assert.Equal(t, DefaultRetentionSchedule, cfg.Retention.Schedule)

	require.NoError(t, cfg.Validate())
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
}

func TestDefault_MatchesLoadWithoutFile(t *testing.T) {
	var cfg *Config

	require.NotPanics(t, func() { cfg = Default() })
	require.NotNil(t, cfg)

	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, loaded, cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: yaml: content:")

	_, err := Load(configPath)
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(cfg *Config)
		errSubstr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(_ *Config) {},
		},
		{
			name: "unknown driver",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "mysql"
			},
			errSubstr: "unsupported database driver",
		},
		{
			name: "sqlite without path",
			mutate: func(cfg *Config) {
				cfg.Database.SQLite.Path = ""
			},
			errSubstr: "database.sqlite.path is required",
		},
		{
			name: "both storage backends",
			mutate: func(cfg *Config) {
				cfg.Storage.S3.Enabled = true
				cfg.Storage.S3.Bucket = "bucket"
			},
			errSubstr: "only one of local or s3",
		},
		{
			name: "no storage backend",
			mutate: func(cfg *Config) {
				cfg.Storage.Local.Enabled = false
			},
			errSubstr: "must be enabled",
		},
		{
			name: "s3 without bucket",
			mutate: func(cfg *Config) {
				cfg.Storage.Local.Enabled = false
				cfg.Storage.S3.Enabled = true
			},
			errSubstr: "storage.s3.bucket is required",
		},
		{
			name: "zero default limit",
			mutate: func(cfg *Config) {
				cfg.Query.DefaultLimit = 0
			},
			errSubstr: "query.default_limit",
		},
		{
			name: "threshold above 100",
			mutate: func(cfg *Config) {
				cfg.Query.FlakyThreshold = 101
			},
			errSubstr: "query.flaky_threshold",
		},
		{
			name: "negative keep per test",
			mutate: func(cfg *Config) {
				cfg.Retention.KeepPerTest = -1
			},
			errSubstr: "retention.keep_per_test",
		},
		{
			name: "invalid schedule when enabled",
			mutate: func(cfg *Config) {
				cfg.Retention.Enabled = true
				cfg.Retention.Schedule = "every day"
			},
			errSubstr: "retention.schedule",
		},
		{
			name: "invalid schedule ignored when disabled",
			mutate: func(cfg *Config) {
				cfg.Retention.Schedule = "every day"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errSubstr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}
