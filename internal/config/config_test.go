package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func newTestManager(path string, env map[string]string) *ConfigManager {
	cm := NewConfigManager(path, "", slog.Default())
	cm.lookupEnv = envMap(env)
	return cm
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "market-integrity", config.AppName)
	assert.Equal(t, "duckdb", config.Storage.Type)
	assert.Equal(t, 1000, config.Storage.BatchSize)
	assert.Equal(t, "sqlite", config.UniverseDB.Driver)
	assert.Equal(t, "alpaca", config.Provider.Type)
	assert.Equal(t, 5, config.Ingestion.Concurrency)
	assert.Equal(t, time.Second, config.Ingestion.BatchDelay)
	assert.Equal(t, []string{"1d"}, config.Scheduler.Timeframes)
	assert.True(t, config.Scheduler.MarketHoursOnly)
	assert.Equal(t, "NYSE", config.Calendar.Name)
	assert.Equal(t, 24*time.Hour, config.Snapshots.TTL)
	assert.Equal(t, "info", config.Logging.Level)
	assert.True(t, config.Metrics.Enabled)
	assert.True(t, config.ErrorHandling.EnableCircuitBreaker)
	assert.Equal(t, 500*time.Millisecond, config.ErrorHandling.GlobalRetryPolicy.InitialDelay)

	require.NoError(t, config.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr string
	}{
		{"unknown storage type", func(c *AppConfig) { c.Storage.Type = "" }, "storage.type must be one of"},
		{"duckdb without path", func(c *AppConfig) { c.Storage.DatabaseURL = "" }, "storage.database_url is required"},
		{"zero batch size", func(c *AppConfig) { c.Storage.BatchSize = 0 }, "storage.batch_size must be greater than 0"},
		{"unknown universe driver", func(c *AppConfig) { c.UniverseDB.Driver = "mysql" }, "universe_db.driver must be one of"},
		{"postgres without dsn", func(c *AppConfig) {
			c.UniverseDB.Driver = "postgres"
			c.UniverseDB.DSN = ""
		}, "universe_db.dsn is required for driver postgres"},
		{"redis without addr", func(c *AppConfig) {
			c.Redis.Enabled = true
			c.Redis.Addr = ""
		}, "redis.addr is required"},
		{"rest without base url", func(c *AppConfig) { c.Provider.Type = "rest" }, "provider.base_url is required"},
		{"zero rate limit", func(c *AppConfig) { c.Provider.RateLimit = 0 }, "provider.rate_limit must be greater than 0"},
		{"bad adjustment", func(c *AppConfig) { c.Provider.Adjustment = "none" }, "provider.adjustment must be one of"},
		{"zero concurrency", func(c *AppConfig) { c.Ingestion.Concurrency = 0 }, "ingestion.concurrency must be greater than 0"},
		{"bad timeframe", func(c *AppConfig) { c.Ingestion.DefaultTimeframe = "2d" }, `ingestion.default_timeframe "2d"`},
		{"bad scheduler timeframe", func(c *AppConfig) { c.Scheduler.Timeframes = []string{"1d", "2h"} }, `scheduler.timeframes entry "2h"`},
		{"negative job timeout", func(c *AppConfig) { c.Scheduler.JobTimeout = -time.Second }, "scheduler durations must not be negative"},
		{"tolerance at one", func(c *AppConfig) { c.Validation.ToleranceMultiplier = 1 }, "validation.tolerance_multiplier must be greater than 1"},
		{"bad holiday", func(c *AppConfig) { c.Calendar.ExtraHolidays = []string{"07/04/2025"} }, "calendar.extra_holidays entry"},
		{"bad timezone", func(c *AppConfig) { c.Calendar.Timezone = "Mars/Olympus" }, "calendar.timezone"},
		{"bad staleness key", func(c *AppConfig) {
			c.Staleness.Thresholds = map[string]time.Duration{"3h": time.Hour}
		}, `staleness.thresholds key "3h"`},
		{"negative snapshot ttl", func(c *AppConfig) { c.Snapshots.TTL = -time.Second }, "snapshots.ttl must not be negative"},
		{"bad log level", func(c *AppConfig) { c.Logging.Level = "verbose" }, "logging.level must be one of"},
		{"file output without path", func(c *AppConfig) { c.Logging.Output = "file" }, "logging.file_path is required"},
		{"zero retry attempts", func(c *AppConfig) { c.ErrorHandling.GlobalRetryPolicy.MaxAttempts = 0 }, "max_attempts must be greater than 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("memory stores need no paths", func(t *testing.T) {
		config := DefaultConfig()
		config.Storage.Type = "memory"
		config.Storage.DatabaseURL = ""
		config.UniverseDB.Driver = "memory"
		config.UniverseDB.DSN = ""
		assert.NoError(t, config.Validate())
	})

	t.Run("all problems are reported together", func(t *testing.T) {
		config := DefaultConfig()
		config.Storage.BatchSize = 0
		config.Ingestion.Concurrency = 0
		err := config.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration validation errors:")
		assert.Contains(t, err.Error(), "storage.batch_size")
		assert.Contains(t, err.Error(), "ingestion.concurrency")
	})
}

func TestLoadConfigFromFile(t *testing.T) {
	tempDir := t.TempDir()

	t.Run("yaml overlays defaults", func(t *testing.T) {
		path := filepath.Join(tempDir, "config.yaml")
		content := `
storage:
  type: memory
universe_db:
  driver: postgres
  dsn: postgres://localhost/universe
provider:
  type: rest
  base_url: https://bars.example.com
  rate_limit: 2.5
ingestion:
  batch_delay: 250ms
  symbols: [AAPL, MSFT]
staleness:
  thresholds:
    1h: 3h
error_handling:
  global_retry_policy:
    max_attempts: 4
    initial_delay: 100ms
    max_delay: 2s
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		config, err := newTestManager(path, nil).LoadConfig(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "memory", config.Storage.Type)
		assert.Equal(t, "postgres", config.UniverseDB.Driver)
		assert.Equal(t, "rest", config.Provider.Type)
		assert.Equal(t, 2.5, config.Provider.RateLimit)
		assert.Equal(t, 250*time.Millisecond, config.Ingestion.BatchDelay)
		assert.Equal(t, []string{"AAPL", "MSFT"}, config.Ingestion.Symbols)
		assert.Equal(t, 3*time.Hour, config.Staleness.Thresholds["1h"])
		assert.Equal(t, 4, config.ErrorHandling.GlobalRetryPolicy.MaxAttempts)
		assert.Equal(t, 100*time.Millisecond, config.ErrorHandling.GlobalRetryPolicy.InitialDelay)
		// untouched sections keep their defaults
		assert.Equal(t, 5, config.Ingestion.Concurrency)
		assert.Equal(t, "NYSE", config.Calendar.Name)
	})

	t.Run("missing file falls back to defaults", func(t *testing.T) {
		config, err := newTestManager(filepath.Join(tempDir, "absent.yaml"), nil).LoadConfig(context.Background())
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Storage, config.Storage)
	})

	t.Run("malformed yaml fails", func(t *testing.T) {
		path := filepath.Join(tempDir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("storage: [unterminated"), 0o644))

		_, err := newTestManager(path, nil).LoadConfig(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})

	t.Run("invalid merged config fails", func(t *testing.T) {
		path := filepath.Join(tempDir, "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("ingestion:\n  concurrency: 0\n"), 0o644))

		_, err := newTestManager(path, nil).LoadConfig(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration validation failed")
	})
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Run("environment overrides file and defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644))

		cm := newTestManager(path, map[string]string{
			"LOG_LEVEL":           "debug",
			"STORAGE_TYPE":        "memory",
			"APCA_API_KEY_ID":     "key",
			"APCA_API_SECRET_KEY": "secret",
			"RATE_LIMIT":          "7",
			"INGEST_BATCH_DELAY":  "2s",
			"INGEST_SYMBOLS":      "AAPL, MSFT ,,GOOG",
			"REDIS_ENABLED":       "true",
			"SNAPSHOT_TTL":        "1h",
		})
		config, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "debug", config.Logging.Level)
		assert.Equal(t, "memory", config.Storage.Type)
		assert.Equal(t, "key", config.Provider.APIKey)
		assert.Equal(t, "secret", config.Provider.APISecret)
		assert.Equal(t, 7.0, config.Provider.RateLimit)
		assert.Equal(t, 2*time.Second, config.Ingestion.BatchDelay)
		assert.Equal(t, []string{"AAPL", "MSFT", "GOOG"}, config.Ingestion.Symbols)
		assert.True(t, config.Redis.Enabled)
		assert.Equal(t, time.Hour, config.Snapshots.TTL)
		assert.Same(t, config, cm.GetConfig())
	})

	t.Run("malformed values are reported", func(t *testing.T) {
		cm := newTestManager("", map[string]string{
			"BATCH_SIZE":    "many",
			"SNAPSHOT_TTL":  "forever",
			"REDIS_ENABLED": "maybe",
		})
		_, err := cm.LoadConfig(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "BATCH_SIZE")
		assert.Contains(t, err.Error(), "SNAPSHOT_TTL")
		assert.Contains(t, err.Error(), "REDIS_ENABLED")
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newTestManager("", nil).LoadConfig(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	const key = "PROVIDER_FEED"
	_, preset := os.LookupEnv(key)
	if preset {
		t.Skipf("%s already set in the environment", key)
	}
	t.Cleanup(func() { os.Unsetenv(key) })

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(key+"=sip\n"), 0o644))

	config, err := NewConfigManager("", envFile, nil).LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sip", config.Provider.Feed)

	t.Run("missing env file is ignored", func(t *testing.T) {
		_, err := NewConfigManager("", filepath.Join(t.TempDir(), "none.env"), nil).LoadConfig(context.Background())
		assert.NoError(t, err)
	})
}

func TestConfigString(t *testing.T) {
	config := DefaultConfig()
	config.Provider.APIKey = "AKXXXX"
	config.Provider.APISecret = "shhh"
	config.Redis.Password = "hunter2"
	config.UniverseDB.DSN = "host=db user=u password=p"
	config.Ingestion.Symbols = []string{"AAPL"}

	s := config.String()
	assert.NotContains(t, s, "AKXXXX")
	assert.NotContains(t, s, "shhh")
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "password=p")
	assert.Contains(t, s, "[REDACTED]")

	// the original is untouched
	assert.Equal(t, "AKXXXX", config.Provider.APIKey)

	var roundTrip AppConfig
	require.NoError(t, yaml.Unmarshal([]byte(s), &roundTrip))
	assert.Equal(t, config.Ingestion, roundTrip.Ingestion)
}
