// Package config provides centralized configuration for the market-data
// services. Configuration is layered: built-in defaults, then a YAML file,
// then a .env file, then process environment variables. The merged result is
// validated before use.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName string `yaml:"app_name"`
	Version string `yaml:"version"`

	Storage       StorageConfig       `yaml:"storage"`
	UniverseDB    UniverseDBConfig    `yaml:"universe_db"`
	Redis         RedisConfig         `yaml:"redis"`
	Provider      ProviderConfig      `yaml:"provider"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Validation    ValidationConfig    `yaml:"validation"`
	Calendar      CalendarConfig      `yaml:"calendar"`
	Staleness     StalenessConfig     `yaml:"staleness"`
	Snapshots     SnapshotsConfig     `yaml:"snapshots"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	API           APIConfig           `yaml:"api"`
	ErrorHandling ErrorHandlingConfig `yaml:"error_handling"`
}

// StorageConfig configures the candle store
type StorageConfig struct {
	Type          string `yaml:"type"`           // "duckdb" or "memory"
	DatabaseURL   string `yaml:"database_url"`   // DuckDB file path or ":memory:"
	BatchSize     int    `yaml:"batch_size"`     // candles per upsert call
	RetentionDays int    `yaml:"retention_days"` // 0 keeps everything
}

// UniverseDBConfig configures the reference-data store
type UniverseDBConfig struct {
	Driver string `yaml:"driver"` // "postgres", "sqlite" or "memory"
	DSN    string `yaml:"dsn"`
}

// RedisConfig configures the snapshot read-through cache
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	MaxTTL    time.Duration `yaml:"max_ttl"`
}

// ProviderConfig configures the upstream bar source
type ProviderConfig struct {
	Type       string        `yaml:"type"` // "alpaca" or "rest"
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	APISecret  string        `yaml:"api_secret"`
	Feed       string        `yaml:"feed"`       // alpaca data feed: iex, sip
	Adjustment string        `yaml:"adjustment"` // raw, split, dividend, all
	RateLimit  float64       `yaml:"rate_limit"` // requests per second
	Burst      int           `yaml:"burst"`
	Timeout    time.Duration `yaml:"timeout"`
}

// IngestionConfig configures batch ingestion
type IngestionConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	BatchDelay       time.Duration `yaml:"batch_delay"`
	DefaultTimeframe string        `yaml:"default_timeframe"`
	MaxGapMinutes    float64       `yaml:"max_gap_minutes"`
	Limit            int           `yaml:"limit"`
	Lookback         time.Duration `yaml:"lookback"`
	Symbols          []string      `yaml:"symbols"`
}

// ValidationConfig configures the composite validator and its anomaly rules
type ValidationConfig struct {
	CalendarAware         bool    `yaml:"calendar_aware"`
	AutoFillGaps          bool    `yaml:"auto_fill_gaps"`
	MinCandles            int     `yaml:"min_candles"`
	ToleranceMultiplier   float64 `yaml:"tolerance_multiplier"`
	MaxInterpolateCandles int     `yaml:"max_interpolate_candles"`
	CriticalGapCandles    int     `yaml:"critical_gap_candles"`

	PriceSpikeRatio           float64 `yaml:"price_spike_ratio"`
	VolumeSpikeMultiplier     float64 `yaml:"volume_spike_multiplier"`
	VolumeLookback            int     `yaml:"volume_lookback"`
	FlashCrashDropPercent     float64 `yaml:"flash_crash_drop_percent"`
	FlashCrashRecoveryPercent float64 `yaml:"flash_crash_recovery_percent"`
}

// SchedulerConfig drives periodic incremental updates of ingestion.symbols
type SchedulerConfig struct {
	Timeframes        []string      `yaml:"timeframes"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	MarketHoursOnly   bool          `yaml:"market_hours_only"`
	IncludeExtended   bool          `yaml:"include_extended"`
}

// CalendarConfig selects the exchange calendar
type CalendarConfig struct {
	Name          string   `yaml:"name"`
	Timezone      string   `yaml:"timezone"`
	ExtraHolidays []string `yaml:"extra_holidays"` // YYYY-MM-DD
}

// StalenessConfig overrides per-timeframe freshness thresholds
type StalenessConfig struct {
	Thresholds map[string]time.Duration `yaml:"thresholds"`
}

// SnapshotsConfig configures materialized universe snapshots
type SnapshotsConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `yaml:"level"`  // debug, info, warn, error
	Format        string            `yaml:"format"` // json, text
	Output        string            `yaml:"output"` // stdout, stderr, file
	FilePath      string            `yaml:"file_path"`
	MaxSize       int               `yaml:"max_size"` // MB
	MaxBackups    int               `yaml:"max_backups"`
	MaxAge        int               `yaml:"max_age"` // days
	Compress      bool              `yaml:"compress"`
	ContextFields map[string]string `yaml:"context_fields"`
}

// MetricsConfig configures Prometheus metrics
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// APIConfig configures the HTTP query API
type APIConfig struct {
	Addr            string        `yaml:"addr"`
	Mode            string        `yaml:"mode"` // gin mode: debug, release, test
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ErrorHandlingConfig configures error handling and retry policies
type ErrorHandlingConfig struct {
	GlobalRetryPolicy    RetryPolicyConfig            `yaml:"global_retry_policy"`
	ComponentPolicies    map[string]RetryPolicyConfig `yaml:"component_policies"`
	EnableCircuitBreaker bool                         `yaml:"enable_circuit_breaker"`
	CircuitBreaker       CircuitBreakerConfig         `yaml:"circuit_breaker"`
}

// RetryPolicyConfig configures retry behavior
type RetryPolicyConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	BackoffStrategy string        `yaml:"backoff_strategy"` // fixed, exponential, linear
	RetryableErrors []string      `yaml:"retryable_errors"` // extra error types to retry
	Jitter          bool          `yaml:"jitter"`
}

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFile    string
	lookupEnv  func(string) (string, bool)
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager. envFile may be empty
// to skip .env loading.
func NewConfigManager(configPath, envFile string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigManager{
		configPath: configPath,
		envFile:    envFile,
		lookupEnv:  os.LookupEnv,
		logger:     logger,
	}
}

// LoadConfig loads configuration with priority order:
// 1. Environment variables (highest priority)
// 2. .env file entries not already set in the environment
// 3. YAML configuration file
// 4. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	config := DefaultConfig()

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if cm.envFile != "" {
		// godotenv.Load never overrides variables that are already set.
		if err := godotenv.Load(cm.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", cm.envFile, err)
		}
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Info("configuration loaded",
		"config_path", cm.configPath,
		"storage_type", config.Storage.Type,
		"universe_driver", config.UniverseDB.Driver,
		"provider", config.Provider.Type,
		"log_level", config.Logging.Level)

	return config, nil
}

// Load is a shortcut for NewConfigManager(path, ".env", nil).LoadConfig.
func Load(ctx context.Context, path string) (*AppConfig, error) {
	return NewConfigManager(path, ".env", nil).LoadConfig(ctx)
}

// loadFromFile overlays a YAML file onto the defaults
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	data, err := os.ReadFile(cm.configPath)
	if errors.Is(err, os.ErrNotExist) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadFromEnv applies environment overrides. Malformed numbers are reported
// rather than silently ignored.
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := cm.lookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := cm.lookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := cm.lookupEnv(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := cm.lookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := cm.lookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := cm.lookupEnv(key); ok && v != "" {
			var out []string
			for _, s := range strings.Split(v, ",") {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
			*dst = out
		}
	}

	str("APP_NAME", &config.AppName)

	str("STORAGE_TYPE", &config.Storage.Type)
	str("DATABASE_URL", &config.Storage.DatabaseURL)
	integer("BATCH_SIZE", &config.Storage.BatchSize)
	integer("RETENTION_DAYS", &config.Storage.RetentionDays)

	str("UNIVERSE_DB_DRIVER", &config.UniverseDB.Driver)
	str("UNIVERSE_DB_DSN", &config.UniverseDB.DSN)

	boolean("REDIS_ENABLED", &config.Redis.Enabled)
	str("REDIS_ADDR", &config.Redis.Addr)
	str("REDIS_PASSWORD", &config.Redis.Password)
	integer("REDIS_DB", &config.Redis.DB)

	str("PROVIDER_TYPE", &config.Provider.Type)
	str("PROVIDER_BASE_URL", &config.Provider.BaseURL)
	str("APCA_API_KEY_ID", &config.Provider.APIKey)
	str("APCA_API_SECRET_KEY", &config.Provider.APISecret)
	str("PROVIDER_FEED", &config.Provider.Feed)
	str("PROVIDER_ADJUSTMENT", &config.Provider.Adjustment)
	float("RATE_LIMIT", &config.Provider.RateLimit)

	integer("INGEST_CONCURRENCY", &config.Ingestion.Concurrency)
	duration("INGEST_BATCH_DELAY", &config.Ingestion.BatchDelay)
	str("INGEST_TIMEFRAME", &config.Ingestion.DefaultTimeframe)
	list("INGEST_SYMBOLS", &config.Ingestion.Symbols)

	boolean("VALIDATION_CALENDAR_AWARE", &config.Validation.CalendarAware)
	boolean("VALIDATION_AUTO_FILL", &config.Validation.AutoFillGaps)

	str("CALENDAR_NAME", &config.Calendar.Name)
	duration("SNAPSHOT_TTL", &config.Snapshots.TTL)

	str("LOG_LEVEL", &config.Logging.Level)
	str("LOG_FORMAT", &config.Logging.Format)
	str("LOG_OUTPUT", &config.Logging.Output)
	str("LOG_FILE_PATH", &config.Logging.FilePath)

	boolean("METRICS_ENABLED", &config.Metrics.Enabled)
	str("API_ADDR", &config.API.Addr)
	str("GIN_MODE", &config.API.Mode)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	cm.logger.Debug("loaded configuration from environment variables")
	return nil
}

// Validate checks the configuration for consistency and required fields
func (c *AppConfig) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Storage.Type {
	case "duckdb":
		if c.Storage.DatabaseURL == "" {
			add("storage.database_url is required for DuckDB storage")
		}
	case "memory":
	default:
		add("storage.type must be one of: duckdb, memory")
	}
	if c.Storage.BatchSize <= 0 {
		add("storage.batch_size must be greater than 0")
	}
	if c.Storage.RetentionDays < 0 {
		add("storage.retention_days must not be negative")
	}

	switch c.UniverseDB.Driver {
	case "postgres", "sqlite":
		if c.UniverseDB.DSN == "" {
			add("universe_db.dsn is required for driver %s", c.UniverseDB.Driver)
		}
	case "memory":
	default:
		add("universe_db.driver must be one of: postgres, sqlite, memory")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis.addr is required when redis is enabled")
	}

	switch c.Provider.Type {
	case "alpaca", "rest":
	default:
		add("provider.type must be one of: alpaca, rest")
	}
	if c.Provider.Type == "rest" && c.Provider.BaseURL == "" {
		add("provider.base_url is required for the rest provider")
	}
	if c.Provider.RateLimit <= 0 {
		add("provider.rate_limit must be greater than 0")
	}
	switch c.Provider.Adjustment {
	case "raw", "split", "dividend", "all":
	default:
		add("provider.adjustment must be one of: raw, split, dividend, all")
	}

	if c.Ingestion.Concurrency <= 0 {
		add("ingestion.concurrency must be greater than 0")
	}
	if c.Ingestion.BatchDelay < 0 {
		add("ingestion.batch_delay must not be negative")
	}
	if !validTimeframe(c.Ingestion.DefaultTimeframe) {
		add("ingestion.default_timeframe %q is not a supported timeframe", c.Ingestion.DefaultTimeframe)
	}

	for _, tf := range c.Scheduler.Timeframes {
		if !validTimeframe(tf) {
			add("scheduler.timeframes entry %q is not a supported timeframe", tf)
		}
	}
	if c.Scheduler.TickInterval < 0 || c.Scheduler.JobTimeout < 0 || c.Scheduler.RetryDelay < 0 {
		add("scheduler durations must not be negative")
	}

	if c.Validation.MinCandles < 0 {
		add("validation.min_candles must not be negative")
	}
	if c.Validation.ToleranceMultiplier <= 1 {
		add("validation.tolerance_multiplier must be greater than 1")
	}
	if c.Validation.MaxInterpolateCandles < 0 {
		add("validation.max_interpolate_candles must not be negative")
	}

	for _, h := range c.Calendar.ExtraHolidays {
		if _, err := time.Parse(time.DateOnly, h); err != nil {
			add("calendar.extra_holidays entry %q is not a YYYY-MM-DD date", h)
		}
	}
	if c.Calendar.Timezone != "" {
		if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
			add("calendar.timezone %q is not a valid location", c.Calendar.Timezone)
		}
	}
	for tf := range c.Staleness.Thresholds {
		if !validTimeframe(tf) {
			add("staleness.thresholds key %q is not a supported timeframe", tf)
		}
	}

	if c.Snapshots.TTL < 0 {
		add("snapshots.ttl must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		add("logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		add("logging.format must be one of: json, text")
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		add("logging.file_path is required when logging.output is file")
	}

	if c.API.Addr == "" {
		add("api.addr is required")
	}

	if c.ErrorHandling.GlobalRetryPolicy.MaxAttempts <= 0 {
		add("error_handling.global_retry_policy.max_attempts must be greater than 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

// validTimeframe mirrors models.ParseTimeframe without importing domain packages.
func validTimeframe(tf string) bool {
	switch tf {
	case "1m", "5m", "15m", "30m", "1h", "4h", "1d", "1w":
		return true
	}
	return false
}

// GetConfig returns the most recently loaded configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "market-integrity",
		Version: "1.0.0",
		Storage: StorageConfig{
			Type:        "duckdb",
			DatabaseURL: "./data/candles.duckdb",
			BatchSize:   1000,
		},
		UniverseDB: UniverseDBConfig{
			Driver: "sqlite",
			DSN:    "./data/universe.db",
		},
		Redis: RedisConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			KeyPrefix: "universe:snapshot:",
			MaxTTL:    24 * time.Hour,
		},
		Provider: ProviderConfig{
			Type:       "alpaca",
			Feed:       "iex",
			Adjustment: "all",
			RateLimit:  3,
			Burst:      1,
			Timeout:    30 * time.Second,
		},
		Ingestion: IngestionConfig{
			Concurrency:      5,
			BatchDelay:       time.Second,
			DefaultTimeframe: "1d",
			Limit:            10000,
			Lookback:         30 * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Timeframes:        []string{"1d"},
			TickInterval:      time.Minute,
			MaxConcurrentJobs: 5,
			JobTimeout:        5 * time.Minute,
			RetryDelay:        5 * time.Minute,
			MarketHoursOnly:   true,
		},
		Validation: ValidationConfig{
			CalendarAware:             true,
			AutoFillGaps:              false,
			MinCandles:                10,
			ToleranceMultiplier:       1.5,
			MaxInterpolateCandles:     1,
			CriticalGapCandles:        5,
			PriceSpikeRatio:           5,
			VolumeSpikeMultiplier:     10,
			VolumeLookback:            20,
			FlashCrashDropPercent:     10,
			FlashCrashRecoveryPercent: 2,
		},
		Calendar: CalendarConfig{
			Name:     "NYSE",
			Timezone: "America/New_York",
		},
		Snapshots: SnapshotsConfig{
			TTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
			ContextFields: map[string]string{
				"service": "market-integrity",
			},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "market_integrity",
		},
		API: APIConfig{
			Addr:            ":8080",
			Mode:            "release",
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		ErrorHandling: ErrorHandlingConfig{
			GlobalRetryPolicy: RetryPolicyConfig{
				MaxAttempts:     3,
				InitialDelay:    500 * time.Millisecond,
				MaxDelay:        30 * time.Second,
				BackoffStrategy: "exponential",
				Jitter:          true,
			},
			ComponentPolicies:    make(map[string]RetryPolicyConfig),
			EnableCircuitBreaker: true,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
	}
}

// String returns a YAML rendering of the configuration with secrets redacted
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Provider.APIKey != "" {
		sanitized.Provider.APIKey = "[REDACTED]"
	}
	if sanitized.Provider.APISecret != "" {
		sanitized.Provider.APISecret = "[REDACTED]"
	}
	if sanitized.Redis.Password != "" {
		sanitized.Redis.Password = "[REDACTED]"
	}
	if strings.Contains(sanitized.UniverseDB.DSN, "password") {
		sanitized.UniverseDB.DSN = "[REDACTED]"
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}
