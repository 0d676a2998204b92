// Package config provides centralized configuration management for the importer.
// Configuration is layered from defaults, an optional YAML or JSON file, an
// optional .env file and OHLCV_-prefixed environment variables, then validated
// as a whole.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable the loader reads.
const EnvPrefix = "OHLCV_"

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName    string `json:"app_name" yaml:"app_name" env:"APP_NAME"`
	Version    string `json:"version" yaml:"version" env:"VERSION"`
	ConfigPath string `json:"-" yaml:"-"`

	Storage  StorageConfig  `json:"storage" yaml:"storage" envPrefix:"STORAGE_"`
	Exchange ExchangeConfig `json:"exchange" yaml:"exchange" envPrefix:"EXCHANGE_"`
	Importer ImporterConfig `json:"importer" yaml:"importer" envPrefix:"IMPORTER_"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging" envPrefix:"LOG_"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	Type         string `json:"type" yaml:"type" env:"TYPE"`                            // "duckdb", "sqlite", "memory"
	DatabaseURL  string `json:"database_url" yaml:"database_url" env:"DATABASE_URL"`    // Database file or DSN
	BatchSize    int    `json:"batch_size" yaml:"batch_size" env:"BATCH_SIZE"`          // Rows per insert transaction
	MaxConns     int    `json:"max_conns" yaml:"max_conns" env:"MAX_CONNS"`             // Maximum open connections
	QueryTimeout string `json:"query_timeout" yaml:"query_timeout" env:"QUERY_TIMEOUT"` // Query execution timeout
}

// ExchangeConfig configures the trade-tick source
type ExchangeConfig struct {
	Type               string `json:"type" yaml:"type" env:"TYPE"`                                         // "kraken"
	BaseURL            string `json:"base_url" yaml:"base_url" env:"BASE_URL"`                             // REST API root
	SpanMinutes        int    `json:"span_minutes" yaml:"span_minutes" env:"SPAN_MINUTES"`                 // Coverage window per fetch
	RequestDelay       string `json:"request_delay" yaml:"request_delay" env:"REQUEST_DELAY"`              // Pause between paginated requests
	ReportingLag       string `json:"reporting_lag" yaml:"reporting_lag" env:"REPORTING_LAG"`              // How far behind now the exchange is trusted
	Timeout            string `json:"timeout" yaml:"timeout" env:"HTTP_TIMEOUT"`                           // HTTP request timeout
	RateLimit          int    `json:"rate_limit" yaml:"rate_limit" env:"RATE_LIMIT"`                       // Requests per minute
	PairCacheTTL       string `json:"pair_cache_ttl" yaml:"pair_cache_ttl" env:"PAIR_CACHE_TTL"`           // Asset pair listing cache lifetime
	CarryForwardVolume bool   `json:"carry_forward_volume" yaml:"carry_forward_volume" env:"CARRY_VOLUME"` // Gap candles repeat the previous volume
}

// ImporterConfig configures the import loop
type ImporterConfig struct {
	DefaultSymbols []string          `json:"default_symbols" yaml:"default_symbols" env:"DEFAULT_SYMBOLS" envSeparator:","`
	MaxBatches     int               `json:"max_batches" yaml:"max_batches" env:"MAX_BATCHES"` // 0 means unbounded
	RetryPolicy    RetryPolicyConfig `json:"retry_policy" yaml:"retry_policy" envPrefix:"RETRY_"`
}

// RetryPolicyConfig configures retry behavior
type RetryPolicyConfig struct {
	MaxAttempts  int     `json:"max_attempts" yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialDelay string  `json:"initial_delay" yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     string  `json:"max_delay" yaml:"max_delay" env:"MAX_DELAY"`
	Multiplier   float64 `json:"multiplier" yaml:"multiplier" env:"MULTIPLIER"`
	Jitter       bool    `json:"jitter" yaml:"jitter" env:"JITTER"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level" env:"LEVEL"`              // debug, info, warn, error
	Format        string            `json:"format" yaml:"format" env:"FORMAT"`           // json, text
	Output        string            `json:"output" yaml:"output" env:"OUTPUT"`           // stdout, stderr, file
	FilePath      string            `json:"file_path" yaml:"file_path" env:"FILE_PATH"`  // Log file path
	MaxSize       int               `json:"max_size" yaml:"max_size" env:"MAX_SIZE"`     // Megabytes before rotation
	MaxBackups    int               `json:"max_backups" yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAge        int               `json:"max_age" yaml:"max_age" env:"MAX_AGE"` // Days
	Compress      bool              `json:"compress" yaml:"compress" env:"COMPRESS"`
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields" env:"CONTEXT_FIELDS"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Port    int    `json:"port" yaml:"port" env:"PORT"`
	Path    string `json:"path" yaml:"path" env:"PATH"`
}

// ConfigManager handles configuration loading, validation and persistence
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFile    string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager. The .env file in the
// working directory is consulted unless WithEnvFile overrides it.
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		envFile:    ".env",
		logger:     logger,
	}
}

// WithEnvFile sets the dotenv file to load before reading the environment.
// An empty path disables dotenv loading.
func (cm *ConfigManager) WithEnvFile(path string) *ConfigManager {
	cm.envFile = path
	return cm
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables, including those supplied by the .env file
// 2. Configuration file
// 3. Default values
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()
	config.ConfigPath = cm.configPath

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Info("configuration loaded successfully",
		"config_path", cm.configPath,
		"storage_type", config.Storage.Type,
		"exchange_type", config.Exchange.Type,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile loads configuration from a YAML or JSON file, chosen by extension
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	data, err := os.ReadFile(cm.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".json":
		err = json.Unmarshal(data, config)
	case ".yaml", ".yml", "":
		err = yaml.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file extension %q", filepath.Ext(cm.configPath))
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadFromEnv applies the dotenv file, then OHLCV_-prefixed environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	if cm.envFile != "" {
		if err := godotenv.Load(cm.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", cm.envFile, err)
		}
	}

	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return err
	}

	cm.logger.Debug("loaded configuration from environment variables", "prefix", EnvPrefix)
	return nil
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errs []string

	checkDuration := func(field, value string, allowZero bool) {
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s is not a valid duration: %v", field, err))
			return
		}
		if d < 0 || (!allowZero && d == 0) {
			errs = append(errs, fmt.Sprintf("%s must be positive", field))
		}
	}

	// Storage
	validStorage := map[string]bool{"duckdb": true, "sqlite": true, "memory": true}
	if config.Storage.Type == "" {
		errs = append(errs, "storage.type is required")
	} else if !validStorage[config.Storage.Type] {
		errs = append(errs, "storage.type must be one of: duckdb, sqlite, memory")
	}
	if config.Storage.Type != "memory" && config.Storage.DatabaseURL == "" {
		errs = append(errs, "storage.database_url is required for SQL storage")
	}
	if config.Storage.BatchSize <= 0 {
		errs = append(errs, "storage.batch_size must be greater than 0")
	}
	checkDuration("storage.query_timeout", config.Storage.QueryTimeout, false)

	// Exchange
	if config.Exchange.Type == "" {
		errs = append(errs, "exchange.type is required")
	}
	if config.Exchange.BaseURL == "" {
		errs = append(errs, "exchange.base_url is required")
	}
	if config.Exchange.SpanMinutes <= 0 {
		errs = append(errs, "exchange.span_minutes must be greater than 0")
	}
	if config.Exchange.RateLimit <= 0 {
		errs = append(errs, "exchange.rate_limit must be greater than 0")
	}
	checkDuration("exchange.request_delay", config.Exchange.RequestDelay, true)
	checkDuration("exchange.reporting_lag", config.Exchange.ReportingLag, true)
	checkDuration("exchange.timeout", config.Exchange.Timeout, false)
	checkDuration("exchange.pair_cache_ttl", config.Exchange.PairCacheTTL, true)

	// Importer
	if config.Importer.MaxBatches < 0 {
		errs = append(errs, "importer.max_batches must not be negative")
	}
	if config.Importer.RetryPolicy.MaxAttempts <= 0 {
		errs = append(errs, "importer.retry_policy.max_attempts must be greater than 0")
	}
	checkDuration("importer.retry_policy.initial_delay", config.Importer.RetryPolicy.InitialDelay, false)
	checkDuration("importer.retry_policy.max_delay", config.Importer.RetryPolicy.MaxDelay, false)

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errs = append(errs, "logging.format must be one of: json, text")
	}
	if config.Logging.Output == "file" && config.Logging.FilePath == "" {
		errs = append(errs, "logging.file_path is required when output is file")
	}

	// Metrics
	if config.Metrics.Enabled {
		if config.Metrics.Port <= 0 || config.Metrics.Port > 65535 {
			errs = append(errs, "metrics.port must be between 1 and 65535")
		}
		if !strings.HasPrefix(config.Metrics.Path, "/") {
			errs = append(errs, "metrics.path must start with /")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errs, "\n- "))
	}

	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// SaveConfig writes the current configuration to the config file, in YAML
// unless the path ends in .json
func (cm *ConfigManager) SaveConfig(ctx context.Context) error {
	return cm.SaveConfigAs(ctx, cm.configPath)
}

// SaveConfigAs writes the current configuration to path.
func (cm *ConfigManager) SaveConfigAs(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("no config path specified")
	}
	if cm.config == nil {
		return fmt.Errorf("no configuration loaded")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(cm.config, "", "  ")
	} else {
		data, err = yaml.Marshal(cm.config)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.logger.Info("configuration saved", "path", path)
	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "ohlcv-importer",
		Version: "1.0.0",
		Storage: StorageConfig{
			Type:         "duckdb",
			DatabaseURL:  "./data/ohlcv.db",
			BatchSize:    1000,
			MaxConns:     1,
			QueryTimeout: "30s",
		},
		Exchange: ExchangeConfig{
			Type:         "kraken",
			BaseURL:      "https://api.kraken.com",
			SpanMinutes:  2000,
			RequestDelay: "6s",
			ReportingLag: "24h",
			Timeout:      "30s",
			RateLimit:    15,
			PairCacheTTL: "1h",
		},
		Importer: ImporterConfig{
			DefaultSymbols: []string{"XBTUSD"},
			RetryPolicy: RetryPolicyConfig{
				MaxAttempts:  5,
				InitialDelay: "10s",
				MaxDelay:     "5m",
				Multiplier:   2,
				Jitter:       true,
			},
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
				"service": "ohlcv-importer",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// ParseDuration parses a configured duration, returning fallback when the
// value is empty or malformed.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// String returns an indented JSON rendering of the configuration
func (c *AppConfig) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
