// Package config provides centralized configuration management for the TVL/price correlator.
// This module handles configuration loading from multiple sources (JSON file, .env file,
// environment variables), validation, and provides typed configuration structures for
// the scraper, exchange, cache and ambient services.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultStartDate is used when no start date can be derived from the TVL series.
const DefaultStartDate = "2020-01-01"

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Application metadata
	AppName    string `json:"app_name" env:"APP_NAME"`
	Version    string `json:"version" env:"VERSION"`
	ConfigPath string `json:"-" env:"CONFIG_PATH"`

	Scraper       ScraperConfig       `json:"scraper"`
	Exchange      ExchangeConfig      `json:"exchange"`
	Pipeline      PipelineConfig      `json:"pipeline"`
	Cache         CacheConfig         `json:"cache"`
	Output        OutputConfig        `json:"output"`
	Logging       LoggingConfig       `json:"logging"`
	Metrics       MetricsConfig       `json:"metrics"`
	ErrorHandling ErrorHandlingConfig `json:"error_handling"`
}

// ScraperConfig configures the protected-page TVL scraper
type ScraperConfig struct {
	URL            string `json:"url" env:"SCRAPER_URL"`                 // Page embedding the TVL chart
	Timeout        string `json:"timeout" env:"SCRAPER_TIMEOUT"`         // Whole request timeout
	UserAgent      string `json:"user_agent" env:"SCRAPER_USER_AGENT"`   // Browser user agent
	AcceptLanguage string `json:"accept_language"`                       // Accept-Language header
	Fingerprint    bool   `json:"fingerprint" env:"SCRAPER_FINGERPRINT"` // Use a browser TLS ClientHello
}

// ExchangeConfig configures the exchange candle source
type ExchangeConfig struct {
	Name        string            `json:"name" env:"EXCHANGE_NAME"`             // "gateio"
	BaseURL     string            `json:"base_url" env:"EXCHANGE_BASE_URL"`     // REST API root
	Ticker      string            `json:"ticker" env:"TICKER"`                  // e.g. AAVE/USDT
	Timeframe   string            `json:"timeframe" env:"TIMEFRAME"`            // Candle granularity
	PageLimit   int               `json:"page_limit" env:"PAGE_LIMIT"`          // 0 means use the exchange declared limit
	RateLimitMs int               `json:"rate_limit_ms" env:"RATE_LIMIT_MS"`    // Minimum milliseconds between requests
	Timeout     string            `json:"timeout" env:"HTTP_TIMEOUT"`           // HTTP request timeout
	RetryPolicy RetryPolicyConfig `json:"retry_policy"`                         // Per-request retry configuration
}

// PipelineConfig configures the orchestrator
type PipelineConfig struct {
	DefaultStartDate string `json:"default_start_date" env:"DEFAULT_START_DATE"` // Fallback when derivation fails
	RunTimeout       string `json:"run_timeout" env:"RUN_TIMEOUT"`               // Caller-level timeout around a whole run
}

// CacheConfig configures the merged-table cache collaborator
type CacheConfig struct {
	Type          string `json:"type" env:"CACHE_TYPE"`             // "memory", "redis", "none"
	TTL           string `json:"ttl" env:"CACHE_TTL"`               // Entry lifetime
	RedisAddr     string `json:"redis_addr" env:"REDIS_ADDR"`       // host:port
	RedisPassword string `json:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `json:"redis_db" env:"REDIS_DB"`
	KeyPrefix     string `json:"key_prefix" env:"CACHE_KEY_PREFIX"`
}

// OutputConfig configures the merged-table artifact
type OutputConfig struct {
	Path string `json:"path" env:"OUTPUT_PATH"` // CSV destination
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" env:"LOG_LEVEL"`             // Log level: debug, info, warn, error
	Format        string            `json:"format" env:"LOG_FORMAT"`           // Log format: json, text
	Output        string            `json:"output" env:"LOG_OUTPUT"`           // Output: stdout, stderr, file
	FilePath      string            `json:"file_path" env:"LOG_FILE_PATH"`     // Log file path
	MaxSize       int               `json:"max_size" env:"LOG_MAX_SIZE"`       // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" env:"LOG_MAX_BACKUPS"` // Maximum log file backups
	MaxAge        int               `json:"max_age" env:"LOG_MAX_AGE"`         // Maximum log file age in days
	Compress      bool              `json:"compress" env:"LOG_COMPRESS"`       // Compress old log files
	ContextFields map[string]string `json:"context_fields"`                    // Additional context fields
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"METRICS_ENABLED"`
	Port    int    `json:"port" env:"METRICS_PORT"`
	Path    string `json:"path" env:"METRICS_PATH"`
}

// ErrorHandlingConfig configures error classification and retry policies
type ErrorHandlingConfig struct {
	GlobalRetryPolicy RetryPolicyConfig            `json:"global_retry_policy"`
	ComponentPolicies map[string]RetryPolicyConfig `json:"component_policies"`
}

// RetryPolicyConfig configures retry behavior
type RetryPolicyConfig struct {
	MaxAttempts     int      `json:"max_attempts"`     // Maximum attempts including the first
	InitialDelay    string   `json:"initial_delay"`    // Initial delay between retries
	MaxDelay        string   `json:"max_delay"`        // Maximum delay between retries
	BackoffStrategy string   `json:"backoff_strategy"` // Backoff strategy: fixed, exponential
	RetryableErrors []string `json:"retryable_errors"` // List of retryable error types
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFile    string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager
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

// WithEnvFile overrides the dotenv file consulted before the process environment.
// An empty path disables dotenv loading.
func (cm *ConfigManager) WithEnvFile(path string) *ConfigManager {
	cm.envFile = path
	return cm
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority, .env values fill unset ones)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		config.ConfigPath = cm.configPath
	}

	if err := cm.loadDotenv(); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
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
		"exchange", config.Exchange.Name,
		"ticker", config.Exchange.Ticker,
		"cache_type", config.Cache.Type,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile loads configuration from a JSON file
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadDotenv populates unset environment variables from the dotenv file, if present.
func (cm *ConfigManager) loadDotenv() error {
	if cm.envFile == "" {
		return nil
	}
	if _, err := os.Stat(cm.envFile); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(cm.envFile); err != nil {
		return fmt.Errorf("failed to read %s: %w", cm.envFile, err)
	}
	cm.logger.Debug("loaded environment from dotenv file", "path", cm.envFile)
	return nil
}

// loadFromEnv loads configuration from environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	setString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	setInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if val := os.Getenv(key); val != "" {
			*dst = val == "true"
		}
	}

	setString("APP_NAME", &config.AppName)
	setString("VERSION", &config.Version)

	// Scraper
	setString("SCRAPER_URL", &config.Scraper.URL)
	setString("SCRAPER_TIMEOUT", &config.Scraper.Timeout)
	setString("SCRAPER_USER_AGENT", &config.Scraper.UserAgent)
	setBool("SCRAPER_FINGERPRINT", &config.Scraper.Fingerprint)

	// Exchange
	setString("EXCHANGE_NAME", &config.Exchange.Name)
	setString("EXCHANGE_BASE_URL", &config.Exchange.BaseURL)
	setString("TICKER", &config.Exchange.Ticker)
	setString("TIMEFRAME", &config.Exchange.Timeframe)
	setInt("PAGE_LIMIT", &config.Exchange.PageLimit)
	setInt("RATE_LIMIT_MS", &config.Exchange.RateLimitMs)
	setString("HTTP_TIMEOUT", &config.Exchange.Timeout)

	// Pipeline
	setString("DEFAULT_START_DATE", &config.Pipeline.DefaultStartDate)
	setString("RUN_TIMEOUT", &config.Pipeline.RunTimeout)

	// Cache
	setString("CACHE_TYPE", &config.Cache.Type)
	setString("CACHE_TTL", &config.Cache.TTL)
	setString("REDIS_ADDR", &config.Cache.RedisAddr)
	setString("REDIS_PASSWORD", &config.Cache.RedisPassword)
	setInt("REDIS_DB", &config.Cache.RedisDB)
	setString("CACHE_KEY_PREFIX", &config.Cache.KeyPrefix)

	// Output
	setString("OUTPUT_PATH", &config.Output.Path)

	// Logging
	setString("LOG_LEVEL", &config.Logging.Level)
	setString("LOG_FORMAT", &config.Logging.Format)
	setString("LOG_OUTPUT", &config.Logging.Output)
	setString("LOG_FILE_PATH", &config.Logging.FilePath)

	// Metrics
	setBool("METRICS_ENABLED", &config.Metrics.Enabled)
	setInt("METRICS_PORT", &config.Metrics.Port)
	setString("METRICS_PATH", &config.Metrics.Path)

	cm.logger.Debug("loaded configuration from environment variables")
	return nil
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	// Scraper
	if u, err := url.Parse(config.Scraper.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, "scraper.url must be an absolute URL")
	}
	if _, err := time.ParseDuration(config.Scraper.Timeout); err != nil {
		errors = append(errors, fmt.Sprintf("scraper.timeout is not a valid duration: %v", err))
	}

	// Exchange
	if config.Exchange.Name == "" {
		errors = append(errors, "exchange.name is required")
	}
	if config.Exchange.Ticker == "" {
		errors = append(errors, "exchange.ticker is required")
	}
	if config.Exchange.Timeframe == "" {
		errors = append(errors, "exchange.timeframe is required")
	}
	if config.Exchange.PageLimit < 0 {
		errors = append(errors, "exchange.page_limit cannot be negative")
	}
	if config.Exchange.RateLimitMs < 0 {
		errors = append(errors, "exchange.rate_limit_ms cannot be negative")
	}
	if _, err := time.ParseDuration(config.Exchange.Timeout); err != nil {
		errors = append(errors, fmt.Sprintf("exchange.timeout is not a valid duration: %v", err))
	}

	// Pipeline
	if _, err := time.Parse("2006-01-02", config.Pipeline.DefaultStartDate); err != nil {
		errors = append(errors, "pipeline.default_start_date must be YYYY-MM-DD")
	}
	if config.Pipeline.RunTimeout != "" {
		if _, err := time.ParseDuration(config.Pipeline.RunTimeout); err != nil {
			errors = append(errors, fmt.Sprintf("pipeline.run_timeout is not a valid duration: %v", err))
		}
	}

	// Cache
	validCacheTypes := map[string]bool{"memory": true, "redis": true, "none": true}
	if !validCacheTypes[config.Cache.Type] {
		errors = append(errors, "cache.type must be one of: memory, redis, none")
	}
	if config.Cache.Type == "redis" && config.Cache.RedisAddr == "" {
		errors = append(errors, "cache.redis_addr is required for redis cache")
	}
	if config.Cache.Type != "none" {
		if _, err := time.ParseDuration(config.Cache.TTL); err != nil {
			errors = append(errors, fmt.Sprintf("cache.ttl is not a valid duration: %v", err))
		}
	}

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}

	// Metrics
	if config.Metrics.Enabled {
		if config.Metrics.Port <= 0 || config.Metrics.Port > 65535 {
			errors = append(errors, "metrics.port must be between 1 and 65535")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// SaveConfig saves the current configuration to the config file
func (cm *ConfigManager) SaveConfig(ctx context.Context) error {
	if cm.configPath == "" {
		return fmt.Errorf("no config path specified")
	}

	if err := os.MkdirAll(filepath.Dir(cm.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cm.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.logger.Info("configuration saved", "path", cm.configPath)
	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "tvlcorr",
		Version: "1.0.0",
		Scraper: ScraperConfig{
			URL:            "https://defillama.com/protocol/aave",
			Timeout:        "45s",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			AcceptLanguage: "en-US,en;q=0.9",
			Fingerprint:    true,
		},
		Exchange: ExchangeConfig{
			Name:        "gateio",
			BaseURL:     "https://api.gateio.ws",
			Ticker:      "AAVE/USDT",
			Timeframe:   "1d",
			PageLimit:   0,
			RateLimitMs: 100,
			Timeout:     "30s",
			RetryPolicy: RetryPolicyConfig{
				MaxAttempts:     3,
				InitialDelay:    "500ms",
				MaxDelay:        "10s",
				BackoffStrategy: "exponential",
				RetryableErrors: []string{"rate_limit", "server_error", "timeout"},
			},
		},
		Pipeline: PipelineConfig{
			DefaultStartDate: DefaultStartDate,
			RunTimeout:       "10m",
		},
		Cache: CacheConfig{
			Type:      "memory",
			TTL:       "1h",
			RedisAddr: "",
			RedisDB:   0,
			KeyPrefix: "tvlcorr",
		},
		Output: OutputConfig{
			Path: "merged.csv",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stderr",
			FilePath:   "",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
			ContextFields: map[string]string{
				"service": "tvlcorr",
				"version": "1.0.0",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
		ErrorHandling: ErrorHandlingConfig{
			GlobalRetryPolicy: RetryPolicyConfig{
				MaxAttempts:     3,
				InitialDelay:    "1s",
				MaxDelay:        "30s",
				BackoffStrategy: "exponential",
				RetryableErrors: []string{"timeout", "rate_limit", "server_error"},
			},
			ComponentPolicies: make(map[string]RetryPolicyConfig),
		},
	}
}

// ParseDuration parses a config duration string, returning fallback when empty or invalid.
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

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Cache.RedisPassword != "" {
		sanitized.Cache.RedisPassword = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
