package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "tvlcorr", config.AppName)
	assert.Equal(t, "https://defillama.com/protocol/aave", config.Scraper.URL)
	assert.Equal(t, "gateio", config.Exchange.Name)
	assert.Equal(t, "AAVE/USDT", config.Exchange.Ticker)
	assert.Equal(t, "1d", config.Exchange.Timeframe)
	assert.Equal(t, 0, config.Exchange.PageLimit)
	assert.Equal(t, DefaultStartDate, config.Pipeline.DefaultStartDate)
	assert.Equal(t, "memory", config.Cache.Type)
	assert.Equal(t, "1h", config.Cache.TTL)
	assert.Equal(t, "info", config.Logging.Level)
	assert.False(t, config.Metrics.Enabled)
}

func TestConfigValidation(t *testing.T) {
	cm := NewConfigManager("", slog.Default())

	t.Run("valid config passes validation", func(t *testing.T) {
		assert.NoError(t, cm.validateConfig(DefaultConfig()))
	})

	t.Run("relative scraper url fails", func(t *testing.T) {
		config := DefaultConfig()
		config.Scraper.URL = "/protocol/aave"
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scraper.url must be an absolute URL")
	})

	t.Run("missing ticker fails", func(t *testing.T) {
		config := DefaultConfig()
		config.Exchange.Ticker = ""
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exchange.ticker is required")
	})

	t.Run("negative page limit fails", func(t *testing.T) {
		config := DefaultConfig()
		config.Exchange.PageLimit = -1
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exchange.page_limit cannot be negative")
	})

	t.Run("bad default start date fails", func(t *testing.T) {
		config := DefaultConfig()
		config.Pipeline.DefaultStartDate = "01/01/2020"
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pipeline.default_start_date must be YYYY-MM-DD")
	})

	t.Run("redis cache requires address", func(t *testing.T) {
		config := DefaultConfig()
		config.Cache.Type = "redis"
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cache.redis_addr is required")
	})

	t.Run("unknown cache type fails", func(t *testing.T) {
		config := DefaultConfig()
		config.Cache.Type = "memcached"
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cache.type must be one of")
	})

	t.Run("invalid log level fails", func(t *testing.T) {
		config := DefaultConfig()
		config.Logging.Level = "verbose"
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logging.level must be one of")
	})

	t.Run("invalid metrics port fails when enabled", func(t *testing.T) {
		config := DefaultConfig()
		config.Metrics.Enabled = true
		config.Metrics.Port = 70000
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "metrics.port must be between 1 and 65535")
	})

	t.Run("all problems are reported together", func(t *testing.T) {
		config := DefaultConfig()
		config.Exchange.Name = ""
		config.Logging.Format = "xml"
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exchange.name is required")
		assert.Contains(t, err.Error(), "logging.format must be one of")
	})
}

func TestLoadConfigFromFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "tvlcorr.json")

	fileConfig := DefaultConfig()
	fileConfig.AppName = "file-app"
	fileConfig.Exchange.Ticker = "ETH/USDT"
	fileConfig.Cache.TTL = "15m"
	fileConfig.Logging.Level = "debug"

	data, err := json.MarshalIndent(fileConfig, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, data, 0644))

	t.Run("loads config from file", func(t *testing.T) {
		cm := NewConfigManager(configPath, slog.Default()).WithEnvFile("")
		loaded, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "file-app", loaded.AppName)
		assert.Equal(t, "ETH/USDT", loaded.Exchange.Ticker)
		assert.Equal(t, "15m", loaded.Cache.TTL)
		assert.Equal(t, "debug", loaded.Logging.Level)
		assert.Equal(t, configPath, loaded.ConfigPath)
		assert.Same(t, loaded, cm.GetConfig())
	})

	t.Run("handles invalid json file", func(t *testing.T) {
		invalidPath := filepath.Join(tempDir, "invalid.json")
		require.NoError(t, os.WriteFile(invalidPath, []byte("invalid json"), 0644))

		cm := NewConfigManager(invalidPath, slog.Default()).WithEnvFile("")
		_, err := cm.LoadConfig(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})

	t.Run("handles non-existent file gracefully", func(t *testing.T) {
		cm := NewConfigManager(filepath.Join(tempDir, "missing.json"), slog.Default()).WithEnvFile("")
		loaded, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tvlcorr", loaded.AppName)
	})
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	cm := NewConfigManager("", slog.Default())

	envVars := map[string]string{
		"APP_NAME":          "env-app",
		"SCRAPER_URL":       "https://example.com/protocol/x",
		"EXCHANGE_BASE_URL": "http://localhost:8080",
		"TICKER":            "BTC/USDT",
		"PAGE_LIMIT":        "500",
		"RATE_LIMIT_MS":     "250",
		"CACHE_TYPE":        "redis",
		"REDIS_ADDR":        "localhost:6379",
		"REDIS_DB":          "2",
		"OUTPUT_PATH":       "/tmp/out.csv",
		"LOG_LEVEL":         "error",
		"METRICS_ENABLED":   "true",
		"METRICS_PORT":      "8081",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	t.Run("loads config from environment", func(t *testing.T) {
		config := DefaultConfig()
		require.NoError(t, cm.loadFromEnv(config))

		assert.Equal(t, "env-app", config.AppName)
		assert.Equal(t, "https://example.com/protocol/x", config.Scraper.URL)
		assert.Equal(t, "http://localhost:8080", config.Exchange.BaseURL)
		assert.Equal(t, "BTC/USDT", config.Exchange.Ticker)
		assert.Equal(t, 500, config.Exchange.PageLimit)
		assert.Equal(t, 250, config.Exchange.RateLimitMs)
		assert.Equal(t, "redis", config.Cache.Type)
		assert.Equal(t, "localhost:6379", config.Cache.RedisAddr)
		assert.Equal(t, 2, config.Cache.RedisDB)
		assert.Equal(t, "/tmp/out.csv", config.Output.Path)
		assert.Equal(t, "error", config.Logging.Level)
		assert.True(t, config.Metrics.Enabled)
		assert.Equal(t, 8081, config.Metrics.Port)
	})

	t.Run("keeps defaults for invalid numeric values", func(t *testing.T) {
		t.Setenv("PAGE_LIMIT", "lots")
		config := DefaultConfig()
		require.NoError(t, cm.loadFromEnv(config))
		assert.Equal(t, 0, config.Exchange.PageLimit)
	})
}

func TestLoadConfigFromDotenv(t *testing.T) {
	tempDir := t.TempDir()
	envPath := filepath.Join(tempDir, "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("TICKER=SOL/USDT\nCACHE_TTL=5m\n"), 0644))

	// godotenv never overrides variables that are already set, so register
	// cleanup for the ones it will create.
	t.Cleanup(func() {
		os.Unsetenv("TICKER")
		os.Unsetenv("CACHE_TTL")
	})

	cm := NewConfigManager("", slog.Default()).WithEnvFile(envPath)
	loaded, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "SOL/USDT", loaded.Exchange.Ticker)
	assert.Equal(t, "5m", loaded.Cache.TTL)
}

func TestSaveConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "tvlcorr.json")

	cm := NewConfigManager(configPath, slog.Default())
	cm.config = DefaultConfig()
	cm.config.AppName = "saved"

	require.NoError(t, cm.SaveConfig(context.Background()))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)

	var saved AppConfig
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.Equal(t, "saved", saved.AppName)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDuration("5s", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("soon", time.Minute))
}

func TestStringRedactsSecrets(t *testing.T) {
	config := DefaultConfig()
	config.Cache.RedisPassword = "hunter2"

	out := config.String()
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "[REDACTED]")
}
