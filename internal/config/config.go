// Package config handles engine configuration with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration
type Config struct {
	System      SystemConfig      `yaml:"system"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Risk        RiskConfig        `yaml:"risk"`
	Orders      OrdersConfig      `yaml:"orders"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Webhook     WebhookConfig     `yaml:"webhook"`
}

// WebhookConfig contains the signal ingress listener settings. The listener
// is a thin shim over the signal intake; auth and routing beyond it are
// expected in front of the engine.
type WebhookConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
	// PromoteIntervalSeconds is how often queued signals are re-gated.
	PromoteIntervalSeconds int `yaml:"promote_interval_seconds"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig contains persistence settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig contains cache settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TelegramConfig contains broadcaster settings
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// MonitorConfig contains fill monitor settings
type MonitorConfig struct {
	PollingIntervalSeconds int `yaml:"polling_interval_seconds"`
	// MaxConcurrentOrders bounds per-user fan-out inside one cycle.
	MaxConcurrentOrders int `yaml:"max_concurrent_orders"`
	StaleTPHours        int `yaml:"stale_tp_hours"`
	// StaleTPAction is "replace" (re-quote at current price + TP%) or "market_close".
	StaleTPAction string `yaml:"stale_tp_action"`
}

// RiskConfig contains risk engine loop settings. Per-user thresholds live in
// the user's persisted RiskEngineConfig; these are process-level defaults.
type RiskConfig struct {
	EvaluateIntervalSeconds int     `yaml:"evaluate_interval_seconds"`
	SyncDivergencePercent   float64 `yaml:"sync_divergence_percent"`
}

// OrdersConfig contains order service settings
type OrdersConfig struct {
	MaxSubmitAttempts       int     `yaml:"max_submit_attempts"`
	BaseDelayMs             int     `yaml:"base_delay_ms"`
	VerificationDelayMs     int     `yaml:"verification_delay_ms"`
	MaxVerificationAttempts int     `yaml:"max_verification_attempts"`
	RateLimitPerSecond      float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst          int     `yaml:"rate_limit_burst"`
	MaxSlippagePercent      float64 `yaml:"max_slippage_percent"`
	// SlippageAction is "warn" or "reject".
	SlippageAction string `yaml:"slippage_action"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	MonitorPoolSize   int `yaml:"monitor_pool_size"`
	MonitorPoolBuffer int `yaml:"monitor_pool_buffer"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with env var expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Database.Path == "" {
		c.Database.Path = "trade_engine.db"
	}
	if c.Monitor.PollingIntervalSeconds == 0 {
		c.Monitor.PollingIntervalSeconds = 10
	}
	if c.Monitor.MaxConcurrentOrders == 0 {
		c.Monitor.MaxConcurrentOrders = 5
	}
	if c.Monitor.StaleTPHours == 0 {
		c.Monitor.StaleTPHours = 24
	}
	if c.Monitor.StaleTPAction == "" {
		c.Monitor.StaleTPAction = "replace"
	}
	if c.Risk.EvaluateIntervalSeconds == 0 {
		c.Risk.EvaluateIntervalSeconds = 30
	}
	if c.Risk.SyncDivergencePercent == 0 {
		c.Risk.SyncDivergencePercent = 1.0
	}
	if c.Orders.MaxSubmitAttempts == 0 {
		c.Orders.MaxSubmitAttempts = 3
	}
	if c.Orders.BaseDelayMs == 0 {
		c.Orders.BaseDelayMs = 500
	}
	if c.Orders.VerificationDelayMs == 0 {
		c.Orders.VerificationDelayMs = 1000
	}
	if c.Orders.MaxVerificationAttempts == 0 {
		c.Orders.MaxVerificationAttempts = 3
	}
	if c.Orders.RateLimitPerSecond == 0 {
		c.Orders.RateLimitPerSecond = 25
	}
	if c.Orders.RateLimitBurst == 0 {
		c.Orders.RateLimitBurst = 30
	}
	if c.Orders.SlippageAction == "" {
		c.Orders.SlippageAction = "warn"
	}
	if c.Concurrency.MonitorPoolSize == 0 {
		c.Concurrency.MonitorPoolSize = 20
	}
	if c.Concurrency.MonitorPoolBuffer == 0 {
		c.Concurrency.MonitorPoolBuffer = 200
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
	if c.Webhook.Port == 0 {
		c.Webhook.Port = 8080
	}
	if c.Webhook.PromoteIntervalSeconds == 0 {
		c.Webhook.PromoteIntervalSeconds = 15
	}
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		errs = append(errs, ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}.Error())
	}

	if c.Monitor.PollingIntervalSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:   "monitor.polling_interval_seconds",
			Value:   c.Monitor.PollingIntervalSeconds,
			Message: "must be at least 1",
		}.Error())
	}

	if c.Monitor.StaleTPAction != "replace" && c.Monitor.StaleTPAction != "market_close" {
		errs = append(errs, ValidationError{
			Field:   "monitor.stale_tp_action",
			Value:   c.Monitor.StaleTPAction,
			Message: "must be replace or market_close",
		}.Error())
	}

	if c.Orders.SlippageAction != "warn" && c.Orders.SlippageAction != "reject" {
		errs = append(errs, ValidationError{
			Field:   "orders.slippage_action",
			Value:   c.Orders.SlippageAction,
			Message: "must be warn or reject",
		}.Error())
	}

	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		errs = append(errs, ValidationError{
			Field:   "telegram.bot_token",
			Message: "bot token is required when telegram is enabled",
		}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
