// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Push          PushConfig          `yaml:"push"`
	Storage       StorageConfig       `yaml:"storage"`
	Redis         RedisConfig         `yaml:"redis"`
	SymbolService SymbolServiceConfig `yaml:"symbol_service"`
	System        SystemConfig        `yaml:"system"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	SeedUsers     []SeedUser          `yaml:"seed_users"`
}

// ServerConfig contains the REST API listener settings
type ServerConfig struct {
	ListenAddr string  `yaml:"listen_addr"` // Defaults to :8080
	RateLimit  float64 `yaml:"rate_limit"`  // Requests per second per client IP
	RateBurst  int     `yaml:"rate_burst"`
}

// PushConfig contains the websocket push listener settings
type PushConfig struct {
	ListenAddr     string   `yaml:"listen_addr"` // Defaults to :8081
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
	RateLimit      float64  `yaml:"rate_limit"` // Upgrade attempts per second per client IP
	RateBurst      int      `yaml:"rate_burst"`
}

// StorageConfig contains the sqlite settings
type StorageConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// RedisConfig contains the market data pub/sub connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password Secret `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0,max=15"`
}

// SymbolServiceConfig contains the upstream symbol service settings
type SymbolServiceConfig struct {
	BaseURL         string `yaml:"base_url" validate:"required"`
	TimeoutSeconds  int    `yaml:"timeout_seconds" validate:"min=0,max=300"`
	Retries         int    `yaml:"retries" validate:"min=0,max=10"`
	CacheTTLMinutes int    `yaml:"cache_ttl_minutes" validate:"min=0"`
}

// Timeout returns the per-request timeout, defaulting to 10s when unset.
func (c SymbolServiceConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheTTL returns the symbol cache freshness window. Zero means the cache
// package default.
func (c SymbolServiceConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel   string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	Production bool   `yaml:"production"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertsConfig contains operator alert channel settings. Empty values leave
// the channel unconfigured.
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// SeedUser describes a credential pair created at startup together with its
// initial wallet balances (asset -> amount).
type SeedUser struct {
	ID       string            `yaml:"id"` // Defaults to the key
	Key      string            `yaml:"key" validate:"required"`
	Secret   Secret            `yaml:"secret" validate:"required"`
	Balances map[string]string `yaml:"balances"`
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

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateServerConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validatePushConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateStorageConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateRedisConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateSymbolServiceConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateTelemetryConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateAlertsConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateSeedUsers(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateServerConfig() error {
	// Fallback logic: default the listen address rather than failing
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}

	if c.Server.RateLimit < 0 {
		return ValidationError{
			Field:   "server.rate_limit",
			Value:   c.Server.RateLimit,
			Message: "must not be negative",
		}
	}
	if c.Server.RateBurst < 0 {
		return ValidationError{
			Field:   "server.rate_burst",
			Value:   c.Server.RateBurst,
			Message: "must not be negative",
		}
	}

	return nil
}

func (c *Config) validatePushConfig() error {
	if c.Push.ListenAddr == "" {
		c.Push.ListenAddr = ":8081"
	}

	if c.Push.MaxConnections < 0 {
		return ValidationError{
			Field:   "push.max_connections",
			Value:   c.Push.MaxConnections,
			Message: "must not be negative",
		}
	}
	if c.Push.RateLimit < 0 {
		return ValidationError{
			Field:   "push.rate_limit",
			Value:   c.Push.RateLimit,
			Message: "must not be negative",
		}
	}

	for _, origin := range c.Push.AllowedOrigins {
		if origin == "*" && c.System.Production {
			return ValidationError{
				Field:   "push.allowed_origins",
				Value:   origin,
				Message: "wildcard origin is not allowed in production",
			}
		}
	}

	return nil
}

func (c *Config) validateStorageConfig() error {
	if c.Storage.Path == "" {
		return ValidationError{
			Field:   "storage.path",
			Message: "sqlite database path is required",
		}
	}
	return nil
}

func (c *Config) validateRedisConfig() error {
	if c.Redis.Addr == "" {
		return ValidationError{
			Field:   "redis.addr",
			Message: "redis address is required",
		}
	}
	if c.Redis.DB < 0 || c.Redis.DB > 15 {
		return ValidationError{
			Field:   "redis.db",
			Value:   c.Redis.DB,
			Message: "must be between 0 and 15",
		}
	}
	return nil
}

func (c *Config) validateSymbolServiceConfig() error {
	if c.SymbolService.BaseURL == "" {
		return ValidationError{
			Field:   "symbol_service.base_url",
			Message: "symbol service base URL is required",
		}
	}
	if !strings.HasPrefix(c.SymbolService.BaseURL, "http://") && !strings.HasPrefix(c.SymbolService.BaseURL, "https://") {
		return ValidationError{
			Field:   "symbol_service.base_url",
			Value:   c.SymbolService.BaseURL,
			Message: "must start with http:// or https://",
		}
	}
	if c.SymbolService.TimeoutSeconds < 0 || c.SymbolService.TimeoutSeconds > 300 {
		return ValidationError{
			Field:   "symbol_service.timeout_seconds",
			Value:   c.SymbolService.TimeoutSeconds,
			Message: "must be between 0 and 300",
		}
	}
	if c.SymbolService.Retries < 0 || c.SymbolService.Retries > 10 {
		return ValidationError{
			Field:   "symbol_service.retries",
			Value:   c.SymbolService.Retries,
			Message: "must be between 0 and 10",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateTelemetryConfig() error {
	if c.Telemetry.MetricsPort < 0 || c.Telemetry.MetricsPort > 65535 {
		return ValidationError{
			Field:   "telemetry.metrics_port",
			Value:   c.Telemetry.MetricsPort,
			Message: "must be a valid port number",
		}
	}
	return nil
}

func (c *Config) validateAlertsConfig() error {
	if (c.Alerts.TelegramBotToken == "") != (c.Alerts.TelegramChatID == "") {
		return ValidationError{
			Field:   "alerts.telegram_bot_token",
			Message: "telegram bot token and chat id must be set together",
		}
	}
	return nil
}

func (c *Config) validateSeedUsers() error {
	seen := make(map[string]struct{}, len(c.SeedUsers))

	for i, u := range c.SeedUsers {
		if u.Key == "" {
			return ValidationError{
				Field:   fmt.Sprintf("seed_users[%d].key", i),
				Message: "API key is required",
			}
		}
		if u.Secret == "" {
			return ValidationError{
				Field:   fmt.Sprintf("seed_users[%d].secret", i),
				Message: "API secret is required",
			}
		}
		if _, dup := seen[u.Key]; dup {
			return ValidationError{
				Field:   fmt.Sprintf("seed_users[%d].key", i),
				Value:   u.Key,
				Message: "duplicate API key",
			}
		}
		seen[u.Key] = struct{}{}

		for asset, amount := range u.Balances {
			d, err := decimal.NewFromString(amount)
			if err != nil {
				return ValidationError{
					Field:   fmt.Sprintf("seed_users[%d].balances.%s", i, asset),
					Value:   amount,
					Message: "must be a decimal number",
				}
			}
			if d.IsNegative() {
				return ValidationError{
					Field:   fmt.Sprintf("seed_users[%d].balances.%s", i, asset),
					Value:   amount,
					Message: "must not be negative",
				}
			}
		}
	}

	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	// Create a copy with sensitive data masked. Secret fields redact
	// themselves during marshaling; API keys get the partial mask so an
	// operator can still tell which credentials were loaded.
	configCopy := *c
	configCopy.SeedUsers = make([]SeedUser, len(c.SeedUsers))
	copy(configCopy.SeedUsers, c.SeedUsers)
	for i := range configCopy.SeedUsers {
		configCopy.SeedUsers[i].Key = maskString(configCopy.SeedUsers[i].Key)
	}

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar checks if an environment variable is critical for operation
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{
		"REDIS_PASSWORD",
		"SYMBOL_SERVICE_URL",
		"SLACK_WEBHOOK_URL",
		"TELEGRAM_BOT_TOKEN",
	}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			RateLimit:  50,
			RateBurst:  100,
		},
		Push: PushConfig{
			ListenAddr:     ":8081",
			AllowedOrigins: []string{"http://localhost:3000"},
			MaxConnections: 1000,
			RateLimit:      10,
			RateBurst:      20,
		},
		Storage: StorageConfig{
			Path: "paper_trading.db",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		SymbolService: SymbolServiceConfig{
			BaseURL:        "http://localhost:3000",
			TimeoutSeconds: 10,
			Retries:        4,
		},
		System: SystemConfig{
			LogLevel:   "INFO",
			Production: false,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		SeedUsers: []SeedUser{
			{
				Key:    "test_api_key",
				Secret: "test_api_secret",
				Balances: map[string]string{
					"USDT": "10000",
					"BTC":  "1",
				},
			},
		},
	}
}
