package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "static_value: 123\nkey: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "static_value: 123\nkey: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Set up environment variables
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	// Create a temporary config file with env var placeholders
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `server:
  listen_addr: ":8080"

push:
  listen_addr: ":8081"
  allowed_origins: ["http://localhost:3000"]

storage:
  path: "paper_trading.db"

redis:
  addr: "localhost:6379"
  password: "${TEST_REDIS_PASSWORD}"
  db: 2

symbol_service:
  base_url: "http://symbols.internal:3000"
  timeout_seconds: 15
  retries: 4

system:
  log_level: "INFO"

telemetry:
  metrics_port: 9090
  enable_metrics: true

seed_users:
  - key: "demo-key"
    secret: "${TEST_USER_SECRET}"
    balances:
      USDT: "10000"
      BTC: "0.5"
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	// Set environment variables
	os.Setenv("TEST_REDIS_PASSWORD", "redis_pass_from_env")
	os.Setenv("TEST_USER_SECRET", "user_secret_from_env")
	defer os.Unsetenv("TEST_REDIS_PASSWORD")
	defer os.Unsetenv("TEST_USER_SECRET")

	// Load config
	config, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	// Verify environment variables were expanded
	assert.Equal(t, Secret("redis_pass_from_env"), config.Redis.Password)
	assert.Equal(t, 2, config.Redis.DB)
	require.Len(t, config.SeedUsers, 1)
	assert.Equal(t, Secret("user_secret_from_env"), config.SeedUsers[0].Secret)
	assert.Equal(t, "10000", config.SeedUsers[0].Balances["USDT"])
	assert.Equal(t, 15, config.SymbolService.TimeoutSeconds)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	// Missing storage path and redis addr, bad log level.
	configContent := `system:
  log_level: "LOUD"
symbol_service:
  base_url: "http://localhost:3000"
`
	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	_, err = LoadConfig(tmpFile.Name())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.path")
	assert.Contains(t, err.Error(), "redis.addr")
	assert.Contains(t, err.Error(), "system.log_level")
}

func TestValidateDefaultsListenAddrs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.ListenAddr = ""
	cfg.Push.ListenAddr = ""

	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, ":8081", cfg.Push.ListenAddr)
}

func TestValidateSeedUsers(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid seed users pass",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name: "missing secret",
			mutate: func(c *Config) {
				c.SeedUsers[0].Secret = ""
			},
			wantErr: "seed_users[0].secret",
		},
		{
			name: "duplicate key",
			mutate: func(c *Config) {
				c.SeedUsers = append(c.SeedUsers, SeedUser{Key: c.SeedUsers[0].Key, Secret: "other"})
			},
			wantErr: "duplicate API key",
		},
		{
			name: "non-decimal balance",
			mutate: func(c *Config) {
				c.SeedUsers[0].Balances = map[string]string{"USDT": "lots"}
			},
			wantErr: "must be a decimal number",
		},
		{
			name: "negative balance",
			mutate: func(c *Config) {
				c.SeedUsers[0].Balances = map[string]string{"USDT": "-5"}
			},
			wantErr: "must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateRejectsWildcardOriginInProduction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Push.AllowedOrigins = []string{"*"}

	require.NoError(t, cfg.Validate(), "wildcard is tolerated outside production")

	cfg.System.Production = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push.allowed_origins")
}

func TestIsCriticalEnvVar(t *testing.T) {
	tests := []struct {
		name     string
		envVar   string
		expected bool
	}{
		{"redis password is critical", "REDIS_PASSWORD", true},
		{"symbol service url is critical", "SYMBOL_SERVICE_URL", true},
		{"slack webhook is critical", "SLACK_WEBHOOK_URL", true},
		{"telegram token is critical", "TELEGRAM_BOT_TOKEN", true},
		{"random var is not critical", "RANDOM_VAR", false},
		{"empty var is not critical", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isCriticalEnvVar(tt.envVar)
			assert.Equal(t, tt.expected, result, "isCriticalEnvVar(%q)", tt.envVar)
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Password = Secret("my_super_secret_redis_password")
	cfg.Alerts.SlackWebhookURL = Secret("https://hooks.slack.com/services/T000/B000/XXXX")
	cfg.SeedUsers = []SeedUser{
		{
			Key:    "pk_live_0123456789abcdef",
			Secret: Secret("my_super_secret_user_secret"),
		},
	}
	output := cfg.String()

	// 1. Check for fixed mask on the API key
	assert.Contains(t, output, "pk_l", "output should keep the key prefix")
	assert.Contains(t, output, "********", "output should contain masked characters")

	// 2. Ensure full cleartext is GONE
	assert.NotContains(t, output, "pk_live_0123456789abcdef", "output should NOT contain the full API key")
	assert.NotContains(t, output, "my_super_secret_redis_password", "output should NOT contain the redis password")
	assert.NotContains(t, output, "my_super_secret_user_secret", "output should NOT contain the user secret")
	assert.NotContains(t, output, "hooks.slack.com", "output should NOT contain the webhook URL")

	// 3. Secret fields redact themselves entirely
	assert.Contains(t, output, "[REDACTED]")

	// 4. String must not mutate the original
	assert.Equal(t, "pk_live_0123456789abcdef", cfg.SeedUsers[0].Key)
}

func TestConfig_StringMasksShortKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SeedUsers = []SeedUser{{Key: "tiny", Secret: "s"}}

	output := cfg.String()
	assert.NotContains(t, output, "tiny", "short keys should be fully starred, got:\n%s", output)
	assert.Contains(t, output, "****")
}

func TestSymbolServiceTimeoutDefaults(t *testing.T) {
	var c SymbolServiceConfig
	assert.Equal(t, "10s", c.Timeout().String())

	c.TimeoutSeconds = 30
	assert.Equal(t, "30s", c.Timeout().String())

	assert.Zero(t, c.CacheTTL())
	c.CacheTTLMinutes = 90
	assert.Equal(t, "1h30m0s", c.CacheTTL().String())
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}
