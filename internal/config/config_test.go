package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		BridgeURL:          DefaultBridgeURL,
		BridgeDialAttempts: DefaultBridgeDialAttempts,
		OperationTimeout:   DefaultOperationTimeout,
		SearchDebounce:     DefaultSearchDebounce,
		OmniSessionTTL:     DefaultOmniSessionTTL,
		DisplayCurrency:    DefaultDisplayCurrency,
		RefreshSchedule:    DefaultRefreshSchedule,
		RatesSchedule:      DefaultRatesSchedule,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "BRIDGE_URL", "")
	setEnv(t, "OPERATION_TIMEOUT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultBridgeURL, cfg.BridgeURL)
	assert.Equal(t, DefaultOperationTimeout, cfg.OperationTimeout)
	assert.Equal(t, DefaultSearchDebounce, cfg.SearchDebounce)
	assert.Equal(t, DefaultRefreshSchedule, cfg.RefreshSchedule)
	assert.Equal(t, DefaultRatesSchedule, cfg.RatesSchedule)
	assert.Equal(t, DefaultOmniSessionTTL, cfg.OmniSessionTTL)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "BRIDGE_URL", "wss://bridge.local/ws")
	setEnv(t, "OPERATION_TIMEOUT", "90s")
	setEnv(t, "SEARCH_DEBOUNCE", "250ms")
	setEnv(t, "BRIDGE_DIAL_ATTEMPTS", "8")
	setEnv(t, "DISPLAY_CURRENCY", "eur")
	setEnv(t, "REFRESH_SCHEDULE", "@every 30s")
	setEnv(t, "CORS_ORIGINS", "https://wallet.example, https://app.example")
	setEnv(t, "OMNI_SESSION_TTL", "5m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "wss://bridge.local/ws", cfg.BridgeURL)
	assert.Equal(t, 90*time.Second, cfg.OperationTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.SearchDebounce)
	assert.Equal(t, 8, cfg.BridgeDialAttempts)
	assert.Equal(t, "EUR", cfg.DisplayCurrency)
	assert.Equal(t, "@every 30s", cfg.RefreshSchedule)
	assert.Equal(t, []string{"https://wallet.example", "https://app.example"}, cfg.CORSOrigins)
	assert.Equal(t, 5*time.Minute, cfg.OmniSessionTTL)
}

func TestLoad_BadDurationFallsBackToDefault(t *testing.T) {
	setEnv(t, "OPERATION_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultOperationTimeout, cfg.OperationTimeout)
}

func TestLoad_InvalidBridgeURL(t *testing.T) {
	setEnv(t, "BRIDGE_URL", "http://bridge.local")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ws:// or wss://")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"missing bridge url", func(c *Config) { c.BridgeURL = "" }, "BRIDGE_URL is required"},
		{"zero dial attempts", func(c *Config) { c.BridgeDialAttempts = 0 }, "BRIDGE_DIAL_ATTEMPTS"},
		{"zero timeout", func(c *Config) { c.OperationTimeout = 0 }, "OPERATION_TIMEOUT"},
		{"negative debounce", func(c *Config) { c.SearchDebounce = -time.Second }, "SEARCH_DEBOUNCE"},
		{"bad currency", func(c *Config) { c.DisplayCurrency = "EURO" }, "DISPLAY_CURRENCY"},
		{"bad schedule", func(c *Config) { c.RefreshSchedule = "whenever" }, "REFRESH_SCHEDULE"},
		{"empty schedule disables refresh", func(c *Config) { c.RefreshSchedule = "" }, ""},
		{"relative price feed", func(c *Config) { c.PriceFeedURL = "/prices" }, "PRICE_FEED_URL"},
		{"sample ratio above one", func(c *Config) { c.TraceSampleRatio = 1.5 }, "OTEL_TRACES_SAMPLER_ARG"},
		{"absolute price feed", func(c *Config) { c.PriceFeedURL = "https://prices.example/btc" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}
