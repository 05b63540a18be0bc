// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// CORS origins allowed to call the API ("*" for any)
	CORSOrigins []string

	// Bridge
	BridgeURL          string
	BridgeDialAttempts int
	OperationTimeout   time.Duration

	// Chat
	SearchDebounce time.Duration

	// Omni payment sessions
	OmniSessionTTL time.Duration

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, journal is in-memory if not set)

	// Exchange rates
	PriceFeedURL    string
	DisplayCurrency string
	RatesSchedule   string

	// Background refresh of the active federation's stability pool
	RefreshSchedule string

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultBridgeURL          = "ws://127.0.0.1:9735/bridge"
	DefaultBridgeDialAttempts = 5
	DefaultOperationTimeout   = 10 * time.Minute
	DefaultSearchDebounce     = 500 * time.Millisecond
	DefaultOmniSessionTTL     = 30 * time.Minute
	DefaultDisplayCurrency    = "USD"
	DefaultRefreshSchedule    = "0 */1 * * * *" // every minute, seconds field first
	DefaultRatesSchedule      = "30 */5 * * * *"
	DefaultCORSOrigins        = "*"
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		BridgeURL:          getEnv("BRIDGE_URL", DefaultBridgeURL),
		BridgeDialAttempts: int(getEnvInt64("BRIDGE_DIAL_ATTEMPTS", DefaultBridgeDialAttempts)),
		OperationTimeout:   getEnvDuration("OPERATION_TIMEOUT", DefaultOperationTimeout),
		SearchDebounce:     getEnvDuration("SEARCH_DEBOUNCE", DefaultSearchDebounce),
		OmniSessionTTL:     getEnvDuration("OMNI_SESSION_TTL", DefaultOmniSessionTTL),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		PriceFeedURL:       os.Getenv("PRICE_FEED_URL"),
		DisplayCurrency:    strings.ToUpper(getEnv("DISPLAY_CURRENCY", DefaultDisplayCurrency)),
		RefreshSchedule:    getEnv("REFRESH_SCHEDULE", DefaultRefreshSchedule),
		RatesSchedule:      getEnv("RATES_SCHEDULE", DefaultRatesSchedule),
		CORSOrigins:        getEnvList("CORS_ORIGINS", DefaultCORSOrigins),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:   getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.BridgeURL == "" {
		return fmt.Errorf("BRIDGE_URL is required")
	}
	u, err := url.Parse(c.BridgeURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("BRIDGE_URL must be a ws:// or wss:// URL")
	}
	if c.BridgeDialAttempts < 1 {
		return fmt.Errorf("BRIDGE_DIAL_ATTEMPTS must be at least 1")
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("OPERATION_TIMEOUT must be positive")
	}
	if c.SearchDebounce < 0 {
		return fmt.Errorf("SEARCH_DEBOUNCE must not be negative")
	}
	if len(c.DisplayCurrency) != 3 {
		return fmt.Errorf("DISPLAY_CURRENCY must be a 3-letter currency code")
	}
	if c.OmniSessionTTL <= 0 {
		return fmt.Errorf("OMNI_SESSION_TTL must be positive")
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for key, spec := range map[string]string{"REFRESH_SCHEDULE": c.RefreshSchedule, "RATES_SCHEDULE": c.RatesSchedule} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("%s is not a valid cron spec: %w", key, err)
		}
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.PriceFeedURL != "" {
		if u, err := url.Parse(c.PriceFeedURL); err != nil || u.Host == "" {
			return fmt.Errorf("PRICE_FEED_URL must be an absolute URL")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	var out []string
	for _, v := range strings.Split(getEnv(key, defaultValue), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
