// Package config handles application configuration from environment
// variables, with an optional YAML file for non-secret tunables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis URL for the quota ledger (optional)

	// Upstreams
	ExtractorURL      string
	ExtractorAPIKey   string
	ExtractorTimeout  time.Duration
	MaxContentChars   int
	CompletionURL     string
	CompletionAPIKey  string
	CompletionModel   string
	CompletionTimeout time.Duration

	// Quota policy
	QuotaResetHour int
	QuotaTimezone  string // IANA name, or "Local"
	AnonFreeTurns  int
	SignupCredits  int

	// Security
	RateLimitRPM int
	CORSOrigins  []string
	AdminSecret  string

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64 // fraction of root spans kept, 0..1
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultExtractorURL      = "https://api.firecrawl.dev"
	DefaultCompletionURL     = "https://api.openai.com"
	DefaultCompletionModel   = "gpt-4o-mini"
	DefaultMaxContentChars   = 15000
	DefaultQuotaResetHour    = 23
	DefaultQuotaTimezone     = "Local"
	DefaultAnonFreeTurns     = 2
	DefaultSignupCredits     = 20
	DefaultRateLimit         = 60
	DefaultExtractorTimeout  = 30 * time.Second
	DefaultCompletionTimeout = 60 * time.Second
)

// fileConfig is the shape of the optional CLICENSE_CONFIG_FILE.
// Secrets are deliberately absent: they only come from the environment.
type fileConfig struct {
	Server struct {
		Port         string   `yaml:"port"`
		LogLevel     string   `yaml:"logLevel"`
		LogFormat    string   `yaml:"logFormat"`
		RateLimitRPM int      `yaml:"rateLimitRPM"`
		CORSOrigins  []string `yaml:"corsOrigins"`
	} `yaml:"server"`
	Extractor struct {
		URL      string        `yaml:"url"`
		MaxChars int           `yaml:"maxChars"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"extractor"`
	Completion struct {
		URL     string        `yaml:"url"`
		Model   string        `yaml:"model"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"completion"`
	Quota struct {
		ResetHour     *int   `yaml:"resetHour"`
		Timezone      string `yaml:"timezone"`
		AnonFreeTurns int    `yaml:"anonFreeTurns"`
		SignupCredits int    `yaml:"signupCredits"`
	} `yaml:"quota"`
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("CLICENSE_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:              DefaultPort,
		Env:               DefaultEnv,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
		ExtractorURL:      DefaultExtractorURL,
		ExtractorTimeout:  DefaultExtractorTimeout,
		MaxContentChars:   DefaultMaxContentChars,
		CompletionURL:     DefaultCompletionURL,
		CompletionModel:   DefaultCompletionModel,
		CompletionTimeout: DefaultCompletionTimeout,
		QuotaResetHour:    DefaultQuotaResetHour,
		QuotaTimezone:     DefaultQuotaTimezone,
		AnonFreeTurns:     DefaultAnonFreeTurns,
		SignupCredits:     DefaultSignupCredits,
		RateLimitRPM:      DefaultRateLimit,
		CORSOrigins:       []string{"*"},
	}
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.Port, f.Server.Port)
	setString(&c.LogLevel, f.Server.LogLevel)
	setString(&c.LogFormat, f.Server.LogFormat)
	setInt(&c.RateLimitRPM, f.Server.RateLimitRPM)
	if len(f.Server.CORSOrigins) > 0 {
		c.CORSOrigins = f.Server.CORSOrigins
	}
	setString(&c.ExtractorURL, f.Extractor.URL)
	setInt(&c.MaxContentChars, f.Extractor.MaxChars)
	if f.Extractor.Timeout > 0 {
		c.ExtractorTimeout = f.Extractor.Timeout
	}
	setString(&c.CompletionURL, f.Completion.URL)
	setString(&c.CompletionModel, f.Completion.Model)
	if f.Completion.Timeout > 0 {
		c.CompletionTimeout = f.Completion.Timeout
	}
	if f.Quota.ResetHour != nil {
		c.QuotaResetHour = *f.Quota.ResetHour
	}
	setString(&c.QuotaTimezone, f.Quota.Timezone)
	setInt(&c.AnonFreeTurns, f.Quota.AnonFreeTurns)
	setInt(&c.SignupCredits, f.Quota.SignupCredits)
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.Env = getEnv("ENV", c.Env)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.DatabaseURL = os.Getenv("DATABASE_URL")
	c.RedisURL = os.Getenv("REDIS_URL")

	c.ExtractorURL = getEnv("EXTRACTOR_URL", c.ExtractorURL)
	c.ExtractorAPIKey = os.Getenv("EXTRACTOR_API_KEY")
	c.ExtractorTimeout = getEnvDuration("EXTRACTOR_TIMEOUT", c.ExtractorTimeout)
	c.MaxContentChars = int(getEnvInt64("MAX_CONTENT_CHARS", int64(c.MaxContentChars)))
	c.CompletionURL = getEnv("COMPLETION_URL", c.CompletionURL)
	c.CompletionAPIKey = os.Getenv("COMPLETION_API_KEY")
	c.CompletionModel = getEnv("COMPLETION_MODEL", c.CompletionModel)
	c.CompletionTimeout = getEnvDuration("COMPLETION_TIMEOUT", c.CompletionTimeout)

	c.QuotaResetHour = int(getEnvInt64("QUOTA_RESET_HOUR", int64(c.QuotaResetHour)))
	c.QuotaTimezone = getEnv("QUOTA_TIMEZONE", c.QuotaTimezone)
	c.AnonFreeTurns = int(getEnvInt64("ANON_FREE_TURNS", int64(c.AnonFreeTurns)))
	c.SignupCredits = int(getEnvInt64("SIGNUP_CREDITS", int64(c.SignupCredits)))

	c.RateLimitRPM = int(getEnvInt64("RATE_LIMIT_RPM", int64(c.RateLimitRPM)))
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		c.CORSOrigins = splitList(origins)
	}
	c.AdminSecret = os.Getenv("ADMIN_SECRET")
	c.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	c.TraceSampleRatio = getEnvFloat("TRACE_SAMPLE_RATIO", 1)
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if !c.IsDevelopment() {
		if c.CompletionAPIKey == "" {
			return fmt.Errorf("COMPLETION_API_KEY is required outside development")
		}
		if c.ExtractorAPIKey == "" {
			return fmt.Errorf("EXTRACTOR_API_KEY is required outside development")
		}
	}
	if c.QuotaResetHour < 0 || c.QuotaResetHour > 23 {
		return fmt.Errorf("QUOTA_RESET_HOUR must be between 0 and 23, got %d", c.QuotaResetHour)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("QUOTA_TIMEZONE: %w", err)
	}
	if c.MaxContentChars <= 0 {
		return fmt.Errorf("MAX_CONTENT_CHARS must be positive")
	}
	if c.AnonFreeTurns < 0 || c.SignupCredits < 0 {
		return fmt.Errorf("ANON_FREE_TURNS and SIGNUP_CREDITS must not be negative")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1, got %g", c.TraceSampleRatio)
	}
	return nil
}

// Location resolves QuotaTimezone.
func (c *Config) Location() (*time.Location, error) {
	if c.QuotaTimezone == "" || strings.EqualFold(c.QuotaTimezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.QuotaTimezone)
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

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
