// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Runtime is the configuration for cmd/runtime: the bot-facing webhook
// and broadcast process.
type Runtime struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	LLMEnabled     bool          `env:"LLM_ENABLED" envDefault:"false"`
	LLMBaseURL     string        `env:"LLM_BASE_URL"`
	LLMModel       string        `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMTimeout     time.Duration `env:"LLM_TIMEOUT" envDefault:"30s"`
	LLMMaxRetries  int           `env:"LLM_MAX_RETRIES" envDefault:"2"`
	LLMRateLimit   int           `env:"LLM_RATE_LIMIT" envDefault:"10"`
	LLMCacheTTL    time.Duration `env:"LLM_CACHE_TTL" envDefault:"15m"`

	LogLevel              string `env:"LOG_LEVEL" envDefault:"info"`
	EventsDBRetentionDays int    `env:"EVENTS_DB_RETENTION_DAYS" envDefault:"30"`
	MetricsEnabled        bool   `env:"METRICS_ENABLED" envDefault:"true"`
	MaskSensitiveData     bool   `env:"MASK_SENSITIVE_DATA" envDefault:"true"`
}

// Admin is the configuration for cmd/admin: the tenancy-management API.
type Admin struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	ListenAddr  string `env:"ADMIN_LISTEN_ADDR" envDefault:":8081"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadRuntime reads .env (if present) then the process environment into
// a Runtime config.
func LoadRuntime() (*Runtime, error) {
	_ = godotenv.Load()

	cfg := &Runtime{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.LLMEnabled && cfg.LLMBaseURL == "" {
		return nil, fmt.Errorf("config: LLM_BASE_URL is required when LLM_ENABLED=true")
	}
	return cfg, nil
}

// LoadAdmin reads .env (if present) then the process environment into an
// Admin config.
func LoadAdmin() (*Admin, error) {
	_ = godotenv.Load()

	cfg := &Admin{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
