package config

import (
	"testing"
	"time"
)

func TestLoadRuntime(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LLM_CACHE_TTL", "10m")

	cfg, err := LoadRuntime()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLMCacheTTL != 10*time.Minute {
		t.Errorf("LLMCacheTTL = %v", cfg.LLMCacheTTL)
	}
	if cfg.LLMRateLimit != 10 {
		t.Errorf("LLMRateLimit default = %d", cfg.LLMRateLimit)
	}
	if cfg.LLMTimeout != 30*time.Second {
		t.Errorf("LLMTimeout default = %v", cfg.LLMTimeout)
	}
}

func TestLoadRuntimeRequiresLLMBaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LLM_ENABLED", "true")
	t.Setenv("LLM_BASE_URL", "")

	if _, err := LoadRuntime(); err == nil {
		t.Error("LLM_ENABLED without LLM_BASE_URL must fail")
	}
}
