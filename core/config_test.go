package core

import (
	"context"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.RateLimit.MaxCalls != 40 || cfg.RateLimit.WindowMS != 20000 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("expected retry budget of 3, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Bulk.RetentionDays != 30 || cfg.Bulk.StalledAfterHours != 3 {
		t.Fatalf("unexpected bulk sweep defaults: %+v", cfg.Bulk)
	}
}

func TestConfigValidateRejectsBadBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServiceName = "  "
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected service name validation error")
	}

	cfg = DefaultConfig()
	cfg.RateLimit.ThrottleThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected throttle threshold validation error")
	}

	cfg = DefaultConfig()
	cfg.Retry.MaxAttempts = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected retry budget validation error")
	}
}

func TestLoadConfigAppliesLayeredOverrides(t *testing.T) {
	provider := NewCfgxConfigProvider(NewStaticRawConfigLoader(map[string]any{
		"service_name": "ingest-loaded",
		"rate_limit": map[string]any{
			"max_calls": 10,
		},
	}))

	runtime := Config{}
	runtime.Retry.MaxAttempts = 5

	resolved, err := LoadConfig(context.Background(), provider, GoOptionsResolver{}, runtime)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if resolved.ServiceName != "ingest-loaded" {
		t.Fatalf("expected loaded service name, got %q", resolved.ServiceName)
	}
	if resolved.RateLimit.MaxCalls != 10 {
		t.Fatalf("expected loaded max calls 10, got %d", resolved.RateLimit.MaxCalls)
	}
	if resolved.Retry.MaxAttempts != 5 {
		t.Fatalf("expected runtime retry override 5, got %d", resolved.Retry.MaxAttempts)
	}
	if resolved.RateLimit.WindowMS != 20000 {
		t.Fatalf("expected default window to survive merge, got %d", resolved.RateLimit.WindowMS)
	}
}
