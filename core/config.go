package core

import (
	"fmt"
	"strings"
)

type WebhookConfig struct {
	SignatureHeader        string   `koanf:"signature_header" mapstructure:"signature_header"`
	DomainHeader           string   `koanf:"domain_header" mapstructure:"domain_header"`
	TimestampHeader        string   `koanf:"timestamp_header" mapstructure:"timestamp_header"`
	TopicHeader            string   `koanf:"topic_header" mapstructure:"topic_header"`
	DeliveryIDHeader       string   `koanf:"delivery_id_header" mapstructure:"delivery_id_header"`
	AllowedDomains         []string `koanf:"allowed_domains" mapstructure:"allowed_domains"`
	DomainPattern          string   `koanf:"domain_pattern" mapstructure:"domain_pattern"`
	FreshnessWindowMS      int      `koanf:"freshness_window_ms" mapstructure:"freshness_window_ms"`
	RejectInvalidSignature bool     `koanf:"reject_invalid_signature" mapstructure:"reject_invalid_signature"`
	DedupTTLHours          int      `koanf:"dedup_ttl_hours" mapstructure:"dedup_ttl_hours"`
}

type RetryConfig struct {
	MaxAttempts       int     `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialDelayMS    int     `koanf:"initial_delay_ms" mapstructure:"initial_delay_ms"`
	MaxDelayMS        int     `koanf:"max_delay_ms" mapstructure:"max_delay_ms"`
	BackoffMultiplier float64 `koanf:"backoff_multiplier" mapstructure:"backoff_multiplier"`
}

type BreakerConfig struct {
	FailureThreshold         int `koanf:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutMS           int `koanf:"reset_timeout_ms" mapstructure:"reset_timeout_ms"`
	HalfOpenSuccessThreshold int `koanf:"half_open_success_threshold" mapstructure:"half_open_success_threshold"`
	IdleRetentionMS          int `koanf:"idle_retention_ms" mapstructure:"idle_retention_ms"`
}

type RateLimitConfig struct {
	MaxCalls            int     `koanf:"max_calls" mapstructure:"max_calls"`
	WindowMS            int     `koanf:"window_ms" mapstructure:"window_ms"`
	ThrottleThreshold   float64 `koanf:"throttle_threshold" mapstructure:"throttle_threshold"`
	DefaultRetryAfterMS int     `koanf:"default_retry_after_ms" mapstructure:"default_retry_after_ms"`
}

type BulkConfig struct {
	PollIntervalMS    int `koanf:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	MaxPollAttempts   int `koanf:"max_poll_attempts" mapstructure:"max_poll_attempts"`
	MaxRetries        int `koanf:"max_retries" mapstructure:"max_retries"`
	StalledAfterHours int `koanf:"stalled_after_hours" mapstructure:"stalled_after_hours"`
	RetentionDays     int `koanf:"retention_days" mapstructure:"retention_days"`
}

type Config struct {
	ServiceName string          `koanf:"service_name" mapstructure:"service_name"`
	Webhooks    WebhookConfig   `koanf:"webhooks" mapstructure:"webhooks"`
	Retry       RetryConfig     `koanf:"retry" mapstructure:"retry"`
	Breaker     BreakerConfig   `koanf:"breaker" mapstructure:"breaker"`
	RateLimit   RateLimitConfig `koanf:"rate_limit" mapstructure:"rate_limit"`
	Bulk        BulkConfig      `koanf:"bulk" mapstructure:"bulk"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "ingest",
		Webhooks: WebhookConfig{
			SignatureHeader:   "X-Shopify-Hmac-Sha256",
			DomainHeader:      "X-Shopify-Shop-Domain",
			TimestampHeader:   "X-Shopify-Hmac-Timestamp",
			TopicHeader:       "X-Shopify-Topic",
			DeliveryIDHeader:  "X-Shopify-Webhook-Id",
			DomainPattern:     `^[a-zA-Z0-9][a-zA-Z0-9\-]*\.myshopify\.com$`,
			FreshnessWindowMS: 5 * 60 * 1000,
			DedupTTLHours:     72,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialDelayMS:    1000,
			MaxDelayMS:        5 * 60 * 1000,
			BackoffMultiplier: 2,
		},
		Breaker: BreakerConfig{
			FailureThreshold:         5,
			ResetTimeoutMS:           30 * 1000,
			HalfOpenSuccessThreshold: 2,
			IdleRetentionMS:          60 * 60 * 1000,
		},
		RateLimit: RateLimitConfig{
			MaxCalls:            40,
			WindowMS:            20 * 1000,
			ThrottleThreshold:   0.95,
			DefaultRetryAfterMS: 5 * 1000,
		},
		Bulk: BulkConfig{
			PollIntervalMS:    5 * 1000,
			MaxPollAttempts:   60,
			MaxRetries:        3,
			StalledAfterHours: 3,
			RetentionDays:     30,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("core: retry.max_attempts must not be negative")
	}
	if c.Retry.BackoffMultiplier < 0 {
		return fmt.Errorf("core: retry.backoff_multiplier must not be negative")
	}
	if c.Breaker.FailureThreshold < 0 {
		return fmt.Errorf("core: breaker.failure_threshold must not be negative")
	}
	if c.Breaker.HalfOpenSuccessThreshold < 0 {
		return fmt.Errorf("core: breaker.half_open_success_threshold must not be negative")
	}
	if c.RateLimit.MaxCalls < 0 || c.RateLimit.WindowMS < 0 {
		return fmt.Errorf("core: rate_limit bounds must not be negative")
	}
	if c.RateLimit.ThrottleThreshold < 0 || c.RateLimit.ThrottleThreshold > 1 {
		return fmt.Errorf("core: rate_limit.throttle_threshold must be within [0, 1]")
	}
	if c.Bulk.MaxPollAttempts < 0 || c.Bulk.MaxRetries < 0 {
		return fmt.Errorf("core: bulk poll and retry budgets must not be negative")
	}
	return nil
}
