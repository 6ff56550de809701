package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

func DefaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return ingestErrorMapper(err)
}

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

func NewStaticRawConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// LoadConfig runs the provider and resolver pipeline: defaults, then loaded
// configuration, then runtime overrides, highest scope winning per key.
func LoadConfig(
	ctx context.Context,
	provider ConfigProvider,
	resolver OptionsResolver,
	runtime Config,
) (Config, error) {
	defaults := DefaultConfig()
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	webhooks := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Webhooks.SignatureHeader) != "" {
		webhooks["signature_header"] = cfg.Webhooks.SignatureHeader
	}
	if includeZero || strings.TrimSpace(cfg.Webhooks.DomainHeader) != "" {
		webhooks["domain_header"] = cfg.Webhooks.DomainHeader
	}
	if includeZero || strings.TrimSpace(cfg.Webhooks.TimestampHeader) != "" {
		webhooks["timestamp_header"] = cfg.Webhooks.TimestampHeader
	}
	if includeZero || strings.TrimSpace(cfg.Webhooks.TopicHeader) != "" {
		webhooks["topic_header"] = cfg.Webhooks.TopicHeader
	}
	if includeZero || strings.TrimSpace(cfg.Webhooks.DeliveryIDHeader) != "" {
		webhooks["delivery_id_header"] = cfg.Webhooks.DeliveryIDHeader
	}
	if includeZero || len(cfg.Webhooks.AllowedDomains) > 0 {
		webhooks["allowed_domains"] = append([]string(nil), cfg.Webhooks.AllowedDomains...)
	}
	if includeZero || strings.TrimSpace(cfg.Webhooks.DomainPattern) != "" {
		webhooks["domain_pattern"] = cfg.Webhooks.DomainPattern
	}
	if includeZero || cfg.Webhooks.FreshnessWindowMS > 0 {
		webhooks["freshness_window_ms"] = cfg.Webhooks.FreshnessWindowMS
	}
	if includeZero || cfg.Webhooks.RejectInvalidSignature {
		webhooks["reject_invalid_signature"] = cfg.Webhooks.RejectInvalidSignature
	}
	if includeZero || cfg.Webhooks.DedupTTLHours > 0 {
		webhooks["dedup_ttl_hours"] = cfg.Webhooks.DedupTTLHours
	}
	if len(webhooks) > 0 {
		layer["webhooks"] = webhooks
	}

	retry := map[string]any{}
	if includeZero || cfg.Retry.MaxAttempts > 0 {
		retry["max_attempts"] = cfg.Retry.MaxAttempts
	}
	if includeZero || cfg.Retry.InitialDelayMS > 0 {
		retry["initial_delay_ms"] = cfg.Retry.InitialDelayMS
	}
	if includeZero || cfg.Retry.MaxDelayMS > 0 {
		retry["max_delay_ms"] = cfg.Retry.MaxDelayMS
	}
	if includeZero || cfg.Retry.BackoffMultiplier > 0 {
		retry["backoff_multiplier"] = cfg.Retry.BackoffMultiplier
	}
	if len(retry) > 0 {
		layer["retry"] = retry
	}

	breaker := map[string]any{}
	if includeZero || cfg.Breaker.FailureThreshold > 0 {
		breaker["failure_threshold"] = cfg.Breaker.FailureThreshold
	}
	if includeZero || cfg.Breaker.ResetTimeoutMS > 0 {
		breaker["reset_timeout_ms"] = cfg.Breaker.ResetTimeoutMS
	}
	if includeZero || cfg.Breaker.HalfOpenSuccessThreshold > 0 {
		breaker["half_open_success_threshold"] = cfg.Breaker.HalfOpenSuccessThreshold
	}
	if includeZero || cfg.Breaker.IdleRetentionMS > 0 {
		breaker["idle_retention_ms"] = cfg.Breaker.IdleRetentionMS
	}
	if len(breaker) > 0 {
		layer["breaker"] = breaker
	}

	rateLimit := map[string]any{}
	if includeZero || cfg.RateLimit.MaxCalls > 0 {
		rateLimit["max_calls"] = cfg.RateLimit.MaxCalls
	}
	if includeZero || cfg.RateLimit.WindowMS > 0 {
		rateLimit["window_ms"] = cfg.RateLimit.WindowMS
	}
	if includeZero || cfg.RateLimit.ThrottleThreshold > 0 {
		rateLimit["throttle_threshold"] = cfg.RateLimit.ThrottleThreshold
	}
	if includeZero || cfg.RateLimit.DefaultRetryAfterMS > 0 {
		rateLimit["default_retry_after_ms"] = cfg.RateLimit.DefaultRetryAfterMS
	}
	if len(rateLimit) > 0 {
		layer["rate_limit"] = rateLimit
	}

	bulk := map[string]any{}
	if includeZero || cfg.Bulk.PollIntervalMS > 0 {
		bulk["poll_interval_ms"] = cfg.Bulk.PollIntervalMS
	}
	if includeZero || cfg.Bulk.MaxPollAttempts > 0 {
		bulk["max_poll_attempts"] = cfg.Bulk.MaxPollAttempts
	}
	if includeZero || cfg.Bulk.MaxRetries > 0 {
		bulk["max_retries"] = cfg.Bulk.MaxRetries
	}
	if includeZero || cfg.Bulk.StalledAfterHours > 0 {
		bulk["stalled_after_hours"] = cfg.Bulk.StalledAfterHours
	}
	if includeZero || cfg.Bulk.RetentionDays > 0 {
		bulk["retention_days"] = cfg.Bulk.RetentionDays
	}
	if len(bulk) > 0 {
		layer["bulk"] = bulk
	}

	return layer
}
