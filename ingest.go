package ingest

import (
	"context"

	"github.com/goliatone/go-ingest/core"
)

type Config = core.Config

type WebhookConfig = core.WebhookConfig
type RetryConfig = core.RetryConfig
type BreakerConfig = core.BreakerConfig
type RateLimitConfig = core.RateLimitConfig
type BulkConfig = core.BulkConfig

type InboundRequest = core.InboundRequest
type InboundEvent = core.InboundEvent
type Outcome = core.Outcome
type Destination = core.Destination

type Handler = core.Handler
type HandlerFunc = core.HandlerFunc

type BulkJob = core.BulkJob
type BulkJobStatus = core.BulkJobStatus
type BulkJobFilter = core.BulkJobFilter
type BulkJobPage = core.BulkJobPage
type BulkJobMetrics = core.BulkJobMetrics

type DeadLetter = core.DeadLetter

type DedupStore = core.DedupStore
type DeadLetterStore = core.DeadLetterStore
type BulkJobStore = core.BulkJobStore
type StoreProvider = core.StoreProvider

type Logger = core.Logger
type MetricsRecorder = core.MetricsRecorder

type ConfigProvider = core.ConfigProvider
type OptionsResolver = core.OptionsResolver

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// LoadConfig resolves defaults, loaded configuration, and runtime overrides
// into one validated Config.
func LoadConfig(
	ctx context.Context,
	provider ConfigProvider,
	resolver OptionsResolver,
	runtime Config,
) (Config, error) {
	return core.LoadConfig(ctx, provider, resolver, runtime)
}
