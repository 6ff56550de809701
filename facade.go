package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/adapters/gojob"
	"github.com/goliatone/go-ingest/bulk"
	ingestcommand "github.com/goliatone/go-ingest/command"
	"github.com/goliatone/go-ingest/core"
	ingestquery "github.com/goliatone/go-ingest/query"
	"github.com/goliatone/go-ingest/runner"
	"github.com/goliatone/go-ingest/scheduler"
	"github.com/goliatone/go-ingest/webhooks"

	"github.com/goliatone/go-job/queue"
)

const (
	dedupPurgeInterval    = time.Minute
	retryDispatchInterval = time.Second
	bulkSweepInterval     = time.Hour
	bulkRetentionCadence  = 24 * time.Hour
	resweepInterval       = time.Hour
	resweepBatchLimit     = 100
)

type Commands struct {
	IngestWebhook      *ingestcommand.IngestWebhookCommand
	CreateBulkJob      *ingestcommand.CreateBulkJobCommand
	StartBulkJob       *ingestcommand.StartBulkJobCommand
	RetryBulkJob       *ingestcommand.RetryBulkJobCommand
	CancelBulkJob      *ingestcommand.CancelBulkJobCommand
	ResweepDeadLetters *ingestcommand.ResweepDeadLettersCommand
	ReleaseDelivery    *ingestcommand.ReleaseDeliveryCommand
}

type Queries struct {
	GetBulkJob            *ingestquery.GetBulkJobQuery
	ListBulkJobs          *ingestquery.ListBulkJobsQuery
	BulkJobMetrics        *ingestquery.BulkJobMetricsQuery
	RegisteredTopics      *ingestquery.RegisteredTopicsQuery
	LookupDeliveryOutcome *ingestquery.LookupDeliveryOutcomeQuery
	ListDeadLetters       *ingestquery.ListDeadLettersQuery
}

// Facade wires the inbound webhook pipeline, retry scheduler, bulk export
// orchestrator, and maintenance runner into one assembly behind the
// command/query surface.
type Facade struct {
	config core.Config

	processor    *webhooks.Processor
	registry     *webhooks.Registry
	deduplicator *webhooks.Deduplicator
	scheduler    *scheduler.RetryScheduler
	orchestrator *bulk.Orchestrator
	maintenance  *runner.Runner

	commands Commands
	queries  Queries
}

type Option func(*facadeOptions)

type facadeOptions struct {
	logger  core.Logger
	metrics core.MetricsRecorder

	verifier      webhooks.Verifier
	webhookSecret string

	launcher bulk.Launcher

	stores          core.StoreProvider
	dedupStore      core.DedupStore
	deadLetterStore core.DeadLetterStore
	bulkJobStore    core.BulkJobStore

	retryQueue queue.Enqueuer

	resweepLimit int
}

func WithLogger(logger core.Logger) Option {
	return func(options *facadeOptions) {
		options.logger = logger
	}
}

func WithMetrics(metrics core.MetricsRecorder) Option {
	return func(options *facadeOptions) {
		options.metrics = metrics
	}
}

// WithVerifier replaces the verifier built from WithWebhookSecret.
func WithVerifier(verifier webhooks.Verifier) Option {
	return func(options *facadeOptions) {
		options.verifier = verifier
	}
}

func WithWebhookSecret(secret string) Option {
	return func(options *facadeOptions) {
		options.webhookSecret = secret
	}
}

// WithLauncher plugs the remote bulk export driver. Without one, bulk jobs
// can be created and listed but not started.
func WithLauncher(launcher bulk.Launcher) Option {
	return func(options *facadeOptions) {
		options.launcher = launcher
	}
}

// WithStores plugs a persistence-backed store provider, typically the SQL
// repository factory. Individual With*Store options override per concern.
func WithStores(stores core.StoreProvider) Option {
	return func(options *facadeOptions) {
		options.stores = stores
	}
}

func WithDedupStore(store core.DedupStore) Option {
	return func(options *facadeOptions) {
		options.dedupStore = store
	}
}

func WithDeadLetterStore(store core.DeadLetterStore) Option {
	return func(options *facadeOptions) {
		options.deadLetterStore = store
	}
}

func WithBulkJobStore(store core.BulkJobStore) Option {
	return func(options *facadeOptions) {
		options.bulkJobStore = store
	}
}

// WithRetryQueue routes retryable webhook failures onto a durable go-job
// queue instead of the in-process retry heap. The in-process scheduler keeps
// serving dead letter resweeps; a queue worker owns the redelivery loop.
func WithRetryQueue(enqueuer queue.Enqueuer) Option {
	return func(options *facadeOptions) {
		options.retryQueue = enqueuer
	}
}

// WithDeadLetterResweep adds an hourly maintenance pass that redrives up to
// limit parked deliveries. Off by default; resweeping replays handler side
// effects, so opting in is a host decision.
func WithDeadLetterResweep(limit int) Option {
	return func(options *facadeOptions) {
		if limit <= 0 {
			limit = resweepBatchLimit
		}
		options.resweepLimit = limit
	}
}

// New assembles a facade from configuration. Memory stores back every
// concern that is not plugged via options, so a zero-dependency assembly
// works out of the box.
func New(cfg Config, opts ...Option) (*Facade, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&options)
	}

	verifier := options.verifier
	if verifier == nil {
		if strings.TrimSpace(options.webhookSecret) == "" {
			return nil, fmt.Errorf("ingest: a webhook verifier or secret is required")
		}
		verifier = buildVerifier(cfg.Webhooks, options.webhookSecret)
	}

	dedupStore := options.dedupStore
	deadLetterStore := options.deadLetterStore
	bulkJobStore := options.bulkJobStore
	if options.stores != nil {
		if dedupStore == nil {
			dedupStore = options.stores.DedupStore()
		}
		if deadLetterStore == nil {
			deadLetterStore = options.stores.DeadLetterStore()
		}
		if bulkJobStore == nil {
			bulkJobStore = options.stores.BulkJobStore()
		}
	}
	if deadLetterStore == nil {
		deadLetterStore = scheduler.NewMemoryDeadLetterStore()
	}
	if bulkJobStore == nil {
		bulkJobStore = bulk.NewMemoryJobStore()
	}

	logger := options.logger
	metrics := options.metrics

	registry := webhooks.NewRegistry(logger)

	dedupTTL := time.Duration(cfg.Webhooks.DedupTTLHours) * time.Hour
	deduplicator := webhooks.NewDeduplicator(dedupTTL, dedupStore, logger)

	policy := scheduler.NewExponentialRetryPolicy()
	if cfg.Retry.InitialDelayMS > 0 {
		policy.InitialDelay = time.Duration(cfg.Retry.InitialDelayMS) * time.Millisecond
	}
	if cfg.Retry.MaxDelayMS > 0 {
		policy.MaxDelay = time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond
	}
	if cfg.Retry.BackoffMultiplier > 0 {
		policy.Multiplier = cfg.Retry.BackoffMultiplier
	}

	retryScheduler := scheduler.NewRetryScheduler(registry, deadLetterStore, policy, logger)
	if cfg.Retry.MaxAttempts > 0 {
		retryScheduler.MaxAttempts = cfg.Retry.MaxAttempts
	}
	retryScheduler.Metrics = metrics

	orchestrator := bulk.NewOrchestrator(bulkJobStore, options.launcher, logger)
	if cfg.Bulk.PollIntervalMS > 0 {
		orchestrator.PollInterval = time.Duration(cfg.Bulk.PollIntervalMS) * time.Millisecond
	}
	if cfg.Bulk.MaxPollAttempts > 0 {
		orchestrator.MaxPollAttempts = cfg.Bulk.MaxPollAttempts
	}
	if cfg.Bulk.MaxRetries > 0 {
		orchestrator.MaxRetries = cfg.Bulk.MaxRetries
	}
	if cfg.Bulk.StalledAfterHours > 0 {
		orchestrator.StalledAfter = time.Duration(cfg.Bulk.StalledAfterHours) * time.Hour
	}
	if cfg.Bulk.RetentionDays > 0 {
		orchestrator.Retention = time.Duration(cfg.Bulk.RetentionDays) * 24 * time.Hour
	}
	orchestrator.Metrics = metrics

	var retryEnqueuer webhooks.RetryEnqueuer = retryScheduler
	if options.retryQueue != nil {
		queueRetry := gojob.NewQueueRetryScheduler(options.retryQueue, policy, logger)
		queueRetry.DeadLetters = deadLetterStore
		if cfg.Retry.MaxAttempts > 0 {
			queueRetry.MaxAttempts = cfg.Retry.MaxAttempts
		}
		retryEnqueuer = queueRetry
	}

	processor := webhooks.NewProcessor(verifier, registry, deduplicator, retryEnqueuer, logger)
	processor.TopicHeader = cfg.Webhooks.TopicHeader
	processor.DeliveryIDHeader = cfg.Webhooks.DeliveryIDHeader
	processor.DomainHeader = cfg.Webhooks.DomainHeader
	processor.RejectInvalidSignature = cfg.Webhooks.RejectInvalidSignature
	processor.Metrics = metrics

	maintenance := runner.NewRunner(logger, metrics)
	maintenanceTasks := []runner.Task{
		runner.DedupPurgeTask(deduplicator, dedupPurgeInterval),
		runner.RetryDispatchTask(retryScheduler, retryDispatchInterval),
		runner.BulkStalledSweepTask(orchestrator, bulkSweepInterval),
		runner.BulkRetentionTask(orchestrator, bulkRetentionCadence),
	}
	if options.resweepLimit > 0 {
		maintenanceTasks = append(
			maintenanceTasks,
			runner.DeadLetterResweepTask(retryScheduler, options.resweepLimit, resweepInterval),
		)
	}
	for _, task := range maintenanceTasks {
		if err := maintenance.Add(task); err != nil {
			return nil, err
		}
	}

	outcomeReader := dedupStore
	if outcomeReader == nil {
		outcomeReader = deduplicator.Fast
	}

	facade := &Facade{
		config:       cfg,
		processor:    processor,
		registry:     registry,
		deduplicator: deduplicator,
		scheduler:    retryScheduler,
		orchestrator: orchestrator,
		maintenance:  maintenance,
	}
	facade.commands = Commands{
		IngestWebhook:      ingestcommand.NewIngestWebhookCommand(processor),
		CreateBulkJob:      ingestcommand.NewCreateBulkJobCommand(orchestrator),
		StartBulkJob:       ingestcommand.NewStartBulkJobCommand(orchestrator),
		RetryBulkJob:       ingestcommand.NewRetryBulkJobCommand(orchestrator),
		CancelBulkJob:      ingestcommand.NewCancelBulkJobCommand(orchestrator),
		ResweepDeadLetters: ingestcommand.NewResweepDeadLettersCommand(retryScheduler),
		ReleaseDelivery:    ingestcommand.NewReleaseDeliveryCommand(deduplicator),
	}
	facade.queries = Queries{
		GetBulkJob:            ingestquery.NewGetBulkJobQuery(orchestrator),
		ListBulkJobs:          ingestquery.NewListBulkJobsQuery(orchestrator),
		BulkJobMetrics:        ingestquery.NewBulkJobMetricsQuery(orchestrator),
		RegisteredTopics:      ingestquery.NewRegisteredTopicsQuery(registry),
		LookupDeliveryOutcome: ingestquery.NewLookupDeliveryOutcomeQuery(outcomeReader),
		ListDeadLetters:       ingestquery.NewListDeadLettersQuery(deadLetterStore),
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Config() Config {
	if f == nil {
		return Config{}
	}
	return f.config
}

// Processor exposes the inbound pipeline for transport wiring.
func (f *Facade) Processor() *webhooks.Processor {
	if f == nil {
		return nil
	}
	return f.processor
}

// Registry exposes handler registration.
func (f *Facade) Registry() *webhooks.Registry {
	if f == nil {
		return nil
	}
	return f.registry
}

func (f *Facade) Scheduler() *scheduler.RetryScheduler {
	if f == nil {
		return nil
	}
	return f.scheduler
}

func (f *Facade) Orchestrator() *bulk.Orchestrator {
	if f == nil {
		return nil
	}
	return f.orchestrator
}

// Maintenance exposes the periodic sweep runner; call Start on it once
// handlers are registered and storage is migrated.
func (f *Facade) Maintenance() *runner.Runner {
	if f == nil {
		return nil
	}
	return f.maintenance
}

func buildVerifier(cfg core.WebhookConfig, secret string) *webhooks.ShopWebhookVerifier {
	verifier := webhooks.NewShopWebhookVerifier(secret)
	verifier.SignatureHeader = cfg.SignatureHeader
	verifier.DomainHeader = cfg.DomainHeader
	verifier.TimestampHeader = cfg.TimestampHeader
	verifier.AllowedDomains = append([]string(nil), cfg.AllowedDomains...)
	verifier.DomainPattern = cfg.DomainPattern
	if cfg.FreshnessWindowMS > 0 {
		verifier.FreshnessWindow = time.Duration(cfg.FreshnessWindowMS) * time.Millisecond
	}
	return verifier
}
