package core

import (
	"context"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// InboundRequest carries the raw bytes and headers of a delivery exactly as
// received. Body is the signed payload; mutating it invalidates verification.
type InboundRequest struct {
	Headers    map[string]string
	Body       []byte
	ReceivedAt time.Time
	Metadata   map[string]any
}

type InboundEvent struct {
	DeliveryID    string
	Topic         string
	SourceDomain  string
	Payload       []byte
	CorrelationID string
	ReceivedAt    time.Time
	Attempts      int
	Priority      int
	Metadata      map[string]any
}

const (
	OutcomeStatusAccepted  = "accepted"
	OutcomeStatusDuplicate = "duplicate"
	OutcomeStatusRejected  = "rejected"
	OutcomeStatusRetrying  = "retrying"
	OutcomeStatusFailed    = "failed"
	OutcomeStatusNoHandler = "no_handler"
)

type Outcome struct {
	Success       bool
	Status        string
	DeliveryID    string
	CorrelationID string
	Message       string
	Error         string
	Metadata      map[string]any
}

type Handler interface {
	Handle(ctx context.Context, event InboundEvent) error
}

type HandlerFunc func(ctx context.Context, event InboundEvent) error

func (f HandlerFunc) Handle(ctx context.Context, event InboundEvent) error {
	return f(ctx, event)
}

// Destination identifies one remote call target for circuit and budget
// accounting, e.g. shop acme.myshopify.com, channel graphql, operation
// bulkOperationRunQuery.
type Destination struct {
	Domain    string
	Channel   string
	Operation string
}

func (d Destination) Normalize() Destination {
	return Destination{
		Domain:    strings.TrimSpace(strings.ToLower(d.Domain)),
		Channel:   strings.TrimSpace(strings.ToLower(d.Channel)),
		Operation: strings.TrimSpace(d.Operation),
	}
}

func (d Destination) Key() string {
	n := d.Normalize()
	return "shop:" + n.Domain + ":" + n.Channel + ":" + n.Operation
}

const (
	PriorityCritical   = 100
	PriorityHigh       = 75
	PriorityMedium     = 50
	PriorityLow        = 25
	PriorityBackground = 10
)

// DedupStore is the durable idempotency tier. Claim has set-if-absent
// semantics: the first caller for a delivery id wins the claim.
type DedupStore interface {
	Claim(ctx context.Context, deliveryID string, ttl time.Duration) (bool, error)
	CompleteWithOutcome(ctx context.Context, deliveryID string, outcome Outcome, ttl time.Duration) error
	LookupOutcome(ctx context.Context, deliveryID string) (Outcome, bool, error)
	Release(ctx context.Context, deliveryID string) error
	PurgeExpired(ctx context.Context) (int, error)
}

type DeadLetter struct {
	ID            string
	DeliveryID    string
	Topic         string
	SourceDomain  string
	Priority      int
	Attempts      int
	Payload       []byte
	Reason        string
	LastError     string
	CorrelationID string
	CreatedAt     time.Time
}

type DeadLetterStore interface {
	Add(ctx context.Context, letter DeadLetter) (DeadLetter, error)
	List(ctx context.Context, limit int) ([]DeadLetter, error)
	Remove(ctx context.Context, id string) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// StoreProvider exposes the persistence-backed stores as one wiring surface.
type StoreProvider interface {
	BulkJobStore() BulkJobStore
	DeadLetterStore() DeadLetterStore
	DedupStore() DedupStore
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

func NewCorrelationID() string {
	return uuid.NewString()
}

func HeaderValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func CloneAnyMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	output := make(map[string]any, len(input))
	for key, value := range input {
		output[key] = value
	}
	return output
}

func MergeAnyMap(left map[string]any, right map[string]any) map[string]any {
	if len(left) == 0 && len(right) == 0 {
		return map[string]any{}
	}
	merged := map[string]any{}
	for key, value := range left {
		merged[key] = value
	}
	for key, value := range right {
		merged[key] = value
	}
	return merged
}
