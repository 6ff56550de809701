package gojob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
	"github.com/goliatone/go-ingest/scheduler"
	"github.com/goliatone/go-ingest/webhooks"

	"github.com/goliatone/go-job/queue"
)

var _ webhooks.RetryEnqueuer = (*QueueRetryScheduler)(nil)

const defaultQueueMaxAttempts = 3

// QueueRetryScheduler parks retryable webhook failures on a durable go-job
// queue instead of the in-process retry heap. Backoff rides the queue's
// scheduled-enqueue support when the backend offers it; adapters without it
// get the message immediately with the delay recorded on the parameters.
type QueueRetryScheduler struct {
	Enqueuer    queue.Enqueuer
	Policy      scheduler.ExponentialRetryPolicy
	MaxAttempts int
	DeadLetters core.DeadLetterStore

	Logger core.Logger

	Now func() time.Time
}

func NewQueueRetryScheduler(
	enqueuer queue.Enqueuer,
	policy scheduler.ExponentialRetryPolicy,
	logger core.Logger,
) *QueueRetryScheduler {
	return &QueueRetryScheduler{
		Enqueuer:    enqueuer,
		Policy:      policy,
		MaxAttempts: defaultQueueMaxAttempts,
		Logger:      logger,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// ScheduleRetry books the next attempt for a failed delivery on the queue.
// Once the attempt budget is spent the delivery moves to the dead letter
// store instead.
func (s *QueueRetryScheduler) ScheduleRetry(ctx context.Context, event core.InboundEvent, cause error) error {
	if s == nil || s.Enqueuer == nil {
		return fmt.Errorf("gojob: retry enqueuer is not configured")
	}
	if strings.TrimSpace(event.DeliveryID) == "" {
		return fmt.Errorf("gojob: event delivery id is required")
	}

	if event.Attempts >= s.maxAttempts() {
		return s.deadLetter(ctx, event, "retry budget exhausted", cause)
	}

	delay := s.Policy.Delay(event.Attempts)
	next := event
	next.Attempts = event.Attempts + 1
	if next.Priority == 0 {
		next.Priority = scheduler.TierPriority(scheduler.TopicTier(next.Topic))
	}

	msg := RetryMessage(next)
	receipt, err := s.enqueue(ctx, msg, delay)
	if err != nil {
		return err
	}
	if s.Logger != nil {
		s.Logger.Info("gojob: retry enqueued",
			"delivery_id", next.DeliveryID,
			"topic", next.Topic,
			"attempt", next.Attempts,
			"delay_ms", delay.Milliseconds(),
			"dispatch_id", receipt.DispatchID,
		)
	}
	return nil
}

func (s *QueueRetryScheduler) enqueue(ctx context.Context, msg *core.JobExecutionMessage, delay time.Duration) (queue.EnqueueReceipt, error) {
	converted := ToExecutionMessage(msg)
	if delay <= 0 {
		return s.Enqueuer.Enqueue(ctx, converted)
	}
	if scheduled, ok := s.Enqueuer.(queue.ScheduledEnqueuer); ok {
		return scheduled.EnqueueAfter(ctx, converted, delay)
	}
	if converted.Parameters == nil {
		converted.Parameters = map[string]any{}
	}
	converted.Parameters["retry_delay_ms"] = delay.Milliseconds()
	return s.Enqueuer.Enqueue(ctx, converted)
}

func (s *QueueRetryScheduler) deadLetter(ctx context.Context, event core.InboundEvent, reason string, cause error) error {
	if s.Logger != nil {
		fields := []any{
			"delivery_id", event.DeliveryID,
			"topic", event.Topic,
			"attempts", event.Attempts,
			"reason", reason,
		}
		if cause != nil {
			fields = append(fields, "error", cause.Error())
		}
		s.Logger.Warn("gojob: delivery dead lettered", fields...)
	}
	if s.DeadLetters == nil {
		return nil
	}
	letter := core.DeadLetter{
		DeliveryID:    event.DeliveryID,
		Topic:         event.Topic,
		SourceDomain:  event.SourceDomain,
		Priority:      event.Priority,
		Attempts:      event.Attempts,
		Payload:       event.Payload,
		Reason:        reason,
		CorrelationID: event.CorrelationID,
		CreatedAt:     s.now(),
	}
	if cause != nil {
		letter.LastError = cause.Error()
	}
	_, err := s.DeadLetters.Add(ctx, letter)
	return err
}

func (s *QueueRetryScheduler) maxAttempts() int {
	if s != nil && s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return defaultQueueMaxAttempts
}

func (s *QueueRetryScheduler) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
