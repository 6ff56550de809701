package webhooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
)

// RetryEnqueuer receives events whose handlers failed with a retryable error.
type RetryEnqueuer interface {
	ScheduleRetry(ctx context.Context, event core.InboundEvent, cause error) error
}

// Processor runs one delivery through the full inbound pipeline: verify,
// dedupe, dispatch to the registered handler, and hand retryable failures to
// the scheduler. Process never panics and, unless RejectInvalidSignature is
// set, never returns an error for a bad delivery: the transport acknowledges
// everything and the outcome records what happened.
type Processor struct {
	Verifier  Verifier
	Registry  *Registry
	Dedup     *Deduplicator
	Scheduler RetryEnqueuer

	TopicHeader      string
	DeliveryIDHeader string
	DomainHeader     string

	// RejectInvalidSignature switches the transport policy from
	// accept-and-record to reject: Process returns the validation error so
	// an HTTP layer can answer with a non-200 status.
	RejectInvalidSignature bool

	Logger  core.Logger
	Metrics core.MetricsRecorder

	Now   func() time.Time
	NewID func() string
}

func NewProcessor(
	verifier Verifier,
	registry *Registry,
	dedup *Deduplicator,
	scheduler RetryEnqueuer,
	logger core.Logger,
) *Processor {
	return &Processor{
		Verifier:  verifier,
		Registry:  registry,
		Dedup:     dedup,
		Scheduler: scheduler,
		Logger:    logger,
		Now: func() time.Time {
			return time.Now().UTC()
		},
		NewID: core.NewCorrelationID,
	}
}

func (p *Processor) Process(ctx context.Context, req core.InboundRequest) (core.Outcome, error) {
	if p == nil {
		return core.Outcome{}, fmt.Errorf("webhooks: processor is not configured")
	}
	if p.Registry == nil || p.Dedup == nil {
		return core.Outcome{}, fmt.Errorf("webhooks: processor requires a registry and deduplicator")
	}

	startedAt := p.now()
	correlationID := p.newID()
	topic := normalizeTopic(core.HeaderValue(req.Headers, p.topicHeader()))
	deliveryID := p.deliveryID(req)
	domain := strings.TrimSpace(strings.ToLower(core.HeaderValue(req.Headers, p.domainHeader())))

	observer := core.Observer{Logger: p.Logger, Metrics: p.Metrics}
	fields := map[string]any{
		"topic":          topic,
		"delivery_id":    deliveryID,
		"correlation_id": correlationID,
	}

	if p.Verifier != nil {
		if err := p.Verifier.Verify(ctx, req); err != nil {
			outcome := core.Outcome{
				Status:        core.OutcomeStatusRejected,
				DeliveryID:    deliveryID,
				CorrelationID: correlationID,
				Message:       "delivery failed verification",
				Error:         err.Error(),
			}
			if reason := VerificationReason(err); reason != "" {
				fields["reason"] = reason
			}
			observer.ObserveOperation(ctx, startedAt, "webhook.rejected", nil, fields)
			if p.RejectInvalidSignature {
				return outcome, core.WithCorrelationID(err, correlationID)
			}
			return outcome, nil
		}
	}

	event := core.InboundEvent{
		DeliveryID:    deliveryID,
		Topic:         topic,
		SourceDomain:  domain,
		Payload:       req.Body,
		CorrelationID: correlationID,
		ReceivedAt:    p.receivedAt(req, startedAt),
		Metadata:      core.CloneAnyMap(req.Metadata),
	}

	outcome, err := p.Dedup.WithDeduplication(ctx, deliveryID, func(ctx context.Context) (core.Outcome, error) {
		return p.dispatch(ctx, event)
	})
	outcome.CorrelationID = correlationID
	outcome.DeliveryID = deliveryID
	observer.ObserveOperation(ctx, startedAt, "webhook.processed", err, fields)
	return outcome, err
}

// dispatch resolves and runs the handler for one claimed event. A panic in a
// handler is converted into a failed outcome and fed to the retry path like
// any other handler error.
func (p *Processor) dispatch(ctx context.Context, event core.InboundEvent) (core.Outcome, error) {
	handler, ok := p.Registry.Resolve(event.Topic)
	if !ok {
		if p.Logger != nil {
			p.Logger.Warn("webhooks: no handler registered for topic",
				"topic", event.Topic,
				"delivery_id", event.DeliveryID,
			)
		}
		return core.Outcome{
			Success:       true,
			Status:        core.OutcomeStatusNoHandler,
			CorrelationID: event.CorrelationID,
			Message:       fmt.Sprintf("no handler registered for topic %q", event.Topic),
		}, nil
	}

	handlerErr := p.runHandler(ctx, handler, event)
	if handlerErr == nil {
		return core.Outcome{
			Success:       true,
			Status:        core.OutcomeStatusAccepted,
			CorrelationID: event.CorrelationID,
		}, nil
	}

	if core.IsRetryable(handlerErr) && p.Scheduler != nil {
		if scheduleErr := p.Scheduler.ScheduleRetry(ctx, event, handlerErr); scheduleErr != nil {
			if p.Logger != nil {
				p.Logger.Error("webhooks: schedule retry failed",
					"delivery_id", event.DeliveryID,
					"error", scheduleErr.Error(),
				)
			}
		} else {
			return core.Outcome{
				Success:       true,
				Status:        core.OutcomeStatusRetrying,
				CorrelationID: event.CorrelationID,
				Error:         handlerErr.Error(),
			}, nil
		}
	}

	return core.Outcome{
		Status:        core.OutcomeStatusFailed,
		CorrelationID: event.CorrelationID,
		Error:         handlerErr.Error(),
	}, nil
}

func (p *Processor) runHandler(ctx context.Context, handler core.Handler, event core.InboundEvent) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = core.NewPermanentError(
				fmt.Sprintf("webhooks: handler panic for topic %s: %v", event.Topic, recovered),
				500,
			)
			if p.Logger != nil {
				p.Logger.Error("webhooks: handler panic recovered",
					"topic", event.Topic,
					"delivery_id", event.DeliveryID,
					"panic", fmt.Sprintf("%v", recovered),
				)
			}
		}
	}()
	return handler.Handle(ctx, event)
}

// deliveryID prefers the provider-supplied delivery id header; absent that, a
// content hash of the body stands in so byte-identical redeliveries still
// dedupe.
func (p *Processor) deliveryID(req core.InboundRequest) string {
	if id := strings.TrimSpace(core.HeaderValue(req.Headers, p.deliveryIDHeader())); id != "" {
		return id
	}
	sum := sha256.Sum256(req.Body)
	return "body-" + hex.EncodeToString(sum[:])
}

func (p *Processor) receivedAt(req core.InboundRequest, fallback time.Time) time.Time {
	if !req.ReceivedAt.IsZero() {
		return req.ReceivedAt.UTC()
	}
	return fallback
}

func (p *Processor) topicHeader() string {
	if header := strings.TrimSpace(p.TopicHeader); header != "" {
		return header
	}
	return defaultTopicHeader
}

func (p *Processor) deliveryIDHeader() string {
	if header := strings.TrimSpace(p.DeliveryIDHeader); header != "" {
		return header
	}
	return defaultDeliveryIDHeader
}

func (p *Processor) domainHeader() string {
	if header := strings.TrimSpace(p.DomainHeader); header != "" {
		return header
	}
	return defaultDomainHeader
}

func (p *Processor) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Processor) newID() string {
	if p != nil && p.NewID != nil {
		return p.NewID()
	}
	return core.NewCorrelationID()
}
