package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-ingest/core"
)

const defaultMaxAttempts = 3

// HandlerResolver is satisfied by the webhook registry.
type HandlerResolver interface {
	Resolve(topic string) (core.Handler, bool)
}

type retryEntry struct {
	event   core.InboundEvent
	tier    int
	readyAt time.Time
	seq     uint64
	index   int
}

// retryQueue orders pending retries by readiness, then tier, then arrival.
type retryQueue []*retryEntry

func (q retryQueue) Len() int { return len(q) }

func (q retryQueue) Less(i, j int) bool {
	if !q[i].readyAt.Equal(q[j].readyAt) {
		return q[i].readyAt.Before(q[j].readyAt)
	}
	if q[i].tier != q[j].tier {
		return q[i].tier < q[j].tier
	}
	return q[i].seq < q[j].seq
}

func (q retryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *retryQueue) Push(x any) {
	entry := x.(*retryEntry)
	entry.index = len(*q)
	*q = append(*q, entry)
}

func (q *retryQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*q = old[:n-1]
	return entry
}

// DispatchStats reports one drain pass over the due retries.
type DispatchStats struct {
	Dispatched   int
	Succeeded    int
	Requeued     int
	DeadLettered int
}

// RetryScheduler holds failed deliveries until their backoff elapses and
// redrives them through the handler registry. One entry exists per delivery
// id: scheduling again replaces the pending timer instead of double-queueing.
type RetryScheduler struct {
	Resolver   HandlerResolver
	DeadLetter core.DeadLetterStore
	Policy     ExponentialRetryPolicy

	MaxAttempts int

	Logger  core.Logger
	Metrics core.MetricsRecorder

	Now func() time.Time

	mu      sync.Mutex
	queue   retryQueue
	pending map[string]*retryEntry
	seq     uint64
}

func NewRetryScheduler(
	resolver HandlerResolver,
	deadLetter core.DeadLetterStore,
	policy ExponentialRetryPolicy,
	logger core.Logger,
) *RetryScheduler {
	return &RetryScheduler{
		Resolver:    resolver,
		DeadLetter:  deadLetter,
		Policy:      policy,
		MaxAttempts: defaultMaxAttempts,
		Logger:      logger,
		Now: func() time.Time {
			return time.Now().UTC()
		},
		pending: map[string]*retryEntry{},
	}
}

// ScheduleRetry books the next attempt for a failed delivery. Once the
// attempt budget is spent the delivery moves to the dead letter store
// instead.
func (s *RetryScheduler) ScheduleRetry(ctx context.Context, event core.InboundEvent, cause error) error {
	if s == nil {
		return fmt.Errorf("scheduler: retry scheduler is not configured")
	}
	if strings.TrimSpace(event.DeliveryID) == "" {
		return fmt.Errorf("scheduler: event delivery id is required")
	}

	if event.Attempts >= s.maxAttempts() {
		return s.deadLetter(ctx, event, "retry budget exhausted", cause)
	}

	delay := s.Policy.Delay(event.Attempts)
	readyAt := s.now().Add(delay)
	next := event
	next.Attempts = event.Attempts + 1
	if next.Priority == 0 {
		next.Priority = TierPriority(TopicTier(next.Topic))
	}

	s.enqueue(next, readyAt)
	if s.Logger != nil {
		s.Logger.Info("scheduler: retry booked",
			"delivery_id", next.DeliveryID,
			"topic", next.Topic,
			"attempt", next.Attempts,
			"delay_ms", delay.Milliseconds(),
		)
	}
	return nil
}

// Enqueue places an event directly on the queue at readyAt. A pending entry
// for the same delivery id is replaced; the higher attempt count survives the
// merge so redeliveries cannot reset the budget.
func (s *RetryScheduler) Enqueue(event core.InboundEvent, readyAt time.Time) {
	if s == nil || strings.TrimSpace(event.DeliveryID) == "" {
		return
	}
	s.enqueue(event, readyAt)
}

func (s *RetryScheduler) enqueue(event core.InboundEvent, readyAt time.Time) {
	readyAt = readyAt.UTC()
	tier := TopicTier(event.Topic)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = map[string]*retryEntry{}
	}
	if existing, ok := s.pending[event.DeliveryID]; ok {
		if event.Attempts < existing.event.Attempts {
			event.Attempts = existing.event.Attempts
		}
		existing.event = event
		existing.tier = tier
		existing.readyAt = readyAt
		heap.Fix(&s.queue, existing.index)
		return
	}
	s.seq++
	entry := &retryEntry{event: event, tier: tier, readyAt: readyAt, seq: s.seq}
	heap.Push(&s.queue, entry)
	s.pending[event.DeliveryID] = entry
}

// DispatchDue drains every entry whose backoff has elapsed and runs it
// through the resolver. Retryable failures go back through ScheduleRetry;
// terminal failures and missing handlers dead letter immediately.
func (s *RetryScheduler) DispatchDue(ctx context.Context) (DispatchStats, error) {
	stats := DispatchStats{}
	if s == nil {
		return stats, fmt.Errorf("scheduler: retry scheduler is not configured")
	}
	if s.Resolver == nil {
		return stats, fmt.Errorf("scheduler: handler resolver is required")
	}

	now := s.now()
	for {
		entry, ok := s.popDue(now)
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			// Put the entry back; the next pass picks it up.
			s.enqueue(entry.event, entry.readyAt)
			return stats, err
		}

		stats.Dispatched++
		event := entry.event

		handler, found := s.Resolver.Resolve(event.Topic)
		if !found {
			stats.DeadLettered++
			_ = s.deadLetter(ctx, event, "no handler registered", nil)
			continue
		}

		err := s.runHandler(ctx, handler, event)
		switch {
		case err == nil:
			stats.Succeeded++
		case core.IsRetryable(err) && event.Attempts < s.maxAttempts():
			stats.Requeued++
			if scheduleErr := s.ScheduleRetry(ctx, event, err); scheduleErr != nil {
				return stats, scheduleErr
			}
		default:
			stats.DeadLettered++
			_ = s.deadLetter(ctx, event, "handler failed", err)
		}
	}

	if s.Metrics != nil && stats.Dispatched > 0 {
		s.Metrics.IncCounter(ctx, "ingest.scheduler.dispatched.total", int64(stats.Dispatched), nil)
		s.Metrics.IncCounter(ctx, "ingest.scheduler.deadlettered.total", int64(stats.DeadLettered), nil)
	}
	return stats, nil
}

// Resweep moves dead letters back onto the retry queue for one more pass.
// Attempt counters carry over untouched, so a delivery that fails again goes
// straight back to the dead letter store.
func (s *RetryScheduler) Resweep(ctx context.Context, limit int) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("scheduler: retry scheduler is not configured")
	}
	if s.DeadLetter == nil {
		return 0, fmt.Errorf("scheduler: dead letter store is required for resweep")
	}

	letters, err := s.DeadLetter.List(ctx, limit)
	if err != nil {
		return 0, err
	}
	now := s.now()
	requeued := 0
	for _, letter := range letters {
		event := core.InboundEvent{
			DeliveryID:    letter.DeliveryID,
			Topic:         letter.Topic,
			SourceDomain:  letter.SourceDomain,
			Payload:       letter.Payload,
			CorrelationID: letter.CorrelationID,
			Attempts:      letter.Attempts,
			Priority:      letter.Priority,
		}
		s.enqueue(event, now)
		if err := s.DeadLetter.Remove(ctx, letter.ID); err != nil {
			return requeued, err
		}
		requeued++
	}
	if requeued > 0 && s.Logger != nil {
		s.Logger.Info("scheduler: dead letters requeued", "count", requeued)
	}
	return requeued, nil
}

// Run drives DispatchDue on a fixed cadence until ctx is canceled.
func (s *RetryScheduler) Run(ctx context.Context, interval time.Duration) error {
	if s == nil {
		return fmt.Errorf("scheduler: retry scheduler is not configured")
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.DispatchDue(ctx); err != nil && ctx.Err() == nil {
				if s.Logger != nil {
					s.Logger.Error("scheduler: dispatch pass failed", "error", err.Error())
				}
			}
		}
	}
}

// PendingCount reports how many deliveries are waiting on a retry timer.
func (s *RetryScheduler) PendingCount() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Cancel removes a pending retry, if one exists, for the delivery id.
func (s *RetryScheduler) Cancel(deliveryID string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[deliveryID]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, entry.index)
	delete(s.pending, deliveryID)
	return true
}

func (s *RetryScheduler) popDue(now time.Time) (*retryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	head := s.queue[0]
	if head.readyAt.After(now) {
		return nil, false
	}
	entry := heap.Pop(&s.queue).(*retryEntry)
	delete(s.pending, entry.event.DeliveryID)
	return entry, true
}

func (s *RetryScheduler) runHandler(ctx context.Context, handler core.Handler, event core.InboundEvent) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = core.NewPermanentError(
				fmt.Sprintf("scheduler: handler panic for topic %s: %v", event.Topic, recovered),
				500,
			)
		}
	}()
	return handler.Handle(ctx, event)
}

func (s *RetryScheduler) deadLetter(ctx context.Context, event core.InboundEvent, reason string, cause error) error {
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
		s.Logger.Warn("scheduler: delivery dead lettered", fields...)
	}
	if s.DeadLetter == nil {
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
	_, err := s.DeadLetter.Add(ctx, letter)
	return err
}

func (s *RetryScheduler) maxAttempts() int {
	if s != nil && s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return defaultMaxAttempts
}

func (s *RetryScheduler) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

var _ heap.Interface = (*retryQueue)(nil)
