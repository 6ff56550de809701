package ratelimit

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-ingest/core"
)

const (
	defaultMaxCalls = 40
	defaultWindow   = 20 * time.Second
)

type waiter struct {
	priority int
	seq      uint64
	ready    chan struct{}
	canceled bool
	index    int
}

// waiterQueue admits the highest priority first and FIFO within a priority.
// Strict ordering is intentional: a steady stream of critical work may
// starve background work.
type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }

func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waiterQueue) Push(x any) {
	entry := x.(*waiter)
	entry.index = len(*q)
	*q = append(*q, entry)
}

func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*q = old[:n-1]
	return entry
}

type bucket struct {
	calls          []time.Time
	pending        waiterQueue
	throttledUntil time.Time
	pumpArmed      bool
}

// Scheduler admits at most MaxCalls calls per rolling Window per
// destination. Callers over budget queue up and are admitted highest
// priority first as slots free. A throttle report holds every queued
// admission for the destination until the hold expires.
type Scheduler struct {
	MaxCalls int
	Window   time.Duration

	Logger  core.Logger
	Metrics core.MetricsRecorder

	Now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	seq     uint64
	stats   Stats
}

// Stats counts scheduler activity since construction. MaxQueueDepth is the
// high-water mark across all destinations.
type Stats struct {
	Executed      int64
	Parked        int64
	Throttled     int64
	MaxQueueDepth int
}

func NewScheduler(maxCalls int, window time.Duration, logger core.Logger) *Scheduler {
	if maxCalls <= 0 {
		maxCalls = defaultMaxCalls
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &Scheduler{
		MaxCalls: maxCalls,
		Window:   window,
		Logger:   logger,
		Now: func() time.Time {
			return time.Now().UTC()
		},
		buckets: map[string]*bucket{},
	}
}

// Acquire blocks until the caller may make one call to the destination, or
// until ctx is done. A nil return means a window slot was consumed.
func (s *Scheduler) Acquire(ctx context.Context, destination core.Destination, priority int) error {
	if s == nil {
		return fmt.Errorf("ratelimit: scheduler is not configured")
	}
	key := destination.Key()

	s.mu.Lock()
	b := s.bucketLocked(key)
	now := s.now()
	s.pruneLocked(b, now)

	if len(b.pending) == 0 && s.admittableLocked(b, now) {
		b.calls = append(b.calls, now)
		s.stats.Executed++
		s.mu.Unlock()
		return nil
	}

	s.seq++
	entry := &waiter{priority: priority, seq: s.seq, ready: make(chan struct{})}
	heap.Push(&b.pending, entry)
	s.stats.Parked++
	if depth := len(b.pending); depth > s.stats.MaxQueueDepth {
		s.stats.MaxQueueDepth = depth
	}
	s.armPumpLocked(key, b, now)
	s.mu.Unlock()

	select {
	case <-entry.ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-entry.ready:
			// Admitted while we were canceling; give the slot back.
			s.releaseLocked(b)
		default:
			entry.canceled = true
			if entry.index >= 0 {
				heap.Remove(&b.pending, entry.index)
			}
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Schedule runs fn under the destination budget. A rate-limit error from fn
// throttles the destination so queued admissions hold until the hint
// elapses.
func (s *Scheduler) Schedule(
	ctx context.Context,
	destination core.Destination,
	priority int,
	fn func(ctx context.Context) error,
) error {
	if s == nil {
		return fmt.Errorf("ratelimit: scheduler is not configured")
	}
	if fn == nil {
		return fmt.Errorf("ratelimit: callback is required")
	}
	if err := s.Acquire(ctx, destination, priority); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil && core.IsRateLimited(err) {
		retryAfter := core.RetryAfterFromError(err)
		if retryAfter <= 0 {
			retryAfter = 5 * time.Second
		}
		s.Throttle(destination, retryAfter)
	}
	return err
}

// Throttle holds all queued admissions for the destination for the given
// duration, typically sourced from a 429 retry-after hint.
func (s *Scheduler) Throttle(destination core.Destination, duration time.Duration) {
	if s == nil || duration <= 0 {
		return
	}
	key := destination.Key()

	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketLocked(key)
	until := s.now().Add(duration)
	if until.After(b.throttledUntil) {
		b.throttledUntil = until
	}
	s.stats.Throttled++
	s.armPumpLocked(key, b, s.now())
	if s.Logger != nil {
		s.Logger.Warn("ratelimit: destination throttled",
			"destination", key,
			"hold_ms", duration.Milliseconds(),
		)
	}
}

// PendingCount reports how many callers are queued for the destination.
func (s *Scheduler) PendingCount(destination core.Destination) int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[destination.Key()]
	if !ok {
		return 0
	}
	count := 0
	for _, entry := range b.pending {
		if !entry.canceled {
			count++
		}
	}
	return count
}

// Stats returns a snapshot of scheduler activity counters.
func (s *Scheduler) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// InFlightCalls reports how many window slots the destination has consumed.
func (s *Scheduler) InFlightCalls(destination core.Destination) int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[destination.Key()]
	if !ok {
		return 0
	}
	s.pruneLocked(b, s.now())
	return len(b.calls)
}

func (s *Scheduler) bucketLocked(key string) *bucket {
	if s.buckets == nil {
		s.buckets = map[string]*bucket{}
	}
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{}
		s.buckets[key] = b
	}
	return b
}

func (s *Scheduler) admittableLocked(b *bucket, now time.Time) bool {
	if now.Before(b.throttledUntil) {
		return false
	}
	return len(b.calls) < s.maxCalls()
}

func (s *Scheduler) pruneLocked(b *bucket, now time.Time) {
	cutoff := now.Add(-s.window())
	kept := b.calls[:0]
	for _, at := range b.calls {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	b.calls = kept
}

// pumpLocked admits queued waiters while slots are free.
func (s *Scheduler) pumpLocked(key string, b *bucket, now time.Time) {
	s.pruneLocked(b, now)
	for len(b.pending) > 0 && s.admittableLocked(b, now) {
		entry := heap.Pop(&b.pending).(*waiter)
		if entry.canceled {
			continue
		}
		b.calls = append(b.calls, now)
		s.stats.Executed++
		close(entry.ready)
	}
	if len(b.pending) > 0 {
		s.armPumpLocked(key, b, now)
	}
}

// armPumpLocked schedules one wakeup at the next moment a slot could free:
// either the oldest window entry expiring or the throttle hold ending.
func (s *Scheduler) armPumpLocked(key string, b *bucket, now time.Time) {
	if b.pumpArmed || len(b.pending) == 0 {
		return
	}
	delay := time.Millisecond
	if now.Before(b.throttledUntil) {
		delay = b.throttledUntil.Sub(now)
	} else if len(b.calls) >= s.maxCalls() && len(b.calls) > 0 {
		delay = b.calls[0].Add(s.window()).Sub(now)
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	b.pumpArmed = true
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		b.pumpArmed = false
		s.pumpLocked(key, b, s.now())
	})
}

func (s *Scheduler) releaseLocked(b *bucket) {
	if len(b.calls) > 0 {
		b.calls = b.calls[:len(b.calls)-1]
	}
}

func (s *Scheduler) maxCalls() int {
	if s.MaxCalls > 0 {
		return s.MaxCalls
	}
	return defaultMaxCalls
}

func (s *Scheduler) window() time.Duration {
	if s.Window > 0 {
		return s.Window
	}
	return defaultWindow
}

func (s *Scheduler) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

var _ heap.Interface = (*waiterQueue)(nil)
