package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-ingest/core"
)

func schedulerDestination() core.Destination {
	return core.Destination{Domain: "acme.myshopify.com", Channel: "graphql", Operation: "orders"}
}

func TestSchedulerAdmitsWithinBudgetImmediately(t *testing.T) {
	s := NewScheduler(5, time.Minute, nil)
	dest := schedulerDestination()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Acquire(ctx, dest, core.PriorityMedium); err != nil {
			t.Fatalf("call %d should be admitted: %v", i, err)
		}
	}
	if got := s.InFlightCalls(dest); got != 5 {
		t.Fatalf("expected 5 consumed slots, got %d", got)
	}
}

func TestSchedulerQueuesSixthConcurrentCall(t *testing.T) {
	s := NewScheduler(5, 200*time.Millisecond, nil)
	dest := schedulerDestination()
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Acquire(ctx, dest, core.PriorityMedium); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			admitted.Add(1)
		}()
	}

	deadline := time.Now().Add(100 * time.Millisecond)
	for admitted.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := admitted.Load(); got != 5 {
		t.Fatalf("expected exactly 5 admissions inside the window, got %d", got)
	}
	if got := s.PendingCount(dest); got != 1 {
		t.Fatalf("expected the sixth caller queued, got %d pending", got)
	}

	// The queued caller gets in once the window rolls.
	wg.Wait()
	if got := admitted.Load(); got != 6 {
		t.Fatalf("expected the sixth caller admitted after the window, got %d", got)
	}
}

func TestSchedulerAdmitsByPriorityThenFIFO(t *testing.T) {
	s := NewScheduler(1, 80*time.Millisecond, nil)
	dest := schedulerDestination()
	ctx := context.Background()

	// Consume the only slot so everything below queues.
	if err := s.Acquire(ctx, dest, core.PriorityCritical); err != nil {
		t.Fatalf("seed acquire: %v", err)
	}

	var mu sync.Mutex
	order := []string{}
	var wg sync.WaitGroup
	launch := func(name string, priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Acquire(ctx, dest, priority); err != nil {
				t.Errorf("acquire %s: %v", name, err)
				return
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}()
		// Give each waiter time to enqueue so seq reflects launch order.
		time.Sleep(5 * time.Millisecond)
	}

	launch("background", core.PriorityBackground)
	launch("critical-1", core.PriorityCritical)
	launch("critical-2", core.PriorityCritical)
	launch("high", core.PriorityHigh)

	wg.Wait()
	want := []string{"critical-1", "critical-2", "high", "background"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("expected %d admissions, got %v", len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected admission order %v, got %v", want, order)
		}
	}
}

func TestSchedulerThrottleHoldsQueuedAdmissions(t *testing.T) {
	s := NewScheduler(1, 30*time.Millisecond, nil)
	dest := schedulerDestination()
	ctx := context.Background()

	if err := s.Acquire(ctx, dest, core.PriorityMedium); err != nil {
		t.Fatalf("seed acquire: %v", err)
	}
	s.Throttle(dest, 150*time.Millisecond)

	start := time.Now()
	if err := s.Acquire(ctx, dest, core.PriorityMedium); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("throttle hold must outlast the rolling window, waited only %s", elapsed)
	}
}

func TestSchedulerScheduleThrottlesOn429(t *testing.T) {
	s := NewScheduler(10, time.Minute, nil)
	dest := schedulerDestination()
	ctx := context.Background()

	err := s.Schedule(ctx, dest, core.PriorityMedium, func(context.Context) error {
		return core.NewRateLimitError("throttled upstream", 80*time.Millisecond)
	})
	if !core.IsRateLimited(err) {
		t.Fatalf("expected the rate limit error surfaced, got %v", err)
	}

	start := time.Now()
	if err := s.Acquire(ctx, dest, core.PriorityMedium); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected queued admission held by throttle, waited only %s", elapsed)
	}
}

func TestSchedulerAcquireHonorsContextCancel(t *testing.T) {
	s := NewScheduler(1, time.Minute, nil)
	dest := schedulerDestination()

	if err := s.Acquire(context.Background(), dest, core.PriorityMedium); err != nil {
		t.Fatalf("seed acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx, dest, core.PriorityMedium); err == nil {
		t.Fatalf("expected context cancellation while queued")
	}
	if got := s.PendingCount(dest); got != 0 {
		t.Fatalf("canceled waiter must leave the queue, got %d pending", got)
	}
}

func TestSchedulerIsolatesDestinations(t *testing.T) {
	s := NewScheduler(1, time.Minute, nil)
	ctx := context.Background()

	first := core.Destination{Domain: "a.myshopify.com", Channel: "rest", Operation: "orders"}
	second := core.Destination{Domain: "b.myshopify.com", Channel: "rest", Operation: "orders"}

	if err := s.Acquire(ctx, first, core.PriorityMedium); err != nil {
		t.Fatalf("first destination: %v", err)
	}
	if err := s.Acquire(ctx, second, core.PriorityMedium); err != nil {
		t.Fatalf("budgets must be per destination: %v", err)
	}
}

func TestSchedulerStatsTrackActivity(t *testing.T) {
	s := NewScheduler(1, 60*time.Millisecond, nil)
	dest := schedulerDestination()
	ctx := context.Background()

	if err := s.Acquire(ctx, dest, core.PriorityMedium); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.Acquire(ctx, dest, core.PriorityMedium)
	}()

	deadline := time.Now().Add(100 * time.Millisecond)
	for s.Stats().Parked == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := s.Stats(); got.Executed != 1 || got.Parked != 1 || got.MaxQueueDepth != 1 {
		t.Fatalf("unexpected stats while parked: %+v", got)
	}

	if err := <-done; err != nil {
		t.Fatalf("queued acquire: %v", err)
	}
	s.Throttle(dest, 10*time.Millisecond)

	got := s.Stats()
	if got.Executed != 2 || got.Throttled != 1 {
		t.Fatalf("unexpected final stats: %+v", got)
	}
}
