package breaker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-ingest/core"
)

func testBreaker(clock *time.Time) *Breaker {
	b := New(nil)
	b.FailureThreshold = 3
	b.ResetTimeout = 30 * time.Second
	b.HalfOpenSuccessThreshold = 2
	b.Now = func() time.Time { return *clock }
	return b
}

func testDestination() core.Destination {
	return core.Destination{Domain: "acme.myshopify.com", Channel: "graphql", Operation: "bulkOperationRunQuery"}
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	clock := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	b := testBreaker(&clock)
	dest := testDestination()

	for i := 0; i < 2; i++ {
		if err := b.Allow(dest); err != nil {
			t.Fatalf("call %d: expected closed circuit: %v", i, err)
		}
		b.RecordFailure(dest, core.NewTransientError("503"))
	}
	if got := b.StateFor(dest).State; got != StateClosed {
		t.Fatalf("two failures must stay closed at threshold 3, got %s", got)
	}

	b.RecordFailure(dest, core.NewTransientError("503"))
	if got := b.StateFor(dest).State; got != StateOpen {
		t.Fatalf("third failure must open the circuit, got %s", got)
	}

	err := b.Allow(dest)
	if err == nil {
		t.Fatalf("open circuit must reject calls")
	}
	if !core.IsCircuitOpen(err) {
		t.Fatalf("expected circuit-open classification, got %v", err)
	}
}

func TestBreakerHalfOpenRecoverySequence(t *testing.T) {
	clock := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	b := testBreaker(&clock)
	dest := testDestination()

	for i := 0; i < 3; i++ {
		b.RecordFailure(dest, core.NewTransientError("503"))
	}
	if got := b.StateFor(dest).State; got != StateOpen {
		t.Fatalf("expected open circuit, got %s", got)
	}

	clock = clock.Add(31 * time.Second)
	if err := b.Allow(dest); err != nil {
		t.Fatalf("expired open circuit must admit a probe: %v", err)
	}
	if got := b.StateFor(dest).State; got != StateHalfOpen {
		t.Fatalf("expected half-open after probe admission, got %s", got)
	}

	// First success keeps the circuit half-open at threshold 2.
	b.RecordSuccess(dest)
	if got := b.StateFor(dest).State; got != StateHalfOpen {
		t.Fatalf("one success must not close at threshold 2, got %s", got)
	}

	if err := b.Allow(dest); err != nil {
		t.Fatalf("resolved probe must admit the next call: %v", err)
	}
	b.RecordSuccess(dest)
	if got := b.StateFor(dest).State; got != StateClosed {
		t.Fatalf("second consecutive success must close, got %s", got)
	}
	if failures := b.StateFor(dest).FailureCount; failures != 0 {
		t.Fatalf("closing must reset the failure count, got %d", failures)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	b := testBreaker(&clock)
	dest := testDestination()

	for i := 0; i < 3; i++ {
		b.RecordFailure(dest, core.NewTransientError("503"))
	}
	clock = clock.Add(31 * time.Second)
	if err := b.Allow(dest); err != nil {
		t.Fatalf("probe admission: %v", err)
	}

	b.RecordFailure(dest, core.NewTransientError("503"))
	if got := b.StateFor(dest).State; got != StateOpen {
		t.Fatalf("half-open failure must reopen, got %s", got)
	}
	record := b.StateFor(dest)
	if !record.NextAttemptAt.Equal(clock.Add(30 * time.Second)) {
		t.Fatalf("reopen must restart the reset timeout, got %s", record.NextAttemptAt)
	}
}

func TestBreakerSingleProbeSlot(t *testing.T) {
	clock := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	b := testBreaker(&clock)
	dest := testDestination()

	for i := 0; i < 3; i++ {
		b.RecordFailure(dest, core.NewTransientError("503"))
	}
	clock = clock.Add(31 * time.Second)
	if err := b.Allow(dest); err != nil {
		t.Fatalf("first caller takes the probe slot: %v", err)
	}
	if err := b.Allow(dest); err == nil {
		t.Fatalf("second caller must be rejected while the probe is in flight")
	} else if !core.IsCircuitOpen(err) {
		t.Fatalf("expected circuit-open classification, got %v", err)
	}
}

func TestBreakerIgnoresRateLimitFailures(t *testing.T) {
	clock := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	b := testBreaker(&clock)
	dest := testDestination()

	for i := 0; i < 10; i++ {
		b.RecordFailure(dest, core.NewRateLimitError("throttled", 5*time.Second))
	}
	if got := b.StateFor(dest).State; got != StateClosed {
		t.Fatalf("rate-limit responses must not trip the breaker, got %s", got)
	}
}

func TestBreakerExecuteRoundtrip(t *testing.T) {
	clock := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	b := testBreaker(&clock)
	dest := testDestination()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, dest, func(context.Context) error {
			return fmt.Errorf("connection refused")
		})
		if err == nil {
			t.Fatalf("expected execute to surface the call error")
		}
	}

	err := b.Execute(ctx, dest, func(context.Context) error {
		t.Fatalf("open circuit must not invoke the callback")
		return nil
	})
	if !core.IsCircuitOpen(err) {
		t.Fatalf("expected circuit-open error, got %v", err)
	}
}

func TestBreakerPruneIdle(t *testing.T) {
	clock := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	b := testBreaker(&clock)
	b.IdleRetention = time.Hour

	stale := core.Destination{Domain: "old.myshopify.com", Channel: "rest", Operation: "orders"}
	fresh := core.Destination{Domain: "new.myshopify.com", Channel: "rest", Operation: "orders"}

	b.RecordFailure(stale, core.NewTransientError("503"))
	clock = clock.Add(2 * time.Hour)
	b.RecordFailure(fresh, core.NewTransientError("503"))

	pruned, err := b.PruneIdle(context.Background())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected one stale record pruned, got %d", pruned)
	}
	if got := b.StateFor(fresh).FailureCount; got != 1 {
		t.Fatalf("fresh record must survive pruning, got %+v", b.StateFor(fresh))
	}
}

func TestBreakerStateStoreMirrorsTransitions(t *testing.T) {
	clock := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStateStore()
	b := testBreaker(&clock)
	b.Store = store
	dest := testDestination()

	for i := 0; i < 3; i++ {
		b.RecordFailure(dest, core.NewTransientError("503"))
	}
	stored, found, err := store.LoadState(dest.Key())
	if err != nil || !found {
		t.Fatalf("expected stored open record, got %v %v", found, err)
	}
	if stored.State != StateOpen {
		t.Fatalf("expected OPEN mirrored, got %s", stored.State)
	}

	fresh := testBreaker(&clock)
	fresh.Store = store
	if err := fresh.Allow(dest); !core.IsCircuitOpen(err) {
		t.Fatalf("expected hydrated breaker to fail fast, got %v", err)
	}

	clock = clock.Add(time.Minute)
	if err := fresh.Allow(dest); err != nil {
		t.Fatalf("expected probe admission after reset timeout: %v", err)
	}
	fresh.RecordSuccess(dest)
	fresh.RecordSuccess(dest)
	stored, _, _ = store.LoadState(dest.Key())
	if stored.State != StateClosed {
		t.Fatalf("expected CLOSED mirrored after recovery, got %s", stored.State)
	}
}
