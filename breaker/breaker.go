package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-ingest/core"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

const (
	defaultFailureThreshold         = 5
	defaultResetTimeout             = 30 * time.Second
	defaultHalfOpenSuccessThreshold = 2
	defaultIdleRetention            = time.Hour
)

// Record is the per-destination breaker state snapshot.
type Record struct {
	State             State
	FailureCount      int
	HalfOpenSuccesses int
	OpenedAt          time.Time
	NextAttemptAt     time.Time
	LastUsedAt        time.Time

	probeInFlight bool
}

// Breaker tracks failures per destination key and fails fast while a
// destination is unhealthy. In HALF_OPEN exactly one probe call is allowed
// at a time; concurrent callers get a circuit-open error until the probe
// resolves.
type Breaker struct {
	FailureThreshold         int
	ResetTimeout             time.Duration
	HalfOpenSuccessThreshold int
	IdleRetention            time.Duration

	Logger core.Logger
	Now    func() time.Time

	// Store, when set, mirrors records on state transitions and seeds
	// unknown destinations. Failure counts between transitions stay local.
	Store StateStore

	mu      sync.Mutex
	records map[string]*Record
}

func New(logger core.Logger) *Breaker {
	return &Breaker{
		FailureThreshold:         defaultFailureThreshold,
		ResetTimeout:             defaultResetTimeout,
		HalfOpenSuccessThreshold: defaultHalfOpenSuccessThreshold,
		IdleRetention:            defaultIdleRetention,
		Logger:                   logger,
		Now: func() time.Time {
			return time.Now().UTC()
		},
		records: map[string]*Record{},
	}
}

// Allow reports whether a call to the destination may proceed right now.
// It returns nil in CLOSED, transitions an expired OPEN record to HALF_OPEN
// and admits the probe, and otherwise returns a circuit-open error carrying
// the earliest retry time.
func (b *Breaker) Allow(destination core.Destination) error {
	if b == nil {
		return fmt.Errorf("breaker: breaker is not configured")
	}
	key := destination.Key()
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	record := b.recordLocked(key)
	record.LastUsedAt = now

	switch record.State {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Before(record.NextAttemptAt) {
			return core.NewCircuitOpenError(
				fmt.Sprintf("breaker: circuit open for %s", key),
				record.NextAttemptAt,
			)
		}
		record.State = StateHalfOpen
		record.HalfOpenSuccesses = 0
		record.probeInFlight = true
		b.persistLocked(key, record)
		if b.Logger != nil {
			b.Logger.Info("breaker: probing destination", "destination", key)
		}
		return nil
	case StateHalfOpen:
		if record.probeInFlight {
			return core.NewCircuitOpenError(
				fmt.Sprintf("breaker: probe in flight for %s", key),
				record.NextAttemptAt,
			)
		}
		record.probeInFlight = true
		return nil
	default:
		return fmt.Errorf("breaker: unknown state %q for %s", record.State, key)
	}
}

// RecordSuccess clears failure history in CLOSED and counts consecutive
// half-open successes until the record closes again.
func (b *Breaker) RecordSuccess(destination core.Destination) {
	if b == nil {
		return
	}
	key := destination.Key()
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	record := b.recordLocked(key)
	record.LastUsedAt = now

	switch record.State {
	case StateHalfOpen:
		record.probeInFlight = false
		record.HalfOpenSuccesses++
		if record.HalfOpenSuccesses >= b.halfOpenSuccessThreshold() {
			record.State = StateClosed
			record.FailureCount = 0
			record.HalfOpenSuccesses = 0
			record.OpenedAt = time.Time{}
			record.NextAttemptAt = time.Time{}
			b.persistLocked(key, record)
			if b.Logger != nil {
				b.Logger.Info("breaker: circuit closed", "destination", key)
			}
		}
	default:
		record.FailureCount = 0
	}
}

// RecordFailure counts a failed call. Rate-limit responses are expected
// backpressure and do not move the breaker; everything else trips the
// circuit once the threshold is reached, and any half-open failure reopens
// it immediately.
func (b *Breaker) RecordFailure(destination core.Destination, cause error) {
	if b == nil || core.IsRateLimited(cause) {
		return
	}
	key := destination.Key()
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	record := b.recordLocked(key)
	record.LastUsedAt = now

	switch record.State {
	case StateHalfOpen:
		record.probeInFlight = false
		b.openLocked(record, key, now)
	case StateClosed:
		record.FailureCount++
		if record.FailureCount >= b.failureThreshold() {
			b.openLocked(record, key, now)
		}
	}
}

// Execute wraps fn with breaker accounting for the destination.
func (b *Breaker) Execute(ctx context.Context, destination core.Destination, fn func(ctx context.Context) error) error {
	if b == nil {
		return fmt.Errorf("breaker: breaker is not configured")
	}
	if fn == nil {
		return fmt.Errorf("breaker: callback is required")
	}
	if err := b.Allow(destination); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil {
		b.RecordFailure(destination, err)
		return err
	}
	b.RecordSuccess(destination)
	return nil
}

// StateFor returns the current snapshot for a destination. Unknown
// destinations report CLOSED.
func (b *Breaker) StateFor(destination core.Destination) Record {
	if b == nil {
		return Record{State: StateClosed}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	record, ok := b.records[destination.Key()]
	if !ok {
		return Record{State: StateClosed}
	}
	return *record
}

// PruneIdle drops records that have not been touched within the idle
// retention window so one-off destinations do not accumulate forever.
func (b *Breaker) PruneIdle(_ context.Context) (int, error) {
	if b == nil {
		return 0, fmt.Errorf("breaker: breaker is not configured")
	}
	cutoff := b.now().Add(-b.idleRetention())

	b.mu.Lock()
	defer b.mu.Unlock()
	pruned := 0
	for key, record := range b.records {
		if record.LastUsedAt.Before(cutoff) {
			delete(b.records, key)
			if b.Store != nil {
				if err := b.Store.DeleteState(key); err != nil && b.Logger != nil {
					b.Logger.Warn("breaker: state store delete failed", "destination", key, "error", err.Error())
				}
			}
			pruned++
		}
	}
	return pruned, nil
}

func (b *Breaker) openLocked(record *Record, key string, now time.Time) {
	record.State = StateOpen
	record.OpenedAt = now
	record.NextAttemptAt = now.Add(b.resetTimeout())
	record.HalfOpenSuccesses = 0
	b.persistLocked(key, record)
	if b.Logger != nil {
		b.Logger.Warn("breaker: circuit opened",
			"destination", key,
			"failures", record.FailureCount,
			"retry_at", record.NextAttemptAt.Format(time.RFC3339),
		)
	}
}

func (b *Breaker) recordLocked(key string) *Record {
	if b.records == nil {
		b.records = map[string]*Record{}
	}
	record, ok := b.records[key]
	if !ok {
		record = &Record{State: StateClosed}
		if b.Store != nil {
			if stored, found, err := b.Store.LoadState(key); err != nil {
				if b.Logger != nil {
					b.Logger.Warn("breaker: state store load failed", "destination", key, "error", err.Error())
				}
			} else if found {
				stored.probeInFlight = false
				record = &stored
			}
		}
		b.records[key] = record
	}
	return record
}

// persistLocked mirrors a state transition into the store, best effort.
func (b *Breaker) persistLocked(key string, record *Record) {
	if b.Store == nil {
		return
	}
	if err := b.Store.SaveState(key, *record); err != nil && b.Logger != nil {
		b.Logger.Warn("breaker: state store save failed", "destination", key, "error", err.Error())
	}
}

func (b *Breaker) failureThreshold() int {
	if b.FailureThreshold > 0 {
		return b.FailureThreshold
	}
	return defaultFailureThreshold
}

func (b *Breaker) resetTimeout() time.Duration {
	if b.ResetTimeout > 0 {
		return b.ResetTimeout
	}
	return defaultResetTimeout
}

func (b *Breaker) halfOpenSuccessThreshold() int {
	if b.HalfOpenSuccessThreshold > 0 {
		return b.HalfOpenSuccessThreshold
	}
	return defaultHalfOpenSuccessThreshold
}

func (b *Breaker) idleRetention() time.Duration {
	if b.IdleRetention > 0 {
		return b.IdleRetention
	}
	return defaultIdleRetention
}

func (b *Breaker) now() time.Time {
	if b != nil && b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}
