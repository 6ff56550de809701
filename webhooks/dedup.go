package webhooks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-ingest/core"
)

const defaultDedupTTL = 72 * time.Hour
const defaultDedupMaxEntries = 16384

type dedupEntry struct {
	expiresAt time.Time
	completed bool
	outcome   core.Outcome
}

// MemoryDedupLedger is the fast idempotency tier: a mutex-guarded TTL map
// with oldest-first capacity eviction. It implements core.DedupStore so it
// can also stand alone when no durable tier is configured.
type MemoryDedupLedger struct {
	mu         sync.Mutex
	defaultTTL time.Duration
	maxEntries int
	entries    map[string]dedupEntry
	Now        func() time.Time
}

func NewMemoryDedupLedger(defaultTTL time.Duration) *MemoryDedupLedger {
	return NewMemoryDedupLedgerWithLimits(defaultTTL, defaultDedupMaxEntries)
}

func NewMemoryDedupLedgerWithLimits(defaultTTL time.Duration, maxEntries int) *MemoryDedupLedger {
	if defaultTTL <= 0 {
		defaultTTL = defaultDedupTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultDedupMaxEntries
	}
	return &MemoryDedupLedger{
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		entries:    map[string]dedupEntry{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (l *MemoryDedupLedger) Claim(_ context.Context, deliveryID string, ttl time.Duration) (bool, error) {
	if l == nil {
		return false, fmt.Errorf("webhooks: dedup ledger is not configured")
	}
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return false, fmt.Errorf("webhooks: delivery id is required for dedupe")
	}
	if ttl <= 0 {
		ttl = l.defaultTTL
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneExpiredLocked(now)
	if entry, ok := l.entries[deliveryID]; ok {
		if now.Before(entry.expiresAt) {
			return false, nil
		}
		delete(l.entries, deliveryID)
	}
	l.enforceCapacityLocked(1)
	l.entries[deliveryID] = dedupEntry{expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemoryDedupLedger) CompleteWithOutcome(
	_ context.Context,
	deliveryID string,
	outcome core.Outcome,
	ttl time.Duration,
) error {
	if l == nil {
		return fmt.Errorf("webhooks: dedup ledger is not configured")
	}
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return fmt.Errorf("webhooks: delivery id is required for dedupe")
	}
	if ttl <= 0 {
		ttl = l.defaultTTL
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.enforceCapacityLocked(1)
	l.entries[deliveryID] = dedupEntry{
		expiresAt: now.Add(ttl),
		completed: true,
		outcome:   outcome,
	}
	return nil
}

func (l *MemoryDedupLedger) LookupOutcome(_ context.Context, deliveryID string) (core.Outcome, bool, error) {
	if l == nil {
		return core.Outcome{}, false, fmt.Errorf("webhooks: dedup ledger is not configured")
	}
	deliveryID = strings.TrimSpace(deliveryID)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[deliveryID]
	if !ok || !now.Before(entry.expiresAt) || !entry.completed {
		return core.Outcome{}, false, nil
	}
	return entry.outcome, true, nil
}

func (l *MemoryDedupLedger) Release(_ context.Context, deliveryID string) error {
	if l == nil {
		return fmt.Errorf("webhooks: dedup ledger is not configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, strings.TrimSpace(deliveryID))
	return nil
}

func (l *MemoryDedupLedger) PurgeExpired(_ context.Context) (int, error) {
	if l == nil {
		return 0, fmt.Errorf("webhooks: dedup ledger is not configured")
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	pruned := 0
	for key, entry := range l.entries {
		if !now.Before(entry.expiresAt) {
			delete(l.entries, key)
			pruned++
		}
	}
	return pruned, nil
}

func (l *MemoryDedupLedger) now() time.Time {
	if l != nil && l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *MemoryDedupLedger) pruneExpiredLocked(now time.Time) {
	for key, entry := range l.entries {
		if !now.Before(entry.expiresAt) {
			delete(l.entries, key)
		}
	}
}

func (l *MemoryDedupLedger) enforceCapacityLocked(incoming int) {
	if l.maxEntries <= 0 {
		return
	}
	target := l.maxEntries - incoming
	if target < 0 {
		target = 0
	}
	for len(l.entries) > target {
		l.evictOldestLocked()
	}
}

func (l *MemoryDedupLedger) evictOldestLocked() {
	var oldestKey string
	var oldestExpiry time.Time
	for key, entry := range l.entries {
		if oldestKey == "" || entry.expiresAt.Before(oldestExpiry) {
			oldestKey = key
			oldestExpiry = entry.expiresAt
		}
	}
	if oldestKey != "" {
		delete(l.entries, oldestKey)
	}
}

// Deduplicator combines the fast memory tier with an optional durable store.
// Durable-tier failures degrade to memory-only behavior and are logged; a
// broken store must never block ingestion.
type Deduplicator struct {
	Fast    *MemoryDedupLedger
	Durable core.DedupStore
	TTL     time.Duration
	Logger  core.Logger
}

func NewDeduplicator(ttl time.Duration, durable core.DedupStore, logger core.Logger) *Deduplicator {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &Deduplicator{
		Fast:    NewMemoryDedupLedger(ttl),
		Durable: durable,
		TTL:     ttl,
		Logger:  logger,
	}
}

func (d *Deduplicator) IsProcessed(ctx context.Context, deliveryID string) (bool, error) {
	if d == nil || d.Fast == nil {
		return false, fmt.Errorf("webhooks: deduplicator is not configured")
	}
	if _, found, err := d.Fast.LookupOutcome(ctx, deliveryID); err == nil && found {
		return true, nil
	}
	if d.Durable == nil {
		return false, nil
	}
	_, found, err := d.Durable.LookupOutcome(ctx, deliveryID)
	if err != nil {
		d.logDegraded(err)
		return false, nil
	}
	return found, nil
}

func (d *Deduplicator) MarkProcessed(ctx context.Context, deliveryID string, outcome core.Outcome) error {
	if d == nil || d.Fast == nil {
		return fmt.Errorf("webhooks: deduplicator is not configured")
	}
	if err := d.Fast.CompleteWithOutcome(ctx, deliveryID, outcome, d.ttl()); err != nil {
		return err
	}
	if d.Durable != nil {
		if err := d.Durable.CompleteWithOutcome(ctx, deliveryID, outcome, d.ttl()); err != nil {
			d.logDegraded(err)
		}
	}
	return nil
}

// WithDeduplication claims the delivery id across both tiers and runs fn at
// most once per retention window. Duplicates replay the stored outcome when
// one exists; a duplicate claimed while the first attempt is still in flight
// gets a generic duplicate outcome. A failed fn releases the claim so a
// redelivery can try again.
func (d *Deduplicator) WithDeduplication(
	ctx context.Context,
	deliveryID string,
	fn func(ctx context.Context) (core.Outcome, error),
) (core.Outcome, error) {
	if d == nil || d.Fast == nil {
		return core.Outcome{}, fmt.Errorf("webhooks: deduplicator is not configured")
	}
	if fn == nil {
		return core.Outcome{}, fmt.Errorf("webhooks: dedup callback is required")
	}
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return core.Outcome{}, fmt.Errorf("webhooks: delivery id is required for dedupe")
	}

	claimed, err := d.claim(ctx, deliveryID)
	if err != nil {
		return core.Outcome{}, err
	}
	if !claimed {
		if outcome, found := d.lookup(ctx, deliveryID); found {
			return outcome, nil
		}
		return core.Outcome{
			Success:    true,
			Status:     core.OutcomeStatusDuplicate,
			DeliveryID: deliveryID,
			Message:    "duplicate delivery is already being processed",
		}, nil
	}

	outcome, err := fn(ctx)
	if err != nil {
		d.release(ctx, deliveryID)
		return outcome, err
	}
	outcome.DeliveryID = deliveryID
	if markErr := d.MarkProcessed(ctx, deliveryID, outcome); markErr != nil {
		return outcome, markErr
	}
	return outcome, nil
}

// Release drops a pending claim across both tiers so a redelivery can be
// ingested again. Completed outcomes survive.
func (d *Deduplicator) Release(ctx context.Context, deliveryID string) error {
	if d == nil || d.Fast == nil {
		return fmt.Errorf("webhooks: deduplicator is not configured")
	}
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return fmt.Errorf("webhooks: delivery id is required for release")
	}
	d.release(ctx, deliveryID)
	return nil
}

func (d *Deduplicator) PurgeExpired(ctx context.Context) (int, error) {
	if d == nil || d.Fast == nil {
		return 0, fmt.Errorf("webhooks: deduplicator is not configured")
	}
	pruned, err := d.Fast.PurgeExpired(ctx)
	if err != nil {
		return 0, err
	}
	if d.Durable != nil {
		durablePruned, durableErr := d.Durable.PurgeExpired(ctx)
		if durableErr != nil {
			d.logDegraded(durableErr)
		} else {
			pruned += durablePruned
		}
	}
	return pruned, nil
}

func (d *Deduplicator) claim(ctx context.Context, deliveryID string) (bool, error) {
	if d.Durable != nil {
		claimed, err := d.Durable.Claim(ctx, deliveryID, d.ttl())
		if err == nil {
			if claimed {
				// Mirror into the fast tier; a lost race here is harmless.
				_, _ = d.Fast.Claim(ctx, deliveryID, d.ttl())
			}
			return claimed, nil
		}
		d.logDegraded(err)
	}
	return d.Fast.Claim(ctx, deliveryID, d.ttl())
}

func (d *Deduplicator) lookup(ctx context.Context, deliveryID string) (core.Outcome, bool) {
	if outcome, found, err := d.Fast.LookupOutcome(ctx, deliveryID); err == nil && found {
		return outcome, true
	}
	if d.Durable != nil {
		outcome, found, err := d.Durable.LookupOutcome(ctx, deliveryID)
		if err != nil {
			d.logDegraded(err)
			return core.Outcome{}, false
		}
		return outcome, found
	}
	return core.Outcome{}, false
}

func (d *Deduplicator) release(ctx context.Context, deliveryID string) {
	_ = d.Fast.Release(ctx, deliveryID)
	if d.Durable != nil {
		if err := d.Durable.Release(ctx, deliveryID); err != nil {
			d.logDegraded(err)
		}
	}
}

func (d *Deduplicator) ttl() time.Duration {
	if d != nil && d.TTL > 0 {
		return d.TTL
	}
	return defaultDedupTTL
}

func (d *Deduplicator) logDegraded(err error) {
	if d == nil || d.Logger == nil {
		return
	}
	d.Logger.Warn("webhooks: durable dedup tier degraded to memory", "error", err.Error())
}

var _ core.DedupStore = (*MemoryDedupLedger)(nil)
