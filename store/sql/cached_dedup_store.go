package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const dedupOutcomeCacheKeyPrefix = "go-ingest::dedup_outcome::v1"

// dedupOutcomeSnapshot caches misses as well as hits so repeat redeliveries
// of an unknown id do not keep hitting the database.
type dedupOutcomeSnapshot struct {
	Found   bool
	Outcome core.Outcome
}

type CachedDedupStore struct {
	base  core.DedupStore
	cache repositorycache.CacheService
}

func NewCachedDedupStore(
	base core.DedupStore,
	cacheService repositorycache.CacheService,
) (*CachedDedupStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base dedup store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: dedup cache service is required")
	}
	return &CachedDedupStore{base: base, cache: cacheService}, nil
}

// DedupOutcomeCacheKey returns the deterministic cache key contract for
// replayed outcome reads: go-ingest::dedup_outcome::v1::<delivery_id> with
// the delivery id URL-path escaped.
func DedupOutcomeCacheKey(deliveryID string) (string, error) {
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return "", fmt.Errorf("sqlstore: delivery id is required")
	}
	return dedupOutcomeCacheKeyPrefix + "::" + url.PathEscape(deliveryID), nil
}

func (s *CachedDedupStore) Claim(ctx context.Context, deliveryID string, ttl time.Duration) (bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return false, fmt.Errorf("sqlstore: cached dedup store is not configured")
	}
	claimed, err := s.base.Claim(ctx, deliveryID, ttl)
	if err != nil {
		return false, err
	}
	if claimed {
		if invalidateErr := s.invalidate(ctx, deliveryID); invalidateErr != nil {
			return false, invalidateErr
		}
	}
	return claimed, nil
}

func (s *CachedDedupStore) CompleteWithOutcome(
	ctx context.Context,
	deliveryID string,
	outcome core.Outcome,
	ttl time.Duration,
) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached dedup store is not configured")
	}
	if err := s.base.CompleteWithOutcome(ctx, deliveryID, outcome, ttl); err != nil {
		return err
	}
	return s.invalidate(ctx, deliveryID)
}

func (s *CachedDedupStore) LookupOutcome(ctx context.Context, deliveryID string) (core.Outcome, bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Outcome{}, false, fmt.Errorf("sqlstore: cached dedup store is not configured")
	}
	cacheKey, err := DedupOutcomeCacheKey(deliveryID)
	if err != nil {
		return core.Outcome{}, false, err
	}
	snapshot, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (dedupOutcomeSnapshot, error) {
		outcome, found, fetchErr := s.base.LookupOutcome(ctx, deliveryID)
		if fetchErr != nil {
			return dedupOutcomeSnapshot{}, fetchErr
		}
		return dedupOutcomeSnapshot{
			Found:   found,
			Outcome: outcome,
		}, nil
	})
	if err != nil {
		return core.Outcome{}, false, err
	}
	return snapshot.Outcome, snapshot.Found, nil
}

func (s *CachedDedupStore) Release(ctx context.Context, deliveryID string) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached dedup store is not configured")
	}
	if err := s.base.Release(ctx, deliveryID); err != nil {
		return err
	}
	return s.invalidate(ctx, deliveryID)
}

func (s *CachedDedupStore) PurgeExpired(ctx context.Context) (int, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return 0, fmt.Errorf("sqlstore: cached dedup store is not configured")
	}
	return s.base.PurgeExpired(ctx)
}

func (s *CachedDedupStore) invalidate(ctx context.Context, deliveryID string) error {
	cacheKey, err := DedupOutcomeCacheKey(deliveryID)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

var _ core.DedupStore = (*CachedDedupStore)(nil)
