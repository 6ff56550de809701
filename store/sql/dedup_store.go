package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const defaultDedupTTL = 72 * time.Hour

// DedupStore is the durable idempotency tier. A unique index on delivery_id
// makes Claim a race-safe set-if-absent: the losing inserter sees a unique
// violation and reads the winner's row.
type DedupStore struct {
	db   *bun.DB
	repo repository.Repository[*processedDeliveryRecord]
}

func NewDedupStore(db *bun.DB) (*DedupStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*processedDeliveryRecord](db, processedDeliveryHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid processed delivery repository wiring: %w", err)
		}
	}
	return &DedupStore{
		db:   db,
		repo: repo,
	}, nil
}

func (s *DedupStore) Claim(ctx context.Context, deliveryID string, ttl time.Duration) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: dedup store is not configured")
	}
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return false, fmt.Errorf("sqlstore: delivery id is required")
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	now := time.Now().UTC()

	record := &processedDeliveryRecord{
		ID:         uuid.NewString(),
		DeliveryID: deliveryID,
		Completed:  false,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return s.reclaimExpired(ctx, deliveryID, ttl, now)
		}
		return false, err
	}
	return true, nil
}

// reclaimExpired takes over a row whose TTL has lapsed. The expires_at guard
// keeps concurrent reclaimers from both winning.
func (s *DedupStore) reclaimExpired(
	ctx context.Context,
	deliveryID string,
	ttl time.Duration,
	now time.Time,
) (bool, error) {
	result, err := s.db.NewUpdate().
		Model((*processedDeliveryRecord)(nil)).
		Set("completed = ?", false).
		Set("outcome = NULL").
		Set("expires_at = ?", now.Add(ttl)).
		Set("updated_at = ?", now).
		Where("delivery_id = ?", deliveryID).
		Where("expires_at <= ?", now).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *DedupStore) CompleteWithOutcome(
	ctx context.Context,
	deliveryID string,
	outcome core.Outcome,
	ttl time.Duration,
) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: dedup store is not configured")
	}
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return fmt.Errorf("sqlstore: delivery id is required")
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("sqlstore: encode dedup outcome: %w", err)
	}
	now := time.Now().UTC()

	result, err := s.db.NewUpdate().
		Model((*processedDeliveryRecord)(nil)).
		Set("completed = ?", true).
		Set("outcome = ?", payload).
		Set("expires_at = ?", now.Add(ttl)).
		Set("updated_at = ?", now).
		Where("delivery_id = ?", deliveryID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, affectedErr := result.RowsAffected(); affectedErr == nil && affected > 0 {
		return nil
	}

	record := &processedDeliveryRecord{
		ID:         uuid.NewString(),
		DeliveryID: deliveryID,
		Completed:  true,
		Outcome:    payload,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, insertErr := s.db.NewInsert().Model(record).Exec(ctx); insertErr != nil {
		if isUniqueViolation(insertErr) {
			return nil
		}
		return insertErr
	}
	return nil
}

func (s *DedupStore) LookupOutcome(ctx context.Context, deliveryID string) (core.Outcome, bool, error) {
	if s == nil || s.db == nil {
		return core.Outcome{}, false, fmt.Errorf("sqlstore: dedup store is not configured")
	}
	record := &processedDeliveryRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.delivery_id = ?", strings.TrimSpace(deliveryID)).
		Where("?TableAlias.completed = ?", true).
		Where("?TableAlias.expires_at > ?", time.Now().UTC()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Outcome{}, false, nil
		}
		return core.Outcome{}, false, err
	}
	outcome := core.Outcome{}
	if err := json.Unmarshal(record.Outcome, &outcome); err != nil {
		return core.Outcome{}, false, fmt.Errorf("sqlstore: decode dedup outcome: %w", err)
	}
	return outcome, true, nil
}

// Release drops an unfinished claim so a redelivery can try again. Completed
// outcomes are kept until their TTL lapses.
func (s *DedupStore) Release(ctx context.Context, deliveryID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: dedup store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*processedDeliveryRecord)(nil)).
		Where("delivery_id = ?", strings.TrimSpace(deliveryID)).
		Where("completed = ?", false).
		Exec(ctx)
	return err
}

func (s *DedupStore) PurgeExpired(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: dedup store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*processedDeliveryRecord)(nil)).
		Where("expires_at <= ?", time.Now().UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return deletedRows(result)
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

var _ core.DedupStore = (*DedupStore)(nil)
