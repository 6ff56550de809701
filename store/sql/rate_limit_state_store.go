package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goliatone/go-ingest/core"
	"github.com/goliatone/go-ingest/ratelimit"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type RateLimitStateStore struct {
	db   *bun.DB
	repo repository.Repository[*rateLimitStateRecord]
}

func NewRateLimitStateStore(db *bun.DB) (*RateLimitStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*rateLimitStateRecord](db, rateLimitStateHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid rate-limit state repository wiring: %w", err)
		}
	}
	return &RateLimitStateStore{
		db:   db,
		repo: repo,
	}, nil
}

func (s *RateLimitStateStore) Get(ctx context.Context, destination core.Destination) (ratelimit.State, error) {
	if s == nil || s.db == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	record := &rateLimitStateRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.destination_key = ?", destination.Key()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return ratelimit.State{}, ratelimit.ErrStateNotFound
		}
		return ratelimit.State{}, err
	}
	return rateLimitStateToDomain(record), nil
}

func (s *RateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	state.Destination = state.Destination.Normalize()
	now := time.Now().UTC()
	record := newRateLimitStateRecord(state, now)

	result, err := s.db.NewUpdate().
		Model(record).
		ExcludeColumn("id", "created_at").
		Where("destination_key = ?", record.DestinationKey).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, affectedErr := result.RowsAffected(); affectedErr == nil && affected > 0 {
		return nil
	}

	record.ID = uuid.NewString()
	record.CreatedAt = now
	if _, insertErr := s.db.NewInsert().Model(record).Exec(ctx); insertErr != nil {
		if isUniqueViolation(insertErr) {
			return nil
		}
		return insertErr
	}
	return nil
}

func newRateLimitStateRecord(state ratelimit.State, now time.Time) *rateLimitStateRecord {
	destination := state.Destination.Normalize()
	record := &rateLimitStateRecord{
		DestinationKey: destination.Key(),
		Domain:         destination.Domain,
		Channel:        destination.Channel,
		Operation:      destination.Operation,
		CallLimit:      state.Limit,
		Remaining:      state.Remaining,
		LastStatus:     state.LastStatus,
		Attempts:       state.Attempts,
		Metadata:       core.CloneAnyMap(state.Metadata),
		UpdatedAt:      now,
	}
	if state.ResetAt != nil {
		value := state.ResetAt.UTC()
		record.ResetAt = &value
	}
	if state.RetryAfter != nil {
		value := state.RetryAfter.Milliseconds()
		record.RetryAfterMS = &value
	}
	if state.ThrottledUntil != nil {
		value := state.ThrottledUntil.UTC()
		record.ThrottledUntil = &value
	}
	return record
}

func rateLimitStateToDomain(record *rateLimitStateRecord) ratelimit.State {
	if record == nil {
		return ratelimit.State{}
	}
	state := ratelimit.State{
		Destination: core.Destination{
			Domain:    record.Domain,
			Channel:   record.Channel,
			Operation: record.Operation,
		},
		Limit:      record.CallLimit,
		Remaining:  record.Remaining,
		LastStatus: record.LastStatus,
		Attempts:   record.Attempts,
		UpdatedAt:  record.UpdatedAt,
		Metadata:   core.CloneAnyMap(record.Metadata),
	}
	if record.ResetAt != nil {
		value := record.ResetAt.UTC()
		state.ResetAt = &value
	}
	if record.RetryAfterMS != nil {
		value := time.Duration(*record.RetryAfterMS) * time.Millisecond
		state.RetryAfter = &value
	}
	if record.ThrottledUntil != nil {
		value := record.ThrottledUntil.UTC()
		state.ThrottledUntil = &value
	}
	return state
}

var _ ratelimit.StateStore = (*RateLimitStateStore)(nil)
