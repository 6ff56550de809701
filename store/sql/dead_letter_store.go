package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type DeadLetterStore struct {
	db   *bun.DB
	repo repository.Repository[*deadLetterRecord]
}

func NewDeadLetterStore(db *bun.DB) (*DeadLetterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*deadLetterRecord](db, deadLetterHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid dead letter repository wiring: %w", err)
		}
	}
	return &DeadLetterStore{
		db:   db,
		repo: repo,
	}, nil
}

func (s *DeadLetterStore) Add(ctx context.Context, letter core.DeadLetter) (core.DeadLetter, error) {
	if s == nil || s.db == nil {
		return core.DeadLetter{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	letter.DeliveryID = strings.TrimSpace(letter.DeliveryID)
	if letter.DeliveryID == "" {
		return core.DeadLetter{}, fmt.Errorf("sqlstore: dead letter delivery id is required")
	}
	if strings.TrimSpace(letter.ID) == "" {
		letter.ID = uuid.NewString()
	}
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = time.Now().UTC()
	}

	record := newDeadLetterRecord(letter)
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.DeadLetter{}, err
	}
	return record.toDomain(), nil
}

func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]core.DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	query := s.db.NewSelect().
		Model((*deadLetterRecord)(nil)).
		Order("created_at ASC", "id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	records := []*deadLetterRecord{}
	if err := query.Scan(ctx, &records); err != nil {
		return nil, err
	}
	letters := make([]core.DeadLetter, 0, len(records))
	for _, record := range records {
		letters = append(letters, record.toDomain())
	}
	return letters, nil
}

func (s *DeadLetterStore) Remove(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*deadLetterRecord)(nil)).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, affectedErr := result.RowsAffected(); affectedErr == nil && affected == 0 {
		return fmt.Errorf("sqlstore: dead letter not found for id %q", id)
	}
	return nil
}

func (s *DeadLetterStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*deadLetterRecord)(nil)).
		Where("created_at < ?", cutoff.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return deletedRows(result)
}

var _ core.DeadLetterStore = (*DeadLetterStore)(nil)
