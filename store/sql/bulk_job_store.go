package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type BulkJobStore struct {
	db   *bun.DB
	repo repository.Repository[*bulkJobRecord]
}

func NewBulkJobStore(db *bun.DB) (*BulkJobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*bulkJobRecord](db, bulkJobHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid bulk job repository wiring: %w", err)
		}
	}
	return &BulkJobStore{
		db:   db,
		repo: repo,
	}, nil
}

func (s *BulkJobStore) Create(ctx context.Context, job core.BulkJob) (core.BulkJob, error) {
	if s == nil || s.db == nil {
		return core.BulkJob{}, fmt.Errorf("sqlstore: bulk job store is not configured")
	}
	job.OwnerKey = strings.TrimSpace(job.OwnerKey)
	if job.OwnerKey == "" {
		return core.BulkJob{}, fmt.Errorf("sqlstore: owner key is required")
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = core.BulkJobStatusCreated
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	record := newBulkJobRecord(job)
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.BulkJob{}, err
	}
	return record.toDomain(), nil
}

func (s *BulkJobStore) Get(ctx context.Context, id string) (core.BulkJob, error) {
	if s == nil || s.db == nil {
		return core.BulkJob{}, fmt.Errorf("sqlstore: bulk job store is not configured")
	}
	record := &bulkJobRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.BulkJob{}, fmt.Errorf("%w: id %q", core.ErrBulkJobNotFound, id)
		}
		return core.BulkJob{}, err
	}
	return record.toDomain(), nil
}

func (s *BulkJobStore) Update(ctx context.Context, job core.BulkJob) (core.BulkJob, error) {
	if s == nil || s.db == nil {
		return core.BulkJob{}, fmt.Errorf("sqlstore: bulk job store is not configured")
	}
	job.ID = strings.TrimSpace(job.ID)
	if job.ID == "" {
		return core.BulkJob{}, fmt.Errorf("sqlstore: job id is required")
	}
	job.UpdatedAt = time.Now().UTC()
	record := newBulkJobRecord(job)
	record.CreatedAt = job.CreatedAt

	result, err := s.db.NewUpdate().
		Model(record).
		Where("id = ?", record.ID).
		Exec(ctx)
	if err != nil {
		return core.BulkJob{}, err
	}
	if affected, affectedErr := result.RowsAffected(); affectedErr == nil && affected == 0 {
		return core.BulkJob{}, fmt.Errorf("%w: id %q", core.ErrBulkJobNotFound, job.ID)
	}
	return record.toDomain(), nil
}

// List pages owner jobs in creation order. The cursor is the id of the last
// job on the previous page.
func (s *BulkJobStore) List(ctx context.Context, filter core.BulkJobFilter) (core.BulkJobPage, error) {
	if s == nil || s.db == nil {
		return core.BulkJobPage{}, fmt.Errorf("sqlstore: bulk job store is not configured")
	}
	filter = core.NormalizeBulkJobFilter(filter)

	query := s.db.NewSelect().
		Model((*bulkJobRecord)(nil)).
		Order("created_at ASC", "id ASC").
		Limit(filter.Limit)
	if filter.OwnerKey != "" {
		query = query.Where("?TableAlias.owner_key = ?", filter.OwnerKey)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		query = query.Where("?TableAlias.status IN (?)", bun.In(statuses))
	}
	if filter.Cursor != "" {
		anchor, err := s.Get(ctx, filter.Cursor)
		if err != nil {
			return core.BulkJobPage{}, fmt.Errorf("sqlstore: list cursor %q: %w", filter.Cursor, err)
		}
		query = query.Where(
			"(?TableAlias.created_at > ? OR (?TableAlias.created_at = ? AND ?TableAlias.id > ?))",
			anchor.CreatedAt,
			anchor.CreatedAt,
			anchor.ID,
		)
	}

	records := []*bulkJobRecord{}
	if err := query.Scan(ctx, &records); err != nil {
		return core.BulkJobPage{}, err
	}

	page := core.BulkJobPage{Jobs: make([]core.BulkJob, 0, len(records))}
	for _, record := range records {
		page.Jobs = append(page.Jobs, record.toDomain())
	}
	if len(page.Jobs) == filter.Limit && filter.Limit > 0 {
		page.NextCursor = page.Jobs[len(page.Jobs)-1].ID
	}
	return page, nil
}

func (s *BulkJobStore) ListStalled(ctx context.Context, updatedBefore time.Time) ([]core.BulkJob, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: bulk job store is not configured")
	}
	records := []*bulkJobRecord{}
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.status = ?", string(core.BulkJobStatusRunning)).
		Where("?TableAlias.updated_at < ?", updatedBefore.UTC()).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]core.BulkJob, 0, len(records))
	for _, record := range records {
		jobs = append(jobs, record.toDomain())
	}
	return jobs, nil
}

func (s *BulkJobStore) Metrics(ctx context.Context, ownerKey string) (core.BulkJobMetrics, error) {
	if s == nil || s.db == nil {
		return core.BulkJobMetrics{}, fmt.Errorf("sqlstore: bulk job store is not configured")
	}
	ownerKey = strings.TrimSpace(ownerKey)

	type statusCount struct {
		Status string `bun:"status"`
		Count  int    `bun:"count"`
	}
	counts := []statusCount{}
	countQuery := s.db.NewSelect().
		Model((*bulkJobRecord)(nil)).
		ColumnExpr("?TableAlias.status AS status").
		ColumnExpr("count(*) AS count").
		GroupExpr("?TableAlias.status")
	if ownerKey != "" {
		countQuery = countQuery.Where("?TableAlias.owner_key = ?", ownerKey)
	}
	if err := countQuery.Scan(ctx, &counts); err != nil {
		return core.BulkJobMetrics{}, err
	}

	metrics := core.BulkJobMetrics{ByStatus: map[core.BulkJobStatus]int{}}
	for _, entry := range counts {
		status := core.BulkJobStatus(entry.Status)
		metrics.ByStatus[status] = entry.Count
		metrics.Total += entry.Count
		if status == core.BulkJobStatusRunning {
			metrics.Running = entry.Count
		}
	}

	type completionRow struct {
		CreatedAt   time.Time  `bun:"created_at"`
		CompletedAt *time.Time `bun:"completed_at"`
	}
	completions := []completionRow{}
	completionQuery := s.db.NewSelect().
		Model((*bulkJobRecord)(nil)).
		Column("created_at", "completed_at").
		Where("?TableAlias.status = ?", string(core.BulkJobStatusCompleted)).
		Where("?TableAlias.completed_at IS NOT NULL")
	if ownerKey != "" {
		completionQuery = completionQuery.Where("?TableAlias.owner_key = ?", ownerKey)
	}
	if err := completionQuery.Scan(ctx, &completions); err != nil {
		return core.BulkJobMetrics{}, err
	}

	var totalMS int64
	for _, row := range completions {
		if row.CompletedAt == nil {
			continue
		}
		totalMS += row.CompletedAt.Sub(row.CreatedAt).Milliseconds()
		if metrics.LastCompletedAt == nil || row.CompletedAt.After(*metrics.LastCompletedAt) {
			value := row.CompletedAt.UTC()
			metrics.LastCompletedAt = &value
		}
	}
	if len(completions) > 0 {
		metrics.AverageCompletionMS = totalMS / int64(len(completions))
	}
	return metrics, nil
}

func (s *BulkJobStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: bulk job store is not configured")
	}
	terminal := []string{
		string(core.BulkJobStatusCompleted),
		string(core.BulkJobStatusFailed),
		string(core.BulkJobStatusCanceled),
		string(core.BulkJobStatusTimedOut),
	}
	result, err := s.db.NewDelete().
		Model((*bulkJobRecord)(nil)).
		Where("status IN (?)", bun.In(terminal)).
		Where("updated_at < ?", cutoff.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return deletedRows(result)
}

var _ core.BulkJobStore = (*BulkJobStore)(nil)
