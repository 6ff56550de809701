package bulk

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-ingest/core"
)

// MemoryJobStore keeps bulk jobs in process memory with the same contract as
// the SQL store. Cursors are job ids: a page continues strictly after the
// cursor in creation order.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]core.BulkJob
	Now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: map[string]core.BulkJob{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job core.BulkJob) (core.BulkJob, error) {
	if s == nil {
		return core.BulkJob{}, fmt.Errorf("bulk: job store is not configured")
	}
	if strings.TrimSpace(job.ID) == "" {
		return core.BulkJob{}, fmt.Errorf("bulk: job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return core.BulkJob{}, fmt.Errorf("bulk: job %q already exists", job.ID)
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = now
	job.Metadata = core.CloneAnyMap(job.Metadata)
	s.jobs[job.ID] = job
	return job, nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (core.BulkJob, error) {
	if s == nil {
		return core.BulkJob{}, fmt.Errorf("bulk: job store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[strings.TrimSpace(id)]
	if !ok {
		return core.BulkJob{}, core.ErrBulkJobNotFound
	}
	job.Metadata = core.CloneAnyMap(job.Metadata)
	return job, nil
}

func (s *MemoryJobStore) Update(_ context.Context, job core.BulkJob) (core.BulkJob, error) {
	if s == nil {
		return core.BulkJob{}, fmt.Errorf("bulk: job store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return core.BulkJob{}, core.ErrBulkJobNotFound
	}
	job.UpdatedAt = s.now()
	job.Metadata = core.CloneAnyMap(job.Metadata)
	s.jobs[job.ID] = job
	return job, nil
}

func (s *MemoryJobStore) List(_ context.Context, filter core.BulkJobFilter) (core.BulkJobPage, error) {
	if s == nil {
		return core.BulkJobPage{}, fmt.Errorf("bulk: job store is not configured")
	}
	filter = core.NormalizeBulkJobFilter(filter)

	s.mu.Lock()
	jobs := make([]core.BulkJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	page := core.BulkJobPage{}
	skipping := filter.Cursor != ""
	for _, job := range jobs {
		if skipping {
			if job.ID == filter.Cursor {
				skipping = false
			}
			continue
		}
		if filter.OwnerKey != "" && job.OwnerKey != filter.OwnerKey {
			continue
		}
		if len(filter.Statuses) > 0 && !statusIn(job.Status, filter.Statuses) {
			continue
		}
		if len(page.Jobs) == filter.Limit {
			page.NextCursor = page.Jobs[len(page.Jobs)-1].ID
			return page, nil
		}
		job.Metadata = core.CloneAnyMap(job.Metadata)
		page.Jobs = append(page.Jobs, job)
	}
	return page, nil
}

func (s *MemoryJobStore) ListStalled(_ context.Context, updatedBefore time.Time) ([]core.BulkJob, error) {
	if s == nil {
		return nil, fmt.Errorf("bulk: job store is not configured")
	}
	updatedBefore = updatedBefore.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	stalled := []core.BulkJob{}
	for _, job := range s.jobs {
		if job.Status == core.BulkJobStatusRunning && job.UpdatedAt.Before(updatedBefore) {
			job.Metadata = core.CloneAnyMap(job.Metadata)
			stalled = append(stalled, job)
		}
	}
	sort.Slice(stalled, func(i, j int) bool { return stalled[i].ID < stalled[j].ID })
	return stalled, nil
}

func (s *MemoryJobStore) Metrics(_ context.Context, ownerKey string) (core.BulkJobMetrics, error) {
	if s == nil {
		return core.BulkJobMetrics{}, fmt.Errorf("bulk: job store is not configured")
	}
	ownerKey = strings.TrimSpace(ownerKey)

	s.mu.Lock()
	defer s.mu.Unlock()
	metrics := core.BulkJobMetrics{ByStatus: map[core.BulkJobStatus]int{}}
	var completionTotal time.Duration
	completed := 0
	for _, job := range s.jobs {
		if ownerKey != "" && job.OwnerKey != ownerKey {
			continue
		}
		metrics.Total++
		metrics.ByStatus[job.Status]++
		if job.Status == core.BulkJobStatusRunning {
			metrics.Running++
		}
		if job.Status == core.BulkJobStatusCompleted && job.CompletedAt != nil {
			completionTotal += job.CompletedAt.Sub(job.CreatedAt)
			completed++
			if metrics.LastCompletedAt == nil || job.CompletedAt.After(*metrics.LastCompletedAt) {
				at := *job.CompletedAt
				metrics.LastCompletedAt = &at
			}
		}
	}
	if completed > 0 {
		metrics.AverageCompletionMS = (completionTotal / time.Duration(completed)).Milliseconds()
	}
	return metrics, nil
}

func (s *MemoryJobStore) DeleteTerminalOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("bulk: job store is not configured")
	}
	cutoff = cutoff.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, job := range s.jobs {
		settled := job.Status.Terminal() ||
			job.Status == core.BulkJobStatusFailed ||
			job.Status == core.BulkJobStatusTimedOut
		if settled && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryJobStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func statusIn(status core.BulkJobStatus, statuses []core.BulkJobStatus) bool {
	for _, candidate := range statuses {
		if status == candidate {
			return true
		}
	}
	return false
}

var _ core.BulkJobStore = (*MemoryJobStore)(nil)
