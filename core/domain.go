package core

import (
	"context"
	"errors"
	"strings"
	"time"
)

type BulkJobStatus string

const (
	BulkJobStatusCreated   BulkJobStatus = "CREATED"
	BulkJobStatusRunning   BulkJobStatus = "RUNNING"
	BulkJobStatusCompleted BulkJobStatus = "COMPLETED"
	BulkJobStatusFailed    BulkJobStatus = "FAILED"
	BulkJobStatusCanceled  BulkJobStatus = "CANCELED"
	BulkJobStatusTimedOut  BulkJobStatus = "TIMED_OUT"
)

func (s BulkJobStatus) Terminal() bool {
	switch s {
	case BulkJobStatusCompleted, BulkJobStatusCanceled:
		return true
	}
	return false
}

func (s BulkJobStatus) Valid() bool {
	switch s {
	case BulkJobStatusCreated, BulkJobStatusRunning, BulkJobStatusCompleted,
		BulkJobStatusFailed, BulkJobStatusCanceled, BulkJobStatusTimedOut:
		return true
	}
	return false
}

// CanTransitionBulkJob encodes the legal status graph. retry (FAILED or
// TIMED_OUT back to CREATED) and cancel (CREATED or RUNNING to CANCELED) are
// the only backward edges.
func CanTransitionBulkJob(from BulkJobStatus, to BulkJobStatus) bool {
	switch from {
	case BulkJobStatusCreated:
		return to == BulkJobStatusRunning || to == BulkJobStatusCanceled || to == BulkJobStatusFailed
	case BulkJobStatusRunning:
		return to == BulkJobStatusCompleted || to == BulkJobStatusFailed ||
			to == BulkJobStatusCanceled || to == BulkJobStatusTimedOut
	case BulkJobStatusFailed, BulkJobStatusTimedOut:
		return to == BulkJobStatusCreated
	}
	return false
}

var (
	ErrBulkJobNotFound    = errors.New("core: bulk job not found")
	ErrInvalidTransition  = errors.New("core: invalid bulk job status transition")
	ErrJobNotRetryable    = errors.New("core: bulk job is not in a retryable state")
	ErrJobNotCancelable   = errors.New("core: bulk job is not in a cancelable state")
	ErrRetriesExhausted   = errors.New("core: bulk job retry budget exhausted")
	ErrPollBudgetExceeded = errors.New("core: bulk job polling budget exceeded")
)

type BulkJob struct {
	ID              string
	OwnerKey        string
	Destination     Destination
	RemoteID        string
	Query           string
	Status          BulkJobStatus
	ResultURL       string
	ObjectCount     int64
	ProgressPercent int
	RetryCount      int
	Error           string
	CorrelationID   string
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

type BulkJobFilter struct {
	OwnerKey string
	Statuses []BulkJobStatus
	Cursor   string
	Limit    int
}

type BulkJobPage struct {
	Jobs       []BulkJob
	NextCursor string
}

type BulkJobMetrics struct {
	Total               int
	ByStatus            map[BulkJobStatus]int
	Running             int
	AverageCompletionMS int64
	LastCompletedAt     *time.Time
}

type BulkJobStore interface {
	Create(ctx context.Context, job BulkJob) (BulkJob, error)
	Get(ctx context.Context, id string) (BulkJob, error)
	Update(ctx context.Context, job BulkJob) (BulkJob, error)
	List(ctx context.Context, filter BulkJobFilter) (BulkJobPage, error)
	ListStalled(ctx context.Context, updatedBefore time.Time) ([]BulkJob, error)
	Metrics(ctx context.Context, ownerKey string) (BulkJobMetrics, error)
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

func NormalizeBulkJobFilter(filter BulkJobFilter) BulkJobFilter {
	normalized := BulkJobFilter{
		OwnerKey: strings.TrimSpace(filter.OwnerKey),
		Cursor:   strings.TrimSpace(filter.Cursor),
		Limit:    filter.Limit,
	}
	if normalized.Limit <= 0 {
		normalized.Limit = 50
	}
	for _, status := range filter.Statuses {
		if status.Valid() {
			normalized.Statuses = append(normalized.Statuses, status)
		}
	}
	return normalized
}
