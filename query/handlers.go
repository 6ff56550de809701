package query

import (
	"context"

	"github.com/goliatone/go-ingest/core"
)

type BulkJobReader interface {
	Get(ctx context.Context, jobID string) (core.BulkJob, error)
	List(ctx context.Context, filter core.BulkJobFilter) (core.BulkJobPage, error)
	JobMetrics(ctx context.Context, ownerKey string) (core.BulkJobMetrics, error)
}

type TopicReader interface {
	Topics() []string
}

type DeliveryOutcomeReader interface {
	LookupOutcome(ctx context.Context, deliveryID string) (core.Outcome, bool, error)
}

type DeadLetterReader interface {
	List(ctx context.Context, limit int) ([]core.DeadLetter, error)
}

type GetBulkJobQuery struct {
	reader BulkJobReader
}

func NewGetBulkJobQuery(reader BulkJobReader) *GetBulkJobQuery {
	return &GetBulkJobQuery{reader: reader}
}

func (q *GetBulkJobQuery) Query(ctx context.Context, msg GetBulkJobMessage) (core.BulkJob, error) {
	if q == nil || q.reader == nil {
		return core.BulkJob{}, queryDependencyError("query: bulk job reader is required")
	}
	return q.reader.Get(ctx, msg.JobID)
}

type ListBulkJobsQuery struct {
	reader BulkJobReader
}

func NewListBulkJobsQuery(reader BulkJobReader) *ListBulkJobsQuery {
	return &ListBulkJobsQuery{reader: reader}
}

func (q *ListBulkJobsQuery) Query(ctx context.Context, msg ListBulkJobsMessage) (core.BulkJobPage, error) {
	if q == nil || q.reader == nil {
		return core.BulkJobPage{}, queryDependencyError("query: bulk job reader is required")
	}
	return q.reader.List(ctx, msg.Filter)
}

type BulkJobMetricsQuery struct {
	reader BulkJobReader
}

func NewBulkJobMetricsQuery(reader BulkJobReader) *BulkJobMetricsQuery {
	return &BulkJobMetricsQuery{reader: reader}
}

func (q *BulkJobMetricsQuery) Query(
	ctx context.Context,
	msg BulkJobMetricsMessage,
) (core.BulkJobMetrics, error) {
	if q == nil || q.reader == nil {
		return core.BulkJobMetrics{}, queryDependencyError("query: bulk job reader is required")
	}
	return q.reader.JobMetrics(ctx, msg.OwnerKey)
}

type RegisteredTopicsQuery struct {
	reader TopicReader
}

func NewRegisteredTopicsQuery(reader TopicReader) *RegisteredTopicsQuery {
	return &RegisteredTopicsQuery{reader: reader}
}

func (q *RegisteredTopicsQuery) Query(ctx context.Context, _ RegisteredTopicsMessage) ([]string, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: topic reader is required")
	}
	return q.reader.Topics(), nil
}

type LookupDeliveryOutcomeQuery struct {
	reader DeliveryOutcomeReader
}

func NewLookupDeliveryOutcomeQuery(reader DeliveryOutcomeReader) *LookupDeliveryOutcomeQuery {
	return &LookupDeliveryOutcomeQuery{reader: reader}
}

func (q *LookupDeliveryOutcomeQuery) Query(
	ctx context.Context,
	msg LookupDeliveryOutcomeMessage,
) (core.Outcome, error) {
	if q == nil || q.reader == nil {
		return core.Outcome{}, queryDependencyError("query: delivery outcome reader is required")
	}
	outcome, found, err := q.reader.LookupOutcome(ctx, msg.DeliveryID)
	if err != nil {
		return core.Outcome{}, err
	}
	if !found {
		return core.Outcome{}, queryNotFoundError("query: no recorded outcome for delivery " + msg.DeliveryID)
	}
	return outcome, nil
}

type ListDeadLettersQuery struct {
	reader DeadLetterReader
}

func NewListDeadLettersQuery(reader DeadLetterReader) *ListDeadLettersQuery {
	return &ListDeadLettersQuery{reader: reader}
}

func (q *ListDeadLettersQuery) Query(
	ctx context.Context,
	msg ListDeadLettersMessage,
) ([]core.DeadLetter, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: dead letter reader is required")
	}
	return q.reader.List(ctx, msg.Limit)
}
