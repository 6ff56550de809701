package query

import (
	"strings"

	"github.com/goliatone/go-ingest/core"
)

const (
	TypeGetBulkJob            = "ingest.query.bulk.get"
	TypeListBulkJobs          = "ingest.query.bulk.list"
	TypeBulkJobMetrics        = "ingest.query.bulk.metrics"
	TypeRegisteredTopics      = "ingest.query.webhook.topics"
	TypeLookupDeliveryOutcome = "ingest.query.dedup.outcome"
	TypeListDeadLetters       = "ingest.query.deadletter.list"
)

type GetBulkJobMessage struct {
	JobID string
}

func (GetBulkJobMessage) Type() string { return TypeGetBulkJob }

func (m GetBulkJobMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return queryValidationError("job_id", "bulk job id is required")
	}
	return nil
}

type ListBulkJobsMessage struct {
	Filter core.BulkJobFilter
}

func (ListBulkJobsMessage) Type() string { return TypeListBulkJobs }

func (m ListBulkJobsMessage) Validate() error {
	if m.Filter.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	for _, status := range m.Filter.Statuses {
		if !status.Valid() {
			return queryValidationError("statuses", "unknown bulk job status "+string(status))
		}
	}
	return nil
}

// BulkJobMetricsMessage with an empty owner key aggregates across all owners.
type BulkJobMetricsMessage struct {
	OwnerKey string
}

func (BulkJobMetricsMessage) Type() string { return TypeBulkJobMetrics }

func (BulkJobMetricsMessage) Validate() error { return nil }

type RegisteredTopicsMessage struct{}

func (RegisteredTopicsMessage) Type() string { return TypeRegisteredTopics }

func (RegisteredTopicsMessage) Validate() error { return nil }

type LookupDeliveryOutcomeMessage struct {
	DeliveryID string
}

func (LookupDeliveryOutcomeMessage) Type() string { return TypeLookupDeliveryOutcome }

func (m LookupDeliveryOutcomeMessage) Validate() error {
	if strings.TrimSpace(m.DeliveryID) == "" {
		return queryValidationError("delivery_id", "delivery id is required")
	}
	return nil
}

type ListDeadLettersMessage struct {
	Limit int
}

func (ListDeadLettersMessage) Type() string { return TypeListDeadLetters }

func (m ListDeadLettersMessage) Validate() error {
	if m.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	return nil
}
