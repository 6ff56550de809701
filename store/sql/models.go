package sqlstore

import (
	"time"

	"github.com/goliatone/go-ingest/core"
	"github.com/uptrace/bun"
)

type bulkJobRecord struct {
	bun.BaseModel `bun:"table:ingest_bulk_jobs,alias:ibj"`

	ID              string         `bun:"id,pk"`
	OwnerKey        string         `bun:"owner_key,notnull"`
	Domain          string         `bun:"domain,notnull"`
	Channel         string         `bun:"channel,notnull"`
	Operation       string         `bun:"operation,notnull"`
	RemoteID        string         `bun:"remote_id"`
	Query           string         `bun:"query,notnull"`
	Status          string         `bun:"status,notnull"`
	ResultURL       string         `bun:"result_url"`
	ObjectCount     int64          `bun:"object_count,notnull"`
	ProgressPercent int            `bun:"progress_percent,notnull"`
	RetryCount      int            `bun:"retry_count,notnull"`
	Error           string         `bun:"error"`
	CorrelationID   string         `bun:"correlation_id"`
	Metadata        map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt       time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	CompletedAt     *time.Time     `bun:"completed_at,nullzero"`
}

func newBulkJobRecord(job core.BulkJob) *bulkJobRecord {
	destination := job.Destination.Normalize()
	record := &bulkJobRecord{
		ID:              job.ID,
		OwnerKey:        job.OwnerKey,
		Domain:          destination.Domain,
		Channel:         destination.Channel,
		Operation:       destination.Operation,
		RemoteID:        job.RemoteID,
		Query:           job.Query,
		Status:          string(job.Status),
		ResultURL:       job.ResultURL,
		ObjectCount:     job.ObjectCount,
		ProgressPercent: job.ProgressPercent,
		RetryCount:      job.RetryCount,
		Error:           job.Error,
		CorrelationID:   job.CorrelationID,
		Metadata:        core.CloneAnyMap(job.Metadata),
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
	if job.CompletedAt != nil {
		value := job.CompletedAt.UTC()
		record.CompletedAt = &value
	}
	return record
}

func (r *bulkJobRecord) toDomain() core.BulkJob {
	if r == nil {
		return core.BulkJob{}
	}
	job := core.BulkJob{
		ID:       r.ID,
		OwnerKey: r.OwnerKey,
		Destination: core.Destination{
			Domain:    r.Domain,
			Channel:   r.Channel,
			Operation: r.Operation,
		},
		RemoteID:        r.RemoteID,
		Query:           r.Query,
		Status:          core.BulkJobStatus(r.Status),
		ResultURL:       r.ResultURL,
		ObjectCount:     r.ObjectCount,
		ProgressPercent: r.ProgressPercent,
		RetryCount:      r.RetryCount,
		Error:           r.Error,
		CorrelationID:   r.CorrelationID,
		Metadata:        core.CloneAnyMap(r.Metadata),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.CompletedAt != nil {
		value := r.CompletedAt.UTC()
		job.CompletedAt = &value
	}
	return job
}

type deadLetterRecord struct {
	bun.BaseModel `bun:"table:ingest_dead_letters,alias:idl"`

	ID            string    `bun:"id,pk"`
	DeliveryID    string    `bun:"delivery_id,notnull"`
	Topic         string    `bun:"topic,notnull"`
	SourceDomain  string    `bun:"source_domain"`
	Priority      int       `bun:"priority,notnull"`
	Attempts      int       `bun:"attempts,notnull"`
	Payload       []byte    `bun:"payload"`
	Reason        string    `bun:"reason,notnull"`
	LastError     string    `bun:"last_error"`
	CorrelationID string    `bun:"correlation_id"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func newDeadLetterRecord(letter core.DeadLetter) *deadLetterRecord {
	return &deadLetterRecord{
		ID:            letter.ID,
		DeliveryID:    letter.DeliveryID,
		Topic:         letter.Topic,
		SourceDomain:  letter.SourceDomain,
		Priority:      letter.Priority,
		Attempts:      letter.Attempts,
		Payload:       append([]byte(nil), letter.Payload...),
		Reason:        letter.Reason,
		LastError:     letter.LastError,
		CorrelationID: letter.CorrelationID,
		CreatedAt:     letter.CreatedAt,
	}
}

func (r *deadLetterRecord) toDomain() core.DeadLetter {
	if r == nil {
		return core.DeadLetter{}
	}
	return core.DeadLetter{
		ID:            r.ID,
		DeliveryID:    r.DeliveryID,
		Topic:         r.Topic,
		SourceDomain:  r.SourceDomain,
		Priority:      r.Priority,
		Attempts:      r.Attempts,
		Payload:       append([]byte(nil), r.Payload...),
		Reason:        r.Reason,
		LastError:     r.LastError,
		CorrelationID: r.CorrelationID,
		CreatedAt:     r.CreatedAt,
	}
}

type rateLimitStateRecord struct {
	bun.BaseModel `bun:"table:ingest_rate_limit_states,alias:irls"`

	ID             string         `bun:"id,pk"`
	DestinationKey string         `bun:"destination_key,notnull"`
	Domain         string         `bun:"domain,notnull"`
	Channel        string         `bun:"channel,notnull"`
	Operation      string         `bun:"operation,notnull"`
	CallLimit      int            `bun:"call_limit,notnull"`
	Remaining      int            `bun:"remaining,notnull"`
	ResetAt        *time.Time     `bun:"reset_at,nullzero"`
	RetryAfterMS   *int64         `bun:"retry_after_ms"`
	ThrottledUntil *time.Time     `bun:"throttled_until,nullzero"`
	LastStatus     int            `bun:"last_status,notnull"`
	Attempts       int            `bun:"attempts,notnull"`
	Metadata       map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type processedDeliveryRecord struct {
	bun.BaseModel `bun:"table:ingest_processed_deliveries,alias:ipd"`

	ID         string    `bun:"id,pk"`
	DeliveryID string    `bun:"delivery_id,notnull"`
	Completed  bool      `bun:"completed,notnull"`
	Outcome    []byte    `bun:"outcome"`
	ExpiresAt  time.Time `bun:"expires_at,notnull"`
	CreatedAt  time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt  time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
