package command

import (
	"strings"

	"github.com/goliatone/go-ingest/core"
)

const (
	TypeIngestWebhook      = "ingest.command.webhook.ingest"
	TypeCreateBulkJob      = "ingest.command.bulk.create"
	TypeStartBulkJob       = "ingest.command.bulk.start"
	TypeRetryBulkJob       = "ingest.command.bulk.retry"
	TypeCancelBulkJob      = "ingest.command.bulk.cancel"
	TypeResweepDeadLetters = "ingest.command.deadletter.resweep"
	TypeReleaseDelivery    = "ingest.command.dedup.release"
)

type IngestWebhookMessage struct {
	Request core.InboundRequest
}

func (IngestWebhookMessage) Type() string { return TypeIngestWebhook }

func (m IngestWebhookMessage) Validate() error {
	if len(m.Request.Body) == 0 {
		return commandValidationError("body", "webhook body is required")
	}
	return nil
}

type CreateBulkJobMessage struct {
	OwnerKey    string
	Destination core.Destination
	Query       string
	Metadata    map[string]any
}

func (CreateBulkJobMessage) Type() string { return TypeCreateBulkJob }

func (m CreateBulkJobMessage) Validate() error {
	if strings.TrimSpace(m.OwnerKey) == "" {
		return commandValidationError("owner_key", "owner key is required")
	}
	if strings.TrimSpace(m.Destination.Domain) == "" {
		return commandValidationError("destination", "destination domain is required")
	}
	if strings.TrimSpace(m.Query) == "" {
		return commandValidationError("query", "export query is required")
	}
	return nil
}

type StartBulkJobMessage struct {
	JobID string
}

func (StartBulkJobMessage) Type() string { return TypeStartBulkJob }

func (m StartBulkJobMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return commandValidationError("job_id", "bulk job id is required")
	}
	return nil
}

type RetryBulkJobMessage struct {
	JobID string
}

func (RetryBulkJobMessage) Type() string { return TypeRetryBulkJob }

func (m RetryBulkJobMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return commandValidationError("job_id", "bulk job id is required")
	}
	return nil
}

type CancelBulkJobMessage struct {
	JobID string
}

func (CancelBulkJobMessage) Type() string { return TypeCancelBulkJob }

func (m CancelBulkJobMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return commandValidationError("job_id", "bulk job id is required")
	}
	return nil
}

type ResweepDeadLettersMessage struct {
	Limit int
}

func (ResweepDeadLettersMessage) Type() string { return TypeResweepDeadLetters }

func (m ResweepDeadLettersMessage) Validate() error {
	if m.Limit < 0 {
		return commandValidationError("limit", "limit must be >= 0")
	}
	return nil
}

// ReleaseDeliveryMessage drops a pending dedup claim so the delivery can be
// ingested again. Completed outcomes are never released.
type ReleaseDeliveryMessage struct {
	DeliveryID string
}

func (ReleaseDeliveryMessage) Type() string { return TypeReleaseDelivery }

func (m ReleaseDeliveryMessage) Validate() error {
	if strings.TrimSpace(m.DeliveryID) == "" {
		return commandValidationError("delivery_id", "delivery id is required")
	}
	return nil
}
