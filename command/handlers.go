package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-ingest/core"
)

type WebhookIngestor interface {
	Process(ctx context.Context, req core.InboundRequest) (core.Outcome, error)
}

type BulkJobMutator interface {
	Create(
		ctx context.Context,
		ownerKey string,
		destination core.Destination,
		query string,
		metadata map[string]any,
	) (core.BulkJob, error)
	Start(ctx context.Context, jobID string) (core.BulkJob, error)
	Retry(ctx context.Context, jobID string) (core.BulkJob, error)
	Cancel(ctx context.Context, jobID string) (core.BulkJob, error)
}

type DeadLetterResweeper interface {
	Resweep(ctx context.Context, limit int) (int, error)
}

type ClaimReleaser interface {
	Release(ctx context.Context, deliveryID string) error
}

type IngestWebhookCommand struct {
	ingestor WebhookIngestor
}

func NewIngestWebhookCommand(ingestor WebhookIngestor) *IngestWebhookCommand {
	return &IngestWebhookCommand{ingestor: ingestor}
}

func (c *IngestWebhookCommand) Execute(ctx context.Context, msg IngestWebhookMessage) error {
	if c == nil || c.ingestor == nil {
		return commandDependencyError("command: webhook ingestor is required")
	}
	out, err := c.ingestor.Process(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CreateBulkJobCommand struct {
	mutator BulkJobMutator
}

func NewCreateBulkJobCommand(mutator BulkJobMutator) *CreateBulkJobCommand {
	return &CreateBulkJobCommand{mutator: mutator}
}

func (c *CreateBulkJobCommand) Execute(ctx context.Context, msg CreateBulkJobMessage) error {
	if c == nil || c.mutator == nil {
		return commandDependencyError("command: bulk job mutator is required")
	}
	out, err := c.mutator.Create(ctx, msg.OwnerKey, msg.Destination, msg.Query, msg.Metadata)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type StartBulkJobCommand struct {
	mutator BulkJobMutator
}

func NewStartBulkJobCommand(mutator BulkJobMutator) *StartBulkJobCommand {
	return &StartBulkJobCommand{mutator: mutator}
}

func (c *StartBulkJobCommand) Execute(ctx context.Context, msg StartBulkJobMessage) error {
	if c == nil || c.mutator == nil {
		return commandDependencyError("command: bulk job mutator is required")
	}
	out, err := c.mutator.Start(ctx, msg.JobID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RetryBulkJobCommand struct {
	mutator BulkJobMutator
}

func NewRetryBulkJobCommand(mutator BulkJobMutator) *RetryBulkJobCommand {
	return &RetryBulkJobCommand{mutator: mutator}
}

func (c *RetryBulkJobCommand) Execute(ctx context.Context, msg RetryBulkJobMessage) error {
	if c == nil || c.mutator == nil {
		return commandDependencyError("command: bulk job mutator is required")
	}
	out, err := c.mutator.Retry(ctx, msg.JobID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CancelBulkJobCommand struct {
	mutator BulkJobMutator
}

func NewCancelBulkJobCommand(mutator BulkJobMutator) *CancelBulkJobCommand {
	return &CancelBulkJobCommand{mutator: mutator}
}

func (c *CancelBulkJobCommand) Execute(ctx context.Context, msg CancelBulkJobMessage) error {
	if c == nil || c.mutator == nil {
		return commandDependencyError("command: bulk job mutator is required")
	}
	out, err := c.mutator.Cancel(ctx, msg.JobID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ResweepDeadLettersCommand struct {
	resweeper DeadLetterResweeper
}

func NewResweepDeadLettersCommand(resweeper DeadLetterResweeper) *ResweepDeadLettersCommand {
	return &ResweepDeadLettersCommand{resweeper: resweeper}
}

func (c *ResweepDeadLettersCommand) Execute(ctx context.Context, msg ResweepDeadLettersMessage) error {
	if c == nil || c.resweeper == nil {
		return commandDependencyError("command: dead letter resweeper is required")
	}
	redelivered, err := c.resweeper.Resweep(ctx, msg.Limit)
	if err != nil {
		return err
	}
	storeResult(ctx, redelivered)
	return nil
}

type ReleaseDeliveryCommand struct {
	releaser ClaimReleaser
}

func NewReleaseDeliveryCommand(releaser ClaimReleaser) *ReleaseDeliveryCommand {
	return &ReleaseDeliveryCommand{releaser: releaser}
}

func (c *ReleaseDeliveryCommand) Execute(ctx context.Context, msg ReleaseDeliveryMessage) error {
	if c == nil || c.releaser == nil {
		return commandDependencyError("command: claim releaser is required")
	}
	return c.releaser.Release(ctx, msg.DeliveryID)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
