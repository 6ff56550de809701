package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[IngestWebhookMessage]      = (*IngestWebhookCommand)(nil)
	_ gocmd.Commander[CreateBulkJobMessage]      = (*CreateBulkJobCommand)(nil)
	_ gocmd.Commander[StartBulkJobMessage]       = (*StartBulkJobCommand)(nil)
	_ gocmd.Commander[RetryBulkJobMessage]       = (*RetryBulkJobCommand)(nil)
	_ gocmd.Commander[CancelBulkJobMessage]      = (*CancelBulkJobCommand)(nil)
	_ gocmd.Commander[ResweepDeadLettersMessage] = (*ResweepDeadLettersCommand)(nil)
	_ gocmd.Commander[ReleaseDeliveryMessage]    = (*ReleaseDeliveryCommand)(nil)
)
