package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-ingest/core"
)

var (
	_ gocmd.Querier[GetBulkJobMessage, core.BulkJob]            = (*GetBulkJobQuery)(nil)
	_ gocmd.Querier[ListBulkJobsMessage, core.BulkJobPage]      = (*ListBulkJobsQuery)(nil)
	_ gocmd.Querier[BulkJobMetricsMessage, core.BulkJobMetrics] = (*BulkJobMetricsQuery)(nil)
	_ gocmd.Querier[RegisteredTopicsMessage, []string]          = (*RegisteredTopicsQuery)(nil)
	_ gocmd.Querier[LookupDeliveryOutcomeMessage, core.Outcome] = (*LookupDeliveryOutcomeQuery)(nil)
	_ gocmd.Querier[ListDeadLettersMessage, []core.DeadLetter]  = (*ListDeadLettersQuery)(nil)
)
