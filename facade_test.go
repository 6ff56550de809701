package ingest

import (
	"context"
	"testing"

	gocmd "github.com/goliatone/go-command"
	ingestcommand "github.com/goliatone/go-ingest/command"
	"github.com/goliatone/go-ingest/core"
	ingestquery "github.com/goliatone/go-ingest/query"
	"github.com/goliatone/go-ingest/webhooks"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

func TestNew_WiresCommandsAndQueries(t *testing.T) {
	facade, err := New(DefaultConfig(), WithWebhookSecret("shhh"))
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	commands := facade.Commands()
	if commands.IngestWebhook == nil || commands.CreateBulkJob == nil || commands.StartBulkJob == nil {
		t.Fatalf("expected command handlers to be wired")
	}
	if commands.RetryBulkJob == nil || commands.CancelBulkJob == nil {
		t.Fatalf("expected bulk recovery commands to be wired")
	}
	if commands.ResweepDeadLetters == nil || commands.ReleaseDelivery == nil {
		t.Fatalf("expected maintenance commands to be wired")
	}

	queries := facade.Queries()
	if queries.GetBulkJob == nil || queries.ListBulkJobs == nil || queries.BulkJobMetrics == nil {
		t.Fatalf("expected bulk queries to be wired")
	}
	if queries.RegisteredTopics == nil || queries.LookupDeliveryOutcome == nil || queries.ListDeadLetters == nil {
		t.Fatalf("expected webhook queries to be wired")
	}

	if facade.Processor() == nil || facade.Registry() == nil {
		t.Fatalf("expected inbound pipeline accessors")
	}
	if facade.Scheduler() == nil || facade.Orchestrator() == nil || facade.Maintenance() == nil {
		t.Fatalf("expected scheduler, orchestrator, and maintenance accessors")
	}
}

func TestNew_RequiresVerifierOrSecret(t *testing.T) {
	facade, err := New(DefaultConfig())
	if err == nil {
		t.Fatalf("expected missing verifier error")
	}
	if facade != nil {
		t.Fatalf("expected nil facade on error")
	}
}

func TestFacade_WebhookIngestDelegation(t *testing.T) {
	const secret = "shared-secret"

	facade, err := New(DefaultConfig(), WithWebhookSecret(secret))
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	var handled *core.InboundEvent
	err = facade.Registry().Register("orders/create", core.HandlerFunc(
		func(_ context.Context, event core.InboundEvent) error {
			handled = &event
			return nil
		},
	))
	if err != nil {
		t.Fatalf("register handler: %v", err)
	}

	body := []byte(`{"id":1001,"total_price":"42.00"}`)
	request := core.InboundRequest{
		Headers: map[string]string{
			"X-Shopify-Hmac-Sha256": webhooks.SignPayload(secret, body),
			"X-Shopify-Shop-Domain": "acme.myshopify.com",
			"X-Shopify-Topic":       "orders/create",
			"X-Shopify-Webhook-Id":  "wh_delivery_1",
		},
		Body: body,
	}

	collector := gocmd.NewResult[core.Outcome]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := facade.Commands().IngestWebhook.Execute(ctx, ingestcommand.IngestWebhookMessage{
		Request: request,
	}); err != nil {
		t.Fatalf("execute ingest webhook: %v", err)
	}

	outcome, ok := collector.Load()
	if !ok {
		t.Fatalf("expected ingest outcome to be stored")
	}
	if outcome.Status != core.OutcomeStatusAccepted || outcome.DeliveryID != "wh_delivery_1" {
		t.Fatalf("unexpected ingest outcome: %#v", outcome)
	}
	if handled == nil || handled.Topic != "orders/create" || string(handled.Payload) != string(body) {
		t.Fatalf("unexpected handled event: %#v", handled)
	}

	recorded, err := facade.Queries().LookupDeliveryOutcome.Query(context.Background(), ingestquery.LookupDeliveryOutcomeMessage{
		DeliveryID: "wh_delivery_1",
	})
	if err != nil {
		t.Fatalf("lookup delivery outcome: %v", err)
	}
	if recorded.Status != core.OutcomeStatusAccepted {
		t.Fatalf("unexpected recorded outcome: %#v", recorded)
	}

	topics, err := facade.Queries().RegisteredTopics.Query(context.Background(), ingestquery.RegisteredTopicsMessage{})
	if err != nil {
		t.Fatalf("query registered topics: %v", err)
	}
	if len(topics) != 1 || topics[0] != "orders/create" {
		t.Fatalf("unexpected topics: %v", topics)
	}
}

func TestFacade_RetryQueueTakesRetryableFailures(t *testing.T) {
	const secret = "shared-secret"

	enqueued := &recordingEnqueuer{}
	facade, err := New(DefaultConfig(), WithWebhookSecret(secret), WithRetryQueue(enqueued))
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	err = facade.Registry().Register("orders/create", core.HandlerFunc(
		func(context.Context, core.InboundEvent) error {
			return core.NewTransientError("destination unavailable")
		},
	))
	if err != nil {
		t.Fatalf("register handler: %v", err)
	}

	body := []byte(`{"id":2002}`)
	outcome, err := facade.Processor().Process(context.Background(), core.InboundRequest{
		Headers: map[string]string{
			"X-Shopify-Hmac-Sha256": webhooks.SignPayload(secret, body),
			"X-Shopify-Shop-Domain": "acme.myshopify.com",
			"X-Shopify-Topic":       "orders/create",
			"X-Shopify-Webhook-Id":  "wh_delivery_9",
		},
		Body: body,
	})
	if err != nil {
		t.Fatalf("process webhook: %v", err)
	}
	if outcome.Status != core.OutcomeStatusRetrying {
		t.Fatalf("expected retrying outcome, got %#v", outcome)
	}
	if enqueued.last == nil || enqueued.last.Parameters["delivery_id"] != "wh_delivery_9" {
		t.Fatalf("expected retry on the queue, got %#v", enqueued.last)
	}
	if facade.Scheduler().PendingCount() != 0 {
		t.Fatalf("expected in-process retry heap to stay empty")
	}
}

type recordingEnqueuer struct {
	last *job.ExecutionMessage
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) (queue.EnqueueReceipt, error) {
	r.last = msg
	return queue.EnqueueReceipt{DispatchID: "dispatch-9"}, nil
}

func TestFacade_BulkJobLifecycleThroughCommandsAndQueries(t *testing.T) {
	facade, err := New(DefaultConfig(), WithWebhookSecret("shhh"))
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	collector := gocmd.NewResult[core.BulkJob]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := facade.Commands().CreateBulkJob.Execute(ctx, ingestcommand.CreateBulkJobMessage{
		OwnerKey: "shop_1",
		Destination: core.Destination{
			Domain:    "acme.myshopify.com",
			Channel:   "graphql",
			Operation: "bulkOperationRunQuery",
		},
		Query: `{ orders { edges { node { id } } } }`,
	}); err != nil {
		t.Fatalf("execute create bulk job: %v", err)
	}

	created, ok := collector.Load()
	if !ok {
		t.Fatalf("expected created job to be stored")
	}
	if created.ID == "" || created.Status != core.BulkJobStatusCreated {
		t.Fatalf("unexpected created job: %#v", created)
	}

	fetched, err := facade.Queries().GetBulkJob.Query(context.Background(), ingestquery.GetBulkJobMessage{
		JobID: created.ID,
	})
	if err != nil {
		t.Fatalf("query bulk job: %v", err)
	}
	if fetched.OwnerKey != "shop_1" {
		t.Fatalf("unexpected fetched job: %#v", fetched)
	}

	page, err := facade.Queries().ListBulkJobs.Query(context.Background(), ingestquery.ListBulkJobsMessage{
		Filter: core.BulkJobFilter{OwnerKey: "shop_1"},
	})
	if err != nil {
		t.Fatalf("query bulk job list: %v", err)
	}
	if len(page.Jobs) != 1 || page.Jobs[0].ID != created.ID {
		t.Fatalf("unexpected job page: %#v", page)
	}

	metrics, err := facade.Queries().BulkJobMetrics.Query(context.Background(), ingestquery.BulkJobMetricsMessage{
		OwnerKey: "shop_1",
	})
	if err != nil {
		t.Fatalf("query bulk job metrics: %v", err)
	}
	if metrics.Total != 1 {
		t.Fatalf("unexpected metrics: %#v", metrics)
	}
}

func TestFacade_MaintenanceRunOnce(t *testing.T) {
	facade, err := New(DefaultConfig(), WithWebhookSecret("shhh"))
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	if err := facade.Maintenance().RunOnce(context.Background()); err != nil {
		t.Fatalf("maintenance pass: %v", err)
	}
	for _, name := range []string{"dedup_purge", "retry_dispatch", "bulk_stalled_sweep", "bulk_retention"} {
		stats, ok := facade.Maintenance().Stats(name)
		if !ok || stats.Runs != 1 {
			t.Fatalf("expected one recorded pass for %s, got %+v", name, stats)
		}
	}
	if _, ok := facade.Maintenance().Stats("deadletter_resweep"); ok {
		t.Fatalf("expected resweep to stay off by default")
	}

	withResweep, err := New(DefaultConfig(), WithWebhookSecret("shhh"), WithDeadLetterResweep(50))
	if err != nil {
		t.Fatalf("new facade with resweep: %v", err)
	}
	if err := withResweep.Maintenance().RunOnce(context.Background()); err != nil {
		t.Fatalf("maintenance pass with resweep: %v", err)
	}
	stats, ok := withResweep.Maintenance().Stats("deadletter_resweep")
	if !ok || stats.Runs != 1 {
		t.Fatalf("expected opted-in resweep pass, got %+v", stats)
	}
}
