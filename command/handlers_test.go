package command

import (
	"context"
	"fmt"
	"testing"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-ingest/core"
)

func TestIngestWebhookCommand_ExecuteDelegatesAndStoresResult(t *testing.T) {
	expected := core.Outcome{
		Success:    true,
		Status:     core.OutcomeStatusAccepted,
		DeliveryID: "wh-123",
	}
	called := false

	ingestor := stubWebhookIngestor{
		processFn: func(_ context.Context, req core.InboundRequest) (core.Outcome, error) {
			called = true
			if string(req.Body) != `{"id":1}` {
				t.Fatalf("unexpected body: %s", req.Body)
			}
			return expected, nil
		},
	}

	cmd := NewIngestWebhookCommand(ingestor)
	collector := gocmd.NewResult[core.Outcome]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	err := cmd.Execute(ctx, IngestWebhookMessage{Request: core.InboundRequest{
		Headers: map[string]string{"X-Webhook-Id": "wh-123"},
		Body:    []byte(`{"id":1}`),
	}})
	if err != nil {
		t.Fatalf("execute ingest webhook: %v", err)
	}
	if !called {
		t.Fatalf("expected ingestor invocation")
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected result to be stored")
	}
	if result.DeliveryID != expected.DeliveryID || result.Status != expected.Status {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestBulkJobCommands_DelegateToMutator(t *testing.T) {
	destination := core.Destination{
		Domain:    "acme.myshopify.com",
		Channel:   "graphql",
		Operation: "bulkOperationRunQuery",
	}

	t.Run("create", func(t *testing.T) {
		called := false
		mutator := stubBulkJobMutator{
			createFn: func(
				_ context.Context,
				ownerKey string,
				dest core.Destination,
				query string,
				metadata map[string]any,
			) (core.BulkJob, error) {
				called = true
				if ownerKey != "shop_1" || dest.Domain != destination.Domain {
					t.Fatalf("unexpected create input: %q %#v", ownerKey, dest)
				}
				if query == "" {
					t.Fatalf("expected export query")
				}
				return core.BulkJob{ID: "job_1", OwnerKey: ownerKey, Status: core.BulkJobStatusCreated}, nil
			},
		}

		cmd := NewCreateBulkJobCommand(mutator)
		collector := gocmd.NewResult[core.BulkJob]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		if err := cmd.Execute(ctx, CreateBulkJobMessage{
			OwnerKey:    "shop_1",
			Destination: destination,
			Query:       "{ orders { edges { node { id } } } }",
		}); err != nil {
			t.Fatalf("execute create bulk job: %v", err)
		}
		if !called {
			t.Fatalf("expected create invocation")
		}
		stored, ok := collector.Load()
		if !ok {
			t.Fatalf("expected create result")
		}
		if stored.ID != "job_1" {
			t.Fatalf("unexpected create result: %#v", stored)
		}
	})

	t.Run("start retry cancel", func(t *testing.T) {
		calledStart := false
		calledRetry := false
		calledCancel := false
		mutator := stubBulkJobMutator{
			startFn: func(_ context.Context, jobID string) (core.BulkJob, error) {
				calledStart = true
				if jobID != "job_1" {
					t.Fatalf("unexpected start id %q", jobID)
				}
				return core.BulkJob{ID: jobID, Status: core.BulkJobStatusRunning}, nil
			},
			retryFn: func(_ context.Context, jobID string) (core.BulkJob, error) {
				calledRetry = true
				return core.BulkJob{ID: jobID, Status: core.BulkJobStatusCreated, RetryCount: 1}, nil
			},
			cancelFn: func(_ context.Context, jobID string) (core.BulkJob, error) {
				calledCancel = true
				return core.BulkJob{ID: jobID, Status: core.BulkJobStatusCanceled}, nil
			},
		}

		startCollector := gocmd.NewResult[core.BulkJob]()
		startCtx := gocmd.ContextWithResult(context.Background(), startCollector)
		if err := NewStartBulkJobCommand(mutator).Execute(startCtx, StartBulkJobMessage{JobID: "job_1"}); err != nil {
			t.Fatalf("execute start bulk job: %v", err)
		}
		if !calledStart {
			t.Fatalf("expected start invocation")
		}
		if stored, ok := startCollector.Load(); !ok || stored.Status != core.BulkJobStatusRunning {
			t.Fatalf("expected running job result")
		}

		retryCollector := gocmd.NewResult[core.BulkJob]()
		retryCtx := gocmd.ContextWithResult(context.Background(), retryCollector)
		if err := NewRetryBulkJobCommand(mutator).Execute(retryCtx, RetryBulkJobMessage{JobID: "job_1"}); err != nil {
			t.Fatalf("execute retry bulk job: %v", err)
		}
		if !calledRetry {
			t.Fatalf("expected retry invocation")
		}
		if stored, ok := retryCollector.Load(); !ok || stored.RetryCount != 1 {
			t.Fatalf("expected retried job result")
		}

		cancelCollector := gocmd.NewResult[core.BulkJob]()
		cancelCtx := gocmd.ContextWithResult(context.Background(), cancelCollector)
		if err := NewCancelBulkJobCommand(mutator).Execute(cancelCtx, CancelBulkJobMessage{JobID: "job_1"}); err != nil {
			t.Fatalf("execute cancel bulk job: %v", err)
		}
		if !calledCancel {
			t.Fatalf("expected cancel invocation")
		}
		if stored, ok := cancelCollector.Load(); !ok || stored.Status != core.BulkJobStatusCanceled {
			t.Fatalf("expected canceled job result")
		}
	})
}

func TestResweepDeadLettersCommand_StoresRedeliveredCount(t *testing.T) {
	called := false
	resweeper := stubDeadLetterResweeper{
		resweepFn: func(_ context.Context, limit int) (int, error) {
			called = true
			if limit != 25 {
				t.Fatalf("unexpected limit %d", limit)
			}
			return 3, nil
		},
	}

	cmd := NewResweepDeadLettersCommand(resweeper)
	collector := gocmd.NewResult[int]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := cmd.Execute(ctx, ResweepDeadLettersMessage{Limit: 25}); err != nil {
		t.Fatalf("execute resweep: %v", err)
	}
	if !called {
		t.Fatalf("expected resweep invocation")
	}
	redelivered, ok := collector.Load()
	if !ok {
		t.Fatalf("expected redelivered count")
	}
	if redelivered != 3 {
		t.Fatalf("expected 3 redelivered, got %d", redelivered)
	}
}

func TestReleaseDeliveryCommand_Delegates(t *testing.T) {
	called := false
	releaser := stubClaimReleaser{
		releaseFn: func(_ context.Context, deliveryID string) error {
			called = true
			if deliveryID != "wh-123" {
				t.Fatalf("unexpected delivery id %q", deliveryID)
			}
			return nil
		},
	}

	if err := NewReleaseDeliveryCommand(releaser).Execute(context.Background(), ReleaseDeliveryMessage{
		DeliveryID: "wh-123",
	}); err != nil {
		t.Fatalf("execute release delivery: %v", err)
	}
	if !called {
		t.Fatalf("expected release invocation")
	}
}

func TestMessageValidation(t *testing.T) {
	tests := []struct {
		name    string
		msg     interface{ Validate() error }
		wantErr bool
	}{
		{
			name: "ingest webhook valid",
			msg: IngestWebhookMessage{Request: core.InboundRequest{
				Body: []byte(`{"id":1}`),
			}},
			wantErr: false,
		},
		{
			name:    "ingest webhook empty body",
			msg:     IngestWebhookMessage{},
			wantErr: true,
		},
		{
			name: "create bulk job valid",
			msg: CreateBulkJobMessage{
				OwnerKey:    "shop_1",
				Destination: core.Destination{Domain: "acme.myshopify.com"},
				Query:       "{ orders { edges { node { id } } } }",
			},
			wantErr: false,
		},
		{
			name: "create bulk job missing owner",
			msg: CreateBulkJobMessage{
				Destination: core.Destination{Domain: "acme.myshopify.com"},
				Query:       "{ orders }",
			},
			wantErr: true,
		},
		{
			name: "create bulk job missing query",
			msg: CreateBulkJobMessage{
				OwnerKey:    "shop_1",
				Destination: core.Destination{Domain: "acme.myshopify.com"},
			},
			wantErr: true,
		},
		{
			name:    "start bulk job missing id",
			msg:     StartBulkJobMessage{},
			wantErr: true,
		},
		{
			name:    "retry bulk job valid",
			msg:     RetryBulkJobMessage{JobID: "job_1"},
			wantErr: false,
		},
		{
			name:    "cancel bulk job missing id",
			msg:     CancelBulkJobMessage{},
			wantErr: true,
		},
		{
			name:    "resweep negative limit",
			msg:     ResweepDeadLettersMessage{Limit: -1},
			wantErr: true,
		},
		{
			name:    "resweep zero limit",
			msg:     ResweepDeadLettersMessage{},
			wantErr: false,
		},
		{
			name:    "release delivery missing id",
			msg:     ReleaseDeliveryMessage{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type stubWebhookIngestor struct {
	processFn func(ctx context.Context, req core.InboundRequest) (core.Outcome, error)
}

func (s stubWebhookIngestor) Process(ctx context.Context, req core.InboundRequest) (core.Outcome, error) {
	if s.processFn == nil {
		return core.Outcome{}, fmt.Errorf("process not configured")
	}
	return s.processFn(ctx, req)
}

type stubBulkJobMutator struct {
	createFn func(
		ctx context.Context,
		ownerKey string,
		destination core.Destination,
		query string,
		metadata map[string]any,
	) (core.BulkJob, error)
	startFn  func(ctx context.Context, jobID string) (core.BulkJob, error)
	retryFn  func(ctx context.Context, jobID string) (core.BulkJob, error)
	cancelFn func(ctx context.Context, jobID string) (core.BulkJob, error)
}

func (s stubBulkJobMutator) Create(
	ctx context.Context,
	ownerKey string,
	destination core.Destination,
	query string,
	metadata map[string]any,
) (core.BulkJob, error) {
	if s.createFn == nil {
		return core.BulkJob{}, fmt.Errorf("create not configured")
	}
	return s.createFn(ctx, ownerKey, destination, query, metadata)
}

func (s stubBulkJobMutator) Start(ctx context.Context, jobID string) (core.BulkJob, error) {
	if s.startFn == nil {
		return core.BulkJob{}, fmt.Errorf("start not configured")
	}
	return s.startFn(ctx, jobID)
}

func (s stubBulkJobMutator) Retry(ctx context.Context, jobID string) (core.BulkJob, error) {
	if s.retryFn == nil {
		return core.BulkJob{}, fmt.Errorf("retry not configured")
	}
	return s.retryFn(ctx, jobID)
}

func (s stubBulkJobMutator) Cancel(ctx context.Context, jobID string) (core.BulkJob, error) {
	if s.cancelFn == nil {
		return core.BulkJob{}, fmt.Errorf("cancel not configured")
	}
	return s.cancelFn(ctx, jobID)
}

type stubDeadLetterResweeper struct {
	resweepFn func(ctx context.Context, limit int) (int, error)
}

func (s stubDeadLetterResweeper) Resweep(ctx context.Context, limit int) (int, error) {
	if s.resweepFn == nil {
		return 0, fmt.Errorf("resweep not configured")
	}
	return s.resweepFn(ctx, limit)
}

type stubClaimReleaser struct {
	releaseFn func(ctx context.Context, deliveryID string) error
}

func (s stubClaimReleaser) Release(ctx context.Context, deliveryID string) error {
	if s.releaseFn == nil {
		return fmt.Errorf("release not configured")
	}
	return s.releaseFn(ctx, deliveryID)
}

var (
	_ WebhookIngestor     = stubWebhookIngestor{}
	_ BulkJobMutator      = stubBulkJobMutator{}
	_ DeadLetterResweeper = stubDeadLetterResweeper{}
	_ ClaimReleaser       = stubClaimReleaser{}
)
