package bulk

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-ingest/core"
)

type fakeLauncher struct {
	startErr  error
	cancelErr error
	reports   []StatusReport
	pollErrs  []error
	polls     int
	cancels   int
}

func (l *fakeLauncher) Start(_ context.Context, job core.BulkJob) (string, error) {
	if l.startErr != nil {
		return "", l.startErr
	}
	return "remote-" + job.ID, nil
}

func (l *fakeLauncher) Poll(context.Context, core.BulkJob) (StatusReport, error) {
	idx := l.polls
	l.polls++
	if idx < len(l.pollErrs) && l.pollErrs[idx] != nil {
		return StatusReport{}, l.pollErrs[idx]
	}
	if idx >= len(l.reports) {
		if len(l.reports) == 0 {
			return StatusReport{Status: core.BulkJobStatusRunning}, nil
		}
		return l.reports[len(l.reports)-1], nil
	}
	return l.reports[idx], nil
}

func (l *fakeLauncher) Cancel(context.Context, core.BulkJob) error {
	l.cancels++
	return l.cancelErr
}

func newTestOrchestrator(launcher Launcher, clock *time.Time) *Orchestrator {
	store := NewMemoryJobStore()
	store.Now = func() time.Time { return *clock }
	o := NewOrchestrator(store, launcher, nil)
	o.Now = func() time.Time { return *clock }
	o.Sleep = func(context.Context, time.Duration) error { return nil }
	return o
}

func orchDestination() core.Destination {
	return core.Destination{Domain: "acme.myshopify.com", Channel: "graphql", Operation: "bulkOperationRunQuery"}
}

func TestOrchestratorStartAndPollToCompletion(t *testing.T) {
	clock := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	launcher := &fakeLauncher{
		reports: []StatusReport{
			{Status: core.BulkJobStatusRunning, ObjectCount: 100, ProgressPercent: 30},
			{Status: core.BulkJobStatusRunning, ObjectCount: 600, ProgressPercent: 80},
			{Status: core.BulkJobStatusCompleted, ObjectCount: 1000, ResultURL: "https://cdn.example/result.jsonl"},
		},
	}
	o := newTestOrchestrator(launcher, &clock)
	ctx := context.Background()

	job, err := o.Create(ctx, "acme.myshopify.com", orchDestination(), "{ orders { id } }", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != core.BulkJobStatusCreated {
		t.Fatalf("expected CREATED, got %s", job.Status)
	}

	job, err = o.Start(ctx, job.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if job.Status != core.BulkJobStatusRunning || job.RemoteID == "" {
		t.Fatalf("expected RUNNING with remote id, got %+v", job)
	}

	job, err = o.PollUntilDone(ctx, job.ID)
	if err != nil {
		t.Fatalf("poll until done: %v", err)
	}
	if job.Status != core.BulkJobStatusCompleted {
		t.Fatalf("expected COMPLETED after three polls, got %s", job.Status)
	}
	if launcher.polls != 3 {
		t.Fatalf("expected exactly 3 polls, got %d", launcher.polls)
	}
	if job.ProgressPercent != 100 || job.ObjectCount != 1000 {
		t.Fatalf("expected full progress and final count, got %+v", job)
	}
	if job.ResultURL == "" || job.CompletedAt == nil {
		t.Fatalf("expected result url and completion time, got %+v", job)
	}
}

func TestOrchestratorProgressCappedWhileRunning(t *testing.T) {
	clock := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	launcher := &fakeLauncher{
		reports: []StatusReport{
			{Status: core.BulkJobStatusRunning, ProgressPercent: 100},
		},
	}
	o := newTestOrchestrator(launcher, &clock)
	ctx := context.Background()

	job, _ := o.Create(ctx, "acme", orchDestination(), "{ products { id } }", nil)
	job, _ = o.Start(ctx, job.ID)

	job, err := o.Poll(ctx, job.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if job.ProgressPercent >= 100 {
		t.Fatalf("running job must report under 100%%, got %d", job.ProgressPercent)
	}
}

func TestOrchestratorPollBudget(t *testing.T) {
	clock := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	launcher := &fakeLauncher{} // always RUNNING
	o := newTestOrchestrator(launcher, &clock)
	o.MaxPollAttempts = 4
	ctx := context.Background()

	job, _ := o.Create(ctx, "acme", orchDestination(), "{ orders { id } }", nil)
	job, _ = o.Start(ctx, job.ID)

	job, err := o.PollUntilDone(ctx, job.ID)
	if !errors.Is(err, core.ErrPollBudgetExceeded) {
		t.Fatalf("expected poll budget error, got %v", err)
	}
	if job.Status != core.BulkJobStatusRunning {
		t.Fatalf("budget overrun must leave the job RUNNING, got %s", job.Status)
	}
	if launcher.polls != 4 {
		t.Fatalf("expected 4 polls, got %d", launcher.polls)
	}
}

func TestOrchestratorTransientPollFailureKeepsRunning(t *testing.T) {
	clock := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	launcher := &fakeLauncher{
		pollErrs: []error{core.NewTransientError("502 from destination"), nil},
		reports: []StatusReport{
			{},
			{Status: core.BulkJobStatusCompleted},
		},
	}
	o := newTestOrchestrator(launcher, &clock)
	ctx := context.Background()

	job, _ := o.Create(ctx, "acme", orchDestination(), "{ orders { id } }", nil)
	job, _ = o.Start(ctx, job.ID)

	job, err := o.PollUntilDone(ctx, job.ID)
	if err != nil {
		t.Fatalf("transient poll failure must be retried: %v", err)
	}
	if job.Status != core.BulkJobStatusCompleted {
		t.Fatalf("expected completion after retry, got %s", job.Status)
	}
}

func TestOrchestratorRetryLifecycle(t *testing.T) {
	clock := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	launcher := &fakeLauncher{
		reports: []StatusReport{
			{Status: core.BulkJobStatusFailed, Error: "remote exploded"},
		},
	}
	o := newTestOrchestrator(launcher, &clock)
	o.MaxRetries = 2
	ctx := context.Background()

	job, _ := o.Create(ctx, "acme", orchDestination(), "{ orders { id } }", nil)
	job, _ = o.Start(ctx, job.ID)
	job, _ = o.Poll(ctx, job.ID)
	if job.Status != core.BulkJobStatusFailed {
		t.Fatalf("expected FAILED, got %s", job.Status)
	}

	job, err := o.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if job.Status != core.BulkJobStatusCreated || job.RetryCount != 1 {
		t.Fatalf("expected CREATED with retry count 1, got %+v", job)
	}
	if job.RemoteID != "" || job.Error != "" || job.ProgressPercent != 0 {
		t.Fatalf("retry must reset run state, got %+v", job)
	}

	// Burn the remaining budget.
	launcher.polls = 0
	job, _ = o.Start(ctx, job.ID)
	job, _ = o.Poll(ctx, job.ID)
	if _, err := o.Retry(ctx, job.ID); err != nil {
		t.Fatalf("second retry: %v", err)
	}
	launcher.polls = 0
	job, _ = o.Start(ctx, job.ID)
	job, _ = o.Poll(ctx, job.ID)
	if _, err := o.Retry(ctx, job.ID); !errors.Is(err, core.ErrRetriesExhausted) {
		t.Fatalf("expected retry budget exhaustion, got %v", err)
	}
}

func TestOrchestratorRetryRejectsNonRetryableStates(t *testing.T) {
	clock := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	o := newTestOrchestrator(&fakeLauncher{}, &clock)
	ctx := context.Background()

	job, _ := o.Create(ctx, "acme", orchDestination(), "{ orders { id } }", nil)
	if _, err := o.Retry(ctx, job.ID); !errors.Is(err, core.ErrJobNotRetryable) {
		t.Fatalf("CREATED job must not retry, got %v", err)
	}
}

func TestOrchestratorCancelIsBestEffort(t *testing.T) {
	clock := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	launcher := &fakeLauncher{cancelErr: fmt.Errorf("remote cancel rejected")}
	o := newTestOrchestrator(launcher, &clock)
	ctx := context.Background()

	job, _ := o.Create(ctx, "acme", orchDestination(), "{ orders { id } }", nil)
	job, _ = o.Start(ctx, job.ID)

	job, err := o.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel must succeed locally: %v", err)
	}
	if job.Status != core.BulkJobStatusCanceled {
		t.Fatalf("expected CANCELED regardless of remote outcome, got %s", job.Status)
	}
	if launcher.cancels != 1 {
		t.Fatalf("expected one remote cancel attempt, got %d", launcher.cancels)
	}

	if _, err := o.Cancel(ctx, job.ID); !errors.Is(err, core.ErrJobNotCancelable) {
		t.Fatalf("canceled job must not cancel again, got %v", err)
	}
}

func TestOrchestratorSweepStalled(t *testing.T) {
	clock := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	o := newTestOrchestrator(&fakeLauncher{}, &clock)
	o.StalledAfter = 3 * time.Hour
	ctx := context.Background()

	job, _ := o.Create(ctx, "acme", orchDestination(), "{ orders { id } }", nil)
	job, _ = o.Start(ctx, job.ID)

	clock = clock.Add(4 * time.Hour)
	timedOut, err := o.SweepStalled(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if timedOut != 1 {
		t.Fatalf("expected one stalled job timed out, got %d", timedOut)
	}
	job, _ = o.Get(ctx, job.ID)
	if job.Status != core.BulkJobStatusTimedOut {
		t.Fatalf("expected TIMED_OUT, got %s", job.Status)
	}

	// A timed out job is retryable.
	if _, err := o.Retry(ctx, job.ID); err != nil {
		t.Fatalf("timed out job must retry: %v", err)
	}
}

func TestOrchestratorSweepExpired(t *testing.T) {
	clock := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	launcher := &fakeLauncher{
		reports: []StatusReport{{Status: core.BulkJobStatusCompleted}},
	}
	o := newTestOrchestrator(launcher, &clock)
	o.Retention = 30 * 24 * time.Hour
	ctx := context.Background()

	job, _ := o.Create(ctx, "acme", orchDestination(), "{ orders { id } }", nil)
	job, _ = o.Start(ctx, job.ID)
	if _, err := o.Poll(ctx, job.ID); err != nil {
		t.Fatalf("poll: %v", err)
	}

	clock = clock.Add(31 * 24 * time.Hour)
	purged, err := o.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged job, got %d", purged)
	}
	if _, err := o.Get(ctx, job.ID); !errors.Is(err, core.ErrBulkJobNotFound) {
		t.Fatalf("expected job purged, got %v", err)
	}
}

func TestOrchestratorMetrics(t *testing.T) {
	clock := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	launcher := &fakeLauncher{
		reports: []StatusReport{{Status: core.BulkJobStatusCompleted}},
	}
	o := newTestOrchestrator(launcher, &clock)
	ctx := context.Background()

	first, _ := o.Create(ctx, "acme", orchDestination(), "{ orders { id } }", nil)
	first, _ = o.Start(ctx, first.ID)
	clock = clock.Add(10 * time.Minute)
	if _, err := o.Poll(ctx, first.ID); err != nil {
		t.Fatalf("poll: %v", err)
	}

	second, _ := o.Create(ctx, "acme", orchDestination(), "{ products { id } }", nil)
	if _, err := o.Start(ctx, second.ID); err != nil {
		t.Fatalf("start second: %v", err)
	}

	metrics, err := o.JobMetrics(ctx, "acme")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if metrics.Total != 2 || metrics.Running != 1 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
	if metrics.ByStatus[core.BulkJobStatusCompleted] != 1 {
		t.Fatalf("expected one completed job, got %+v", metrics.ByStatus)
	}
	if metrics.AverageCompletionMS != (10 * time.Minute).Milliseconds() {
		t.Fatalf("expected 10m average completion, got %d", metrics.AverageCompletionMS)
	}
}
